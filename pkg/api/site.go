package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"regexp"
	"time"

	"sitecache/pkg/cache"
	"sitecache/pkg/store"

	"go.uber.org/zap"
)

var (
	roiKeys       = cache.NewKeyPattern("roi", ":")
	analyticsKeys = cache.NewKeyPattern("analytics", ":")
)

const (
	roiTTL       = time.Hour
	analyticsTTL = 24 * time.Hour
)

// ROIRequest holds the calculator inputs. Rates are percentages.
type ROIRequest struct {
	MonthlyVisitors  int     `json:"monthlyVisitors"`
	ConversionRate   float64 `json:"conversionRate"`
	ExpectedUplift   float64 `json:"expectedUplift"`
	AverageDealValue float64 `json:"averageDealValue"`
	MonthlyCost      float64 `json:"monthlyCost"`
	Industry         string  `json:"industry,omitempty"`
}

// ROIResult is the calculator output. Money values are monthly unless named annual.
type ROIResult struct {
	BaselineConversions   float64 `json:"baselineConversions"`
	AdditionalConversions float64 `json:"additionalConversions"`
	AdditionalRevenue     float64 `json:"additionalRevenue"`
	AnnualRevenue         float64 `json:"annualRevenue"`
	NetGain               float64 `json:"netGain"`
	ROI                   float64 `json:"roi"`
}

var errInvalidROI = errors.New("monthlyVisitors, averageDealValue and monthlyCost must be positive; conversionRate must be in (0, 100]; expectedUplift must not be negative")

// Validate checks the calculator inputs.
func (q ROIRequest) Validate() error {
	switch {
	case q.MonthlyVisitors <= 0,
		q.ConversionRate <= 0, q.ConversionRate > 100,
		q.ExpectedUplift < 0,
		q.AverageDealValue <= 0,
		q.MonthlyCost <= 0:
		return errInvalidROI
	}
	return nil
}

// CacheKey identifies the inputs; equal requests share one cached result.
func (q ROIRequest) CacheKey() string {
	raw, _ := json.Marshal(q)
	sum := sha256.Sum256(raw)
	return roiKeys.Tagged("roi", hex.EncodeToString(sum[:16]))
}

// CalculateROI projects the revenue gained from a conversion uplift.
func CalculateROI(q ROIRequest) ROIResult {
	baseline := float64(q.MonthlyVisitors) * q.ConversionRate / 100
	additional := baseline * q.ExpectedUplift / 100
	revenue := additional * q.AverageDealValue
	net := revenue - q.MonthlyCost

	return ROIResult{
		BaselineConversions:   round2(baseline),
		AdditionalConversions: round2(additional),
		AdditionalRevenue:     round2(revenue),
		AnnualRevenue:         round2(revenue * 12),
		NetGain:               round2(net),
		ROI:                   round2(net / q.MonthlyCost * 100),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *Server) handleROI(w http.ResponseWriter, r *http.Request) {
	var req ROIRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	computed := false
	result, err := store.WrapAs(r.Context(), s.cache, req.CacheKey(), func(ctx context.Context) (ROIResult, error) {
		computed = true
		return CalculateROI(req), nil
	}, cache.WithTTL(roiTTL), cache.WithTags("roi"))
	if err != nil {
		s.logger.Error("roi calculation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "calculation failed")
		return
	}

	if computed {
		w.Header().Set("X-Cache", "MISS")
	} else {
		w.Header().Set("X-Cache", "HIT")
	}
	writeJSON(w, http.StatusOK, result)
}

// AnalyticsEvent is one conversion-analytics beacon.
type AnalyticsEvent struct {
	Event      string         `json:"event"`
	Page       string         `json:"page,omitempty"`
	Variant    string         `json:"variant,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

var eventName = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// handleAnalyticsEvent validates an event and queues a bump of its cached
// counter. Updates for one event run in order on a single worker.
func (s *Server) handleAnalyticsEvent(w http.ResponseWriter, r *http.Request) {
	var ev AnalyticsEvent
	if !decodeJSON(w, r, &ev) {
		return
	}
	if !eventName.MatchString(ev.Event) {
		writeError(w, http.StatusBadRequest, "event must be 1-64 lowercase letters, digits, '.', '_' or '-'")
		return
	}

	key := analyticsKeys.Tagged("analytics", ev.Event)
	err := s.events.Write(r.Context(), key, func(ctx context.Context) error {
		count, _ := store.GetAs[int](ctx, s.cache, key)
		if !s.cache.Set(ctx, key, count+1, cache.WithTTL(analyticsTTL), cache.WithTags("analytics")) {
			return errCounterWrite
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("analytics event dropped", zap.String("event", ev.Event), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "analytics queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":     ev.Event,
		"queued":    true,
		"requestId": RequestID(r.Context()),
	})
}

var errCounterWrite = errors.New("analytics counter write failed")
