package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sitecache/pkg/logging"
	"sitecache/pkg/metrics/memory"
	"sitecache/pkg/ratelimit"
	"sitecache/pkg/store"
)

type testEnv struct {
	server *Server
	cache  *store.Cache
}

func newTestEnv(t *testing.T, limits map[string]ratelimit.Limit, config ServerConfig) *testEnv {
	t.Helper()

	c := store.New(context.Background(), store.Config{Logger: logging.Nop()})
	t.Cleanup(func() { c.Close() })

	if limits == nil {
		limits = ratelimit.DefaultLimits()
	}
	rlStore := ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{SweepInterval: -1})
	t.Cleanup(func() { rlStore.Close() })

	registry, err := ratelimit.NewRegistryFromLimits(limits, rlStore)
	if err != nil {
		t.Fatalf("NewRegistryFromLimits failed: %v", err)
	}

	srv, err := NewServer(Deps{Cache: c, Limiters: registry, Logger: logging.Nop()}, config)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return &testEnv{server: srv, cache: c}
}

func (e *testEnv) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return out
}

var sampleROI = ROIRequest{
	MonthlyVisitors:  10000,
	ConversionRate:   2,
	ExpectedUplift:   25,
	AverageDealValue: 100,
	MonthlyCost:      1000,
}

func TestNewServer_RequiresLimiters(t *testing.T) {
	c := store.New(context.Background(), store.Config{Logger: logging.Nop()})
	defer c.Close()

	_, err := NewServer(Deps{Cache: c, Limiters: ratelimit.NewRegistry()}, DefaultServerConfig())
	if err == nil {
		t.Fatal("expected error for missing limiters")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	rec := env.do(http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decode(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	backend := body["cache"].(map[string]any)
	if backend["backend"] != "memory" {
		t.Errorf("expected memory backend, got %v", backend["backend"])
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a request ID header")
	}
}

func TestRequestID_Propagated(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	rec := env.do(http.MethodGet, "/health", nil, http.Header{RequestIDHeader: {"abc-123"}})
	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("expected abc-123, got %q", got)
	}

	long := strings.Repeat("x", 200)
	rec = env.do(http.MethodGet, "/health", nil, http.Header{RequestIDHeader: {long}})
	if got := rec.Header().Get(RequestIDHeader); got == long || got == "" {
		t.Errorf("expected oversized ID to be replaced, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	env.do(http.MethodGet, "/health", nil, nil)
	rec := env.do(http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sitecache_http_requests_total") {
		t.Error("expected HTTP request counter in metrics output")
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	if rec := env.do(http.MethodGet, "/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/roi", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestROI_CachedAcrossRequests(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	first := env.do(http.MethodPost, "/api/roi", sampleROI, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("expected MISS, got %q", got)
	}

	var result ROIResult
	json.Unmarshal(first.Body.Bytes(), &result)
	// 10000 * 2% = 200 conversions, +25% = 50 more, * 100 = 5000 revenue.
	if result.AdditionalConversions != 50 || result.AdditionalRevenue != 5000 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.NetGain != 4000 || result.ROI != 400 || result.AnnualRevenue != 60000 {
		t.Errorf("unexpected result: %+v", result)
	}

	second := env.do(http.MethodPost, "/api/roi", sampleROI, nil)
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("expected HIT, got %q", got)
	}

	entry, ok := env.cache.GetEntry(context.Background(), sampleROI.CacheKey())
	if !ok {
		t.Fatal("expected ROI result to be cached")
	}
	if !entry.HasTag("roi") {
		t.Errorf("expected roi tag, got %v", entry.Metadata.Tags)
	}
	if !strings.HasPrefix(sampleROI.CacheKey(), "roi:roi:") {
		t.Errorf("unexpected key %q", sampleROI.CacheKey())
	}

	if removed := env.cache.InvalidateByTag(context.Background(), "roi"); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	third := env.do(http.MethodPost, "/api/roi", sampleROI, nil)
	if got := third.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("expected MISS after invalidation, got %q", got)
	}
}

func TestROI_Validation(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	bad := sampleROI
	bad.ConversionRate = 150
	if rec := env.do(http.MethodPost, "/api/roi", bad, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad rate, got %d", rec.Code)
	}

	rec := env.do(http.MethodPost, "/api/roi", map[string]any{"unknown": 1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown field, got %d", rec.Code)
	}
}

// behindProxy is the server config for a deployment behind a trusted proxy.
func behindProxy() ServerConfig {
	config := DefaultServerConfig()
	config.TrustProxyHeaders = true
	return config
}

func TestRateLimit_Headers(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.ROI] = ratelimit.Limit{Points: 2, Duration: time.Minute}
	env := newTestEnv(t, limits, behindProxy())

	ip := http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}}

	rec := env.do(http.MethodPost, "/api/roi", sampleROI, ip)
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Errorf("unexpected headers: %v", rec.Header())
	}

	env.do(http.MethodPost, "/api/roi", sampleROI, ip)
	rec = env.do(http.MethodPost, "/api/roi", sampleROI, ip)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected 0 remaining, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if decode(t, rec)["error"] != "rate limit exceeded" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	// Other clients have their own budget.
	other := http.Header{"X-Forwarded-For": {"198.51.100.1"}}
	if rec := env.do(http.MethodPost, "/api/roi", sampleROI, other); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for other client, got %d", rec.Code)
	}
}

func TestRateLimit_IgnoresForwardedForByDefault(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.ROI] = ratelimit.Limit{Points: 1, Duration: time.Minute}
	env := newTestEnv(t, limits, DefaultServerConfig())

	first := env.do(http.MethodPost, "/api/roi", sampleROI, http.Header{"X-Forwarded-For": {"203.0.113.1"}})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}

	rotated := env.do(http.MethodPost, "/api/roi", sampleROI, http.Header{"X-Forwarded-For": {"203.0.113.2"}})
	if rotated.Code != http.StatusTooManyRequests {
		t.Errorf("rotating X-Forwarded-For got %d, want 429", rotated.Code)
	}
}

func TestMount_AppliesNamedLimiter(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.Checkout] = ratelimit.Limit{Points: 1, Duration: time.Minute}
	env := newTestEnv(t, limits, DefaultServerConfig())

	checkout := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	if err := env.server.Mount(ratelimit.Checkout, "/api/checkout", checkout, http.MethodPost); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	rec := env.do(http.MethodPost, "/api/checkout", nil, nil)
	if rec.Code != http.StatusCreated || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("first checkout = %d %v", rec.Code, rec.Header())
	}
	if rec := env.do(http.MethodPost, "/api/checkout", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second checkout = %d, want 429", rec.Code)
	}

	if err := env.server.Mount("payments", "/api/pay", checkout); err == nil {
		t.Error("expected error for unknown limiter")
	}
}

func TestAnalyticsEvent_Counts(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodPost, "/api/analytics/events", AnalyticsEvent{Event: "cta_click", Page: "/pricing"}, nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		if decode(t, rec)["queued"] != true {
			t.Errorf("expected queued true, got %s", rec.Body.String())
		}
	}
	if err := env.server.events.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	count, ok := store.GetAs[int](context.Background(), env.cache, "analytics:analytics:cta_click")
	if !ok || count != 3 {
		t.Errorf("expected count 3, got %d (found %v)", count, ok)
	}
	entry, ok := env.cache.GetEntry(context.Background(), "analytics:analytics:cta_click")
	if !ok || !entry.HasTag("analytics") {
		t.Fatalf("expected tagged counter entry, got %+v", entry)
	}
}

func TestAnalyticsEvent_ReportsWriterMetrics(t *testing.T) {
	c := store.New(context.Background(), store.Config{Logger: logging.Nop()})
	defer c.Close()
	rlStore := ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{SweepInterval: -1})
	defer rlStore.Close()
	limiters, err := ratelimit.NewRegistryFromLimits(ratelimit.DefaultLimits(), rlStore)
	if err != nil {
		t.Fatalf("NewRegistryFromLimits failed: %v", err)
	}

	collector := memory.NewMemoryCollector()
	srv, err := NewServer(Deps{Cache: c, Limiters: limiters, Metrics: collector, Logger: logging.Nop()}, DefaultServerConfig())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Stop(context.Background())

	env := &testEnv{server: srv, cache: c}
	for i := 0; i < 2; i++ {
		if rec := env.do(http.MethodPost, "/api/analytics/events", AnalyticsEvent{Event: "signup"}, nil); rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
	}
	if err := srv.events.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	wm, ok := collector.Snapshot().Writers["analytics"]
	if !ok || wm.AsyncWrites != 2 || wm.FailedWrites != 0 {
		t.Errorf("analytics writer metrics = %+v (found %v), want 2 writes", wm, ok)
	}
}

func TestAnalyticsEvent_InvalidName(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	for _, name := range []string{"", "Has Space", strings.Repeat("a", 65)} {
		rec := env.do(http.MethodPost, "/api/analytics/events", AnalyticsEvent{Event: name}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("event %q: expected 400, got %d", name, rec.Code)
		}
	}
}

func TestAdmin_CacheRoutes(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	ttl := 60
	rec := env.do(http.MethodPut, "/api/cache/page:home", cachePutRequest{Value: "hello", TTL: &ttl, Tags: []string{"pages"}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/api/cache/page:home", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["value"] != "hello" {
		t.Errorf("expected hello, got %v", body["value"])
	}
	if body["expiresAt"] == nil {
		t.Error("expected expiresAt for entry with TTL")
	}

	rec = env.do(http.MethodGet, "/api/cache/stats", nil, nil)
	if got := decode(t, rec)["size"]; got != float64(1) {
		t.Errorf("expected size 1, got %v", got)
	}

	rec = env.do(http.MethodDelete, "/api/cache/tags/pages", nil, nil)
	if got := decode(t, rec)["removed"]; got != float64(1) {
		t.Errorf("expected 1 removed, got %v", got)
	}

	if rec := env.do(http.MethodGet, "/api/cache/page:home", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after invalidation, got %d", rec.Code)
	}

	env.do(http.MethodPut, "/api/cache/a", cachePutRequest{Value: 1}, nil)
	rec = env.do(http.MethodDelete, "/api/cache/a", nil, nil)
	if decode(t, rec)["deleted"] != true {
		t.Errorf("expected deleted true, got %s", rec.Body.String())
	}
	rec = env.do(http.MethodDelete, "/api/cache/a", nil, nil)
	if decode(t, rec)["deleted"] != false {
		t.Errorf("expected deleted false, got %s", rec.Body.String())
	}

	env.do(http.MethodPut, "/api/cache/b", cachePutRequest{Value: 2}, nil)
	if rec := env.do(http.MethodDelete, "/api/cache", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("clear: expected 200, got %d", rec.Code)
	}
	if env.cache.Exists(context.Background(), "b") {
		t.Error("expected cache to be empty after clear")
	}
}

func TestAdmin_PutValidation(t *testing.T) {
	env := newTestEnv(t, nil, DefaultServerConfig())

	ttl := -1
	if rec := env.do(http.MethodPut, "/api/cache/k", cachePutRequest{Value: 1, TTL: &ttl}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative ttl, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPut, "/api/cache/k", map[string]any{"ttl": 5}, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing value, got %d", rec.Code)
	}
}

func TestAdmin_Token(t *testing.T) {
	config := DefaultServerConfig()
	config.AdminToken = "s3cret"
	env := newTestEnv(t, nil, config)

	if rec := env.do(http.MethodGet, "/api/cache/stats", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	wrong := http.Header{"Authorization": {"Bearer nope"}}
	if rec := env.do(http.MethodGet, "/api/cache/stats", nil, wrong); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rec.Code)
	}
	right := http.Header{"Authorization": {"Bearer s3cret"}}
	if rec := env.do(http.MethodGet, "/api/cache/stats", nil, right); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", rec.Code)
	}

	// Public routes stay open.
	if rec := env.do(http.MethodPost, "/api/roi", sampleROI, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 on public route, got %d", rec.Code)
	}
}

func TestAdmin_RateLimitReset(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.ROI] = ratelimit.Limit{Points: 1, Duration: time.Minute}
	env := newTestEnv(t, limits, behindProxy())

	client := http.Header{"X-Forwarded-For": {"203.0.113.9"}}
	env.do(http.MethodPost, "/api/roi", sampleROI, client)
	if rec := env.do(http.MethodPost, "/api/roi", sampleROI, client); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	if rec := env.do(http.MethodDelete, "/api/ratelimit/roi/203.0.113.9", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/roi", sampleROI, client); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after reset, got %d", rec.Code)
	}

	if rec := env.do(http.MethodDelete, "/api/ratelimit/nope/1.2.3.4", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown limiter, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		header     http.Header
		trust      bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", nil, true, "192.0.2.1"},
		{"forwarded first hop", "10.0.0.1:1", http.Header{"X-Forwarded-For": {" 203.0.113.5 , 10.0.0.2"}}, true, "203.0.113.5"},
		{"real ip", "10.0.0.1:1", http.Header{"X-Real-Ip": {"198.51.100.4"}}, true, "198.51.100.4"},
		{"untrusted headers", "10.0.0.1:1", http.Header{"X-Forwarded-For": {"203.0.113.5"}}, false, "10.0.0.1"},
		{"no port", "pipe", nil, false, "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.header {
				r.Header[k] = v
			}
			if got := ClientIP(r, tt.trust); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCalculateROI_Loss(t *testing.T) {
	got := CalculateROI(ROIRequest{
		MonthlyVisitors:  1000,
		ConversionRate:   1,
		ExpectedUplift:   10,
		AverageDealValue: 50,
		MonthlyCost:      100,
	})
	// 10 baseline conversions, 1 more, 50 revenue against 100 cost.
	if got.AdditionalRevenue != 50 || got.NetGain != -50 || got.ROI != -50 {
		t.Errorf("unexpected result: %+v", got)
	}
}
