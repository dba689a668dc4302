package ratelimit

import (
	"context"
	"errors"
	"time"

	"sitecache/pkg/logging"
	"sitecache/pkg/metrics"

	"go.uber.org/zap"
)

// Limiter is one named budget, for example the one guarding checkout routes.
type Limiter struct {
	name    string
	limit   Limit
	store   Store
	now     func() time.Time
	logger  *logging.Logger
	metrics metrics.MetricsCollector
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for store failures.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithMetrics reports every decision to collector.
func WithMetrics(collector metrics.MetricsCollector) Option {
	return func(l *Limiter) {
		l.metrics = collector
	}
}

// WithClock overrides the clock used for fail-open results.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a named limiter backed by store.
func New(name string, limit Limit, store Store, opts ...Option) (*Limiter, error) {
	if name == "" {
		return nil, errors.New("ratelimit: limiter name is required")
	}
	if err := limit.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}

	l := &Limiter{
		name:    name,
		limit:   limit,
		store:   store,
		now:     time.Now,
		metrics: metrics.NoOpCollector{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrGlobal(l.logger).Named("ratelimit").With(zap.String("limiter", name))
	return l, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Config returns the limiter's budget.
func (l *Limiter) Config() Limit {
	return l.limit
}

func (l *Limiter) key(identity string) string {
	return l.name + ":" + identity
}

// Limit consumes one point for identity. A rejection is reported through
// Result.Success, never as an error. If the store fails the request is let
// through with a full budget.
func (l *Limiter) Limit(ctx context.Context, identity string) Result {
	c, err := l.store.Consume(ctx, l.key(identity), l.limit)

	var res Result
	var exceeded *ExceededError
	switch {
	case err == nil:
		res = Result{Success: true, Limit: l.limit.Points, Remaining: c.Remaining, Reset: c.ResetAt}
	case errors.As(err, &exceeded):
		res = Result{Success: false, Limit: l.limit.Points, Remaining: 0, Reset: exceeded.ResetAt}
	default:
		l.logger.Warn("rate limiter store failed; allowing request",
			zap.String("identity", identity),
			zap.Error(err),
		)
		res = Result{
			Success:   true,
			Limit:     l.limit.Points,
			Remaining: l.limit.Points,
			Reset:     l.now().Add(l.limit.Duration),
		}
	}

	l.metrics.RecordRateLimit(l.name, res.Success)
	return res
}

// Reset clears identity's window immediately.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	if err := l.store.Reset(ctx, l.key(identity)); err != nil {
		l.logger.Warn("rate limiter reset failed",
			zap.String("identity", identity),
			zap.Error(err),
		)
		return err
	}
	return nil
}
