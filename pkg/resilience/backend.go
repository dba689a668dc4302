package resilience

import (
	"context"
	"errors"
	"time"

	"sitecache/pkg/cache"
	"sitecache/pkg/logging"
	"sitecache/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientBackend wraps a cache.Backend with a circuit breaker and a
// per-operation timeout. Cache misses and caller cancellations do not count
// as breaker failures.
type ResilientBackend struct {
	backend cache.Backend
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewResilientBackend wraps backend without metrics.
func NewResilientBackend(backend cache.Backend, config ResilientConfig) *ResilientBackend {
	return NewResilientBackendWithMetrics(backend, config, metrics.NoOpCollector{})
}

// NewResilientBackendWithMetrics wraps backend and reports breaker state to collector.
func NewResilientBackendWithMetrics(backend cache.Backend, config ResilientConfig, collector metrics.MetricsCollector) *ResilientBackend {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	name := backend.Name()
	logger := logging.OrGlobal(config.Logger).Named("resilience").With(zap.String("backend", name))

	rb := &ResilientBackend{
		backend: backend,
		timeout: config.Timeout,
		metrics: collector,
		logger:  logger,
	}

	logger.Debug("resilient backend initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	readyToTrip := config.CircuitBreakerConfig.ReadyToTrip
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if readyToTrip != nil {
				return readyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || cache.IsNotFound(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			rb.metrics.RecordCircuitState(name, circuitState(to))
		},
	}

	rb.cb = gobreaker.NewCircuitBreaker(settings)
	return rb
}

func circuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// State returns the breaker's current state.
func (rb *ResilientBackend) State() metrics.CircuitState {
	return circuitState(rb.cb.State())
}

// Unwrap returns the wrapped backend.
func (rb *ResilientBackend) Unwrap() cache.Backend {
	return rb.backend
}

// Name returns the name of the wrapped backend.
func (rb *ResilientBackend) Name() string {
	return rb.backend.Name()
}

// call runs fn through the breaker under the configured timeout and maps
// breaker and deadline failures onto the cache sentinels.
func (rb *ResilientBackend) call(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	start := time.Now()

	if rb.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rb.timeout)
		defer cancel()
	}

	result, err := rb.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err == nil {
		return result, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rb.logger.Debug("circuit breaker open - request rejected", zap.String("operation", op))
		return nil, cache.ErrCircuitOpen
	case cache.IsNotFound(err):
		return nil, err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rb.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.Duration("timeout", rb.timeout),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, cache.ErrTimeout
	default:
		return nil, err
	}
}

// Get retrieves an entry with timeout and circuit breaker protection.
func (rb *ResilientBackend) Get(ctx context.Context, key string) (*cache.Entry, error) {
	res, err := rb.call(ctx, "get", func(ctx context.Context) (any, error) {
		return rb.backend.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.(*cache.Entry), nil
}

// Set stores an entry with timeout and circuit breaker protection.
func (rb *ResilientBackend) Set(ctx context.Context, key string, entry *cache.Entry) error {
	_, err := rb.call(ctx, "set", func(ctx context.Context) (any, error) {
		return nil, rb.backend.Set(ctx, key, entry)
	})
	return err
}

// Delete removes an entry with timeout and circuit breaker protection.
func (rb *ResilientBackend) Delete(ctx context.Context, key string) (bool, error) {
	res, err := rb.call(ctx, "delete", func(ctx context.Context) (any, error) {
		return rb.backend.Delete(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Exists checks an entry with timeout and circuit breaker protection.
func (rb *ResilientBackend) Exists(ctx context.Context, key string) (bool, error) {
	res, err := rb.call(ctx, "exists", func(ctx context.Context) (any, error) {
		return rb.backend.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Keys lists keys with timeout and circuit breaker protection.
func (rb *ResilientBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	res, err := rb.call(ctx, "keys", func(ctx context.Context) (any, error) {
		return rb.backend.Keys(ctx, pattern)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// InvalidateTag removes tagged entries with timeout and circuit breaker protection.
func (rb *ResilientBackend) InvalidateTag(ctx context.Context, tag string) (int, error) {
	res, err := rb.call(ctx, "invalidate_tag", func(ctx context.Context) (any, error) {
		return cache.InvalidateTag(ctx, rb.backend, tag)
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

// Clear removes all entries with timeout and circuit breaker protection.
func (rb *ResilientBackend) Clear(ctx context.Context) error {
	_, err := rb.call(ctx, "clear", func(ctx context.Context) (any, error) {
		return nil, rb.backend.Clear(ctx)
	})
	return err
}

// Stats reports backend statistics with timeout and circuit breaker protection.
func (rb *ResilientBackend) Stats(ctx context.Context) (cache.Stats, error) {
	res, err := rb.call(ctx, "stats", func(ctx context.Context) (any, error) {
		return rb.backend.Stats(ctx)
	})
	if err != nil {
		return cache.Stats{}, err
	}
	return res.(cache.Stats), nil
}

// Close closes the wrapped backend.
func (rb *ResilientBackend) Close() error {
	return rb.backend.Close()
}

var (
	_ cache.Backend        = (*ResilientBackend)(nil)
	_ cache.TagInvalidator = (*ResilientBackend)(nil)
)
