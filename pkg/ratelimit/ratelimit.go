// Package ratelimit bounds how many operations an identity may perform per
// fixed window. Each named Limiter has its own budget; state lives in a
// Store shared by all limiters of a process (or of a fleet, with RedisStore).
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Limit is a budget of Points per Duration.
type Limit struct {
	Points   int
	Duration time.Duration
}

// Validate rejects budgets that could never admit a request.
func (l Limit) Validate() error {
	if l.Points <= 0 {
		return fmt.Errorf("ratelimit: points must be positive, got %d", l.Points)
	}
	if l.Duration <= 0 {
		return fmt.Errorf("ratelimit: duration must be positive, got %s", l.Duration)
	}
	return nil
}

// Result is the outcome of one Limit call.
type Result struct {
	Success   bool
	Limit     int
	Remaining int
	// Reset is when the current window ends and the budget refills.
	Reset time.Time
}

// RetryAfter returns how long a rejected caller should wait, rounded up to
// whole seconds. It is zero for successful results.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Success {
		return 0
	}
	wait := r.Reset.Sub(now)
	if wait <= 0 {
		return 0
	}
	return ((wait + time.Second - 1) / time.Second) * time.Second
}

// Consumption is the window state after a point was taken.
type Consumption struct {
	Remaining int
	ResetAt   time.Time
}

// Store keeps per-key window state.
type Store interface {
	// Consume takes one point for key. When the window has no points left
	// it consumes nothing and returns an *ExceededError.
	Consume(ctx context.Context, key string, limit Limit) (Consumption, error)

	// Reset forgets key so its next Consume starts a fresh window.
	Reset(ctx context.Context, key string) error
}

// ExceededError reports a rejected consumption.
type ExceededError struct {
	Key     string
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("ratelimit: budget exhausted for %q until %s", e.Key, e.ResetAt.Format(time.RFC3339))
}
