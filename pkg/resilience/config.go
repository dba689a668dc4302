package resilience

import (
	"time"

	"sitecache/pkg/logging"
)

// ResilientConfig configures resilience features for a cache backend.
type ResilientConfig struct {
	// Timeout bounds every backend operation. Zero disables it.
	Timeout time.Duration

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig

	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the number of requests allowed through while half-open.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which the
	// counts are cleared. Zero never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If nil, the breaker trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultResilientConfig returns the settings used for the remote backend.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 3 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}

// WithLogger returns a copy of the config that logs to logger.
func (c ResilientConfig) WithLogger(logger *logging.Logger) ResilientConfig {
	c.Logger = logger
	return c
}
