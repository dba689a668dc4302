package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting cache and rate-limit
// metrics. Implementations export to a backend such as Prometheus.
type MetricsCollector interface {
	// Backend operations
	RecordGet(backend string, hit bool, duration time.Duration)
	RecordSet(backend string, success bool, duration time.Duration)
	RecordDelete(backend string, success bool, duration time.Duration)
	RecordError(backend, operation, errorType string)

	// Housekeeping
	RecordEviction(backend string, count int)
	RecordInvalidation(backend, tag string, removed int)

	// Circuit breaker
	RecordCircuitState(backend string, state CircuitState)

	// Wrap reports whether the value came from cache and whether the
	// producer call was shared with a concurrent caller.
	RecordWrap(hit bool, shared bool)

	// Rate limiting
	RecordRateLimit(limiter string, allowed bool)

	// Async writers
	RecordQueueDepth(writer string, depth int)
	RecordWriteDropped(writer string)
	RecordAsyncWrite(writer string, success bool, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the backend has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything. It is the default when no collector is configured.
type NoOpCollector struct{}

func (NoOpCollector) RecordGet(backend string, hit bool, duration time.Duration)        {}
func (NoOpCollector) RecordSet(backend string, success bool, duration time.Duration)    {}
func (NoOpCollector) RecordDelete(backend string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordError(backend, operation, errorType string)                  {}
func (NoOpCollector) RecordEviction(backend string, count int)                          {}
func (NoOpCollector) RecordInvalidation(backend, tag string, removed int)               {}
func (NoOpCollector) RecordCircuitState(backend string, state CircuitState)             {}
func (NoOpCollector) RecordWrap(hit bool, shared bool)                                  {}
func (NoOpCollector) RecordRateLimit(limiter string, allowed bool)                      {}
func (NoOpCollector) RecordQueueDepth(writer string, depth int)                         {}
func (NoOpCollector) RecordWriteDropped(writer string)                                  {}
func (NoOpCollector) RecordAsyncWrite(writer string, success bool, d time.Duration)     {}

var _ MetricsCollector = NoOpCollector{}
