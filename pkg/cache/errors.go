package cache

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by backends. The store facade turns all of them into
// misses or false results, so callers outside this module rarely see them.
var (
	// ErrKeyNotFound is returned when a key is absent or expired.
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrCacheMiss is an alias for ErrKeyNotFound.
	ErrCacheMiss = ErrKeyNotFound

	// ErrInvalidKey is returned for empty, oversized or malformed keys.
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidValue is returned when a value cannot be encoded for storage.
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrBackendUnavailable is returned when a backend cannot be reached.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")

	// ErrTimeout is returned when a backend call exceeds its time budget.
	ErrTimeout = errors.New("cache: operation timeout")

	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("cache: circuit breaker open")
)

// IsNotFound reports whether err means the key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable reports whether err means the backend could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsCircuitOpen reports whether err was produced by an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ClassifyError returns a short label for err, used as a metrics dimension.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrInvalidValue):
		return "invalid_value"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial", "refused"):
		return "connection"
	case containsAny(msg, "serialize", "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	case containsAny(msg, "redis"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError adds backend and operation context to err.
func WrapError(err error, backend string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache backend %s %s: %w", backend, operation, err)
}
