package store

import (
	"context"
	"encoding/json"
	"fmt"

	"sitecache/pkg/cache"
)

// Producer computes a value on a cache miss.
type Producer func(ctx context.Context) (any, error)

// Wrap returns the cached value for key, or calls producer, caches its result
// with opts and returns it. Concurrent misses on the same key share a single
// producer call. Producer errors are returned and nothing is cached.
func (c *Cache) Wrap(ctx context.Context, key string, producer Producer, opts ...cache.SetOption) (any, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, fmt.Errorf("wrap %q: %w", key, err)
	}

	if v, ok := c.Get(ctx, key); ok {
		c.metrics.RecordWrap(true, false)
		return v, nil
	}

	v, err, shared := c.flights.Do(key, func() (any, error) {
		// A flight that finished between our miss and this call may have
		// filled the key already.
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}

		v, err := producer(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, v, opts...)
		return v, nil
	})
	c.metrics.RecordWrap(false, shared)
	return v, err
}

// GetAs returns the cached value for key converted to T. Values read back from
// the remote backend arrive as decoded JSON (maps, float64), so a value that
// is not already a T is round-tripped through JSON.
func GetAs[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T

	v, ok := c.Get(ctx, key)
	if !ok {
		return zero, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false
	}
	return out, true
}

// WrapAs is Wrap with a typed producer and result.
func WrapAs[T any](ctx context.Context, c *Cache, key string, producer func(ctx context.Context) (T, error), opts ...cache.SetOption) (T, error) {
	var zero T

	v, err := c.Wrap(ctx, key, func(ctx context.Context) (any, error) {
		return producer(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	if t, ok := v.(T); ok {
		return t, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("wrap %q: cached value is not %T: %w", key, zero, err)
	}
	return out, nil
}
