package cache

import (
	"context"
)

// Backend kinds reported by Stats.
const (
	KindMemory = "memory"
	KindRemote = "remote"
)

// Backend is the storage capability behind the store facade. Implementations
// return ErrKeyNotFound for absent or expired keys and never return expired
// entries.
type Backend interface {
	// Get returns the entry stored under key.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set writes entry under key, replacing any previous entry.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes key and reports whether something was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether a live entry is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys lists keys matching a glob pattern ("*" matches everything).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Clear removes every entry owned by this backend.
	Clear(ctx context.Context) error

	// Stats reports the entry count and, where known, memory usage.
	Stats(ctx context.Context) (Stats, error)

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases resources held by the backend.
	Close() error
}

// TagInvalidator is implemented by backends that can drop every entry carrying
// a tag in one call.
type TagInvalidator interface {
	InvalidateTag(ctx context.Context, tag string) (int, error)
}

// Stats is a point-in-time view of a backend.
type Stats struct {
	Backend     string `json:"backend"`
	Size        int    `json:"size"`
	MemoryUsage int64  `json:"memoryUsage,omitempty"`
}

// InvalidateTag removes tagged entries from b. Backends without a tag index
// fall back to deleting the keys that match the "*:<tag>:*" convention.
func InvalidateTag(ctx context.Context, b Backend, tag string) (int, error) {
	if ti, ok := b.(TagInvalidator); ok {
		return ti.InvalidateTag(ctx, tag)
	}

	keys, err := b.Keys(ctx, TagScanPattern(tag))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		ok, err := b.Delete(ctx, k)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
