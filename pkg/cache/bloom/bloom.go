package bloom

import (
	"context"
	"sync"

	"sitecache/pkg/cache"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomBackend puts a bloom filter in front of a backend so lookups for keys
// this process never wrote or warmed skip the round trip. The filter only
// learns keys through Set and Warm: keys written by other processes after
// Warm read as misses until this process writes them too.
type BloomBackend struct {
	backend cache.Backend
	filter  *bloom.BloomFilter
	mu      sync.RWMutex

	expectedItems     uint
	falsePositiveRate float64

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// NewBloomBackend wraps backend with a filter sized for expectedItems keys.
func NewBloomBackend(backend cache.Backend, expectedItems uint, falsePositiveRate float64) *BloomBackend {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &BloomBackend{
		backend:           backend,
		filter:            bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
	}
}

// Warm loads every key the backend currently holds into the filter.
func (b *BloomBackend) Warm(ctx context.Context) (int, error) {
	keys, err := b.backend.Keys(ctx, "*")
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	for _, k := range keys {
		b.filter.AddString(k)
	}
	b.mu.Unlock()

	return len(keys), nil
}

// Name returns the wrapped backend's name.
func (b *BloomBackend) Name() string {
	return b.backend.Name()
}

// Get consults the filter before the backend.
func (b *BloomBackend) Get(ctx context.Context, key string) (*cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !b.mayContain(key) {
		return nil, cache.ErrKeyNotFound
	}

	entry, err := b.backend.Get(ctx, key)
	if cache.IsNotFound(err) {
		b.recordFalsePositive()
	}
	return entry, err
}

// Exists consults the filter before the backend.
func (b *BloomBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !b.mayContain(key) {
		return false, nil
	}

	ok, err := b.backend.Exists(ctx, key)
	if err == nil && !ok {
		b.recordFalsePositive()
	}
	return ok, err
}

// Set records key in the filter and writes through.
func (b *BloomBackend) Set(ctx context.Context, key string, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.filter.AddString(key)
	b.mu.Unlock()

	return b.backend.Set(ctx, key, entry)
}

// Delete writes through. Bloom filters cannot forget keys, so a deleted key
// costs one backend round trip on its next lookup.
func (b *BloomBackend) Delete(ctx context.Context, key string) (bool, error) {
	return b.backend.Delete(ctx, key)
}

// Keys delegates to the backend.
func (b *BloomBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	return b.backend.Keys(ctx, pattern)
}

// InvalidateTag delegates to the backend.
func (b *BloomBackend) InvalidateTag(ctx context.Context, tag string) (int, error) {
	return cache.InvalidateTag(ctx, b.backend, tag)
}

// Clear empties the backend and starts a fresh filter.
func (b *BloomBackend) Clear(ctx context.Context) error {
	if err := b.backend.Clear(ctx); err != nil {
		return err
	}
	b.Reset()
	return nil
}

// Stats delegates to the backend.
func (b *BloomBackend) Stats(ctx context.Context) (cache.Stats, error) {
	return b.backend.Stats(ctx)
}

// Close closes the wrapped backend.
func (b *BloomBackend) Close() error {
	return b.backend.Close()
}

// Reset replaces the filter and zeroes the counters.
func (b *BloomBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.filter = bloom.NewWithEstimates(b.expectedItems, b.falsePositiveRate)
	b.totalQueries = 0
	b.bloomRejected = 0
	b.falsePositives = 0
}

func (b *BloomBackend) mayContain(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalQueries++
	if !b.filter.TestString(key) {
		b.bloomRejected++
		return false
	}
	return true
}

func (b *BloomBackend) recordFalsePositive() {
	b.mu.Lock()
	b.falsePositives++
	b.mu.Unlock()
}

// FilterStats returns statistics about the bloom filter.
func (b *BloomBackend) FilterStats() FilterStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := FilterStats{
		TotalQueries:   b.totalQueries,
		BloomRejected:  b.bloomRejected,
		FalsePositives: b.falsePositives,
		FilterCapacity: b.filter.Cap(),
	}
	if b.totalQueries > 0 {
		stats.RejectionRate = float64(b.bloomRejected) / float64(b.totalQueries)
		if queried := b.totalQueries - b.bloomRejected; queried > 0 {
			stats.FalsePositiveRate = float64(b.falsePositives) / float64(queried)
		}
	}
	return stats
}

// FilterStats holds statistics about bloom filter performance.
type FilterStats struct {
	TotalQueries      uint64  `json:"totalQueries"`
	BloomRejected     uint64  `json:"bloomRejected"`
	FalsePositives    uint64  `json:"falsePositives"`
	RejectionRate     float64 `json:"rejectionRate"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`
	FilterCapacity    uint    `json:"filterCapacity"`
}

var (
	_ cache.Backend        = (*BloomBackend)(nil)
	_ cache.TagInvalidator = (*BloomBackend)(nil)
)
