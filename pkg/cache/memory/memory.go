package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"sitecache/pkg/cache"
)

// EvictionDivisor sets the share of entries dropped when the cache is full:
// one in ten, rounded up.
const EvictionDivisor = 10

// MemoryCache is the in-process backend: a bounded map from key to entry.
// When full it evicts the oldest entries by creation time (FIFO, not LRU).
type MemoryCache struct {
	data map[string]*cache.Entry

	// mu makes check-evict-insert a single step.
	mu sync.Mutex

	config MemoryCacheConfig
	now    func() time.Time

	stopCleanup chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// MemoryCacheConfig holds configuration for the memory cache.
type MemoryCacheConfig struct {
	// Name identifies the backend in logs and metrics
	Name string

	// MaxSize is the maximum number of entries before eviction (default 1000)
	MaxSize int

	// CleanupInterval is how often expired entries are swept.
	// Negative disables the sweeper; expired entries are then only removed on access.
	CleanupInterval time.Duration

	// Now overrides the clock, for tests
	Now func() time.Time

	// OnEvict is called with the number of entries dropped by each eviction
	OnEvict func(count int)
}

// NewMemoryCache creates a memory backend and starts its expiry sweeper.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.Name == "" {
		config.Name = cache.KindMemory
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	c := &MemoryCache{
		data:        make(map[string]*cache.Entry),
		config:      config,
		now:         now,
		stopCleanup: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanup(config.CleanupInterval)
	}

	return c
}

// Get returns the live entry for key. Expired entries are removed.
func (c *MemoryCache) Get(ctx context.Context, key string) (*cache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.liveLocked(key)
	if !ok {
		return nil, cache.ErrKeyNotFound
	}
	return entry, nil
}

// Set stores entry under key. Inserting a new key into a full cache first
// evicts the oldest tenth of the entries, rounded up.
func (c *MemoryCache) Set(ctx context.Context, key string, entry *cache.Entry) error {
	if entry == nil {
		return cache.ErrInvalidValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && len(c.data) >= c.config.MaxSize {
		c.evictOldestLocked()
	}

	c.data[key] = entry
	return nil
}

// Delete removes key and reports whether a live entry was removed.
func (c *MemoryCache) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, live := c.liveLocked(key)
	delete(c.data, key)
	return live, nil
}

// Exists reports whether key holds a live entry.
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.liveLocked(key)
	return ok, nil
}

// Keys returns the live keys matching pattern.
func (c *MemoryCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	keys := make([]string, 0, len(c.data))
	for k, e := range c.data {
		if e.IsExpired(now) {
			continue
		}
		if cache.MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// InvalidateTag removes every entry carrying tag and returns how many live
// entries were removed. Expired entries are dropped without being counted.
func (c *MemoryCache) InvalidateTag(ctx context.Context, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.data {
		if !e.HasTag(tag) {
			continue
		}
		delete(c.data, k)
		if !e.IsExpired(now) {
			removed++
		}
	}
	return removed, nil
}

// Clear removes every entry.
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.data = make(map[string]*cache.Entry)
	c.mu.Unlock()
	return nil
}

// Stats counts live entries and sums their estimated sizes.
func (c *MemoryCache) Stats(ctx context.Context) (cache.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := cache.Stats{Backend: cache.KindMemory}
	for _, e := range c.data {
		if e.IsExpired(now) {
			continue
		}
		stats.Size++
		stats.MemoryUsage += int64(e.Metadata.Size)
	}
	return stats, nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// MaxSize returns the configured capacity.
func (c *MemoryCache) MaxSize() int {
	return c.config.MaxSize
}

// Name returns the backend name.
func (c *MemoryCache) Name() string {
	return c.config.Name
}

// Close stops the sweeper and drops all entries. It is safe to call twice.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		c.wg.Wait()

		c.mu.Lock()
		c.data = make(map[string]*cache.Entry)
		c.mu.Unlock()
	})
	return nil
}

// liveLocked returns the entry for key, deleting it if expired. Caller holds mu.
func (c *MemoryCache) liveLocked(key string) (*cache.Entry, bool) {
	entry, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if entry.IsExpired(c.now()) {
		delete(c.data, key)
		return nil, false
	}
	return entry, true
}

// evictOldestLocked drops ceil(10%) of the entries with the smallest creation
// time. Ties fall back to key order. Caller holds mu.
func (c *MemoryCache) evictOldestLocked() {
	count := (len(c.data) + EvictionDivisor - 1) / EvictionDivisor
	if count < 1 {
		count = 1
	}

	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := c.data[keys[i]].Metadata.Created, c.data[keys[j]].Metadata.Created
		if ci != cj {
			return ci < cj
		}
		return keys[i] < keys[j]
	})

	if count > len(keys) {
		count = len(keys)
	}
	for _, k := range keys[:count] {
		delete(c.data, k)
	}

	if c.config.OnEvict != nil {
		c.config.OnEvict(count)
	}
}

func (c *MemoryCache) cleanup(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.data {
		if e.IsExpired(now) {
			delete(c.data, key)
		}
	}
}

var (
	_ cache.Backend        = (*MemoryCache)(nil)
	_ cache.TagInvalidator = (*MemoryCache)(nil)
)
