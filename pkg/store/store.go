package store

import (
	"context"
	"time"

	"sitecache/pkg/cache"
	"sitecache/pkg/cache/bloom"
	"sitecache/pkg/cache/memory"
	"sitecache/pkg/cache/redis"
	"sitecache/pkg/logging"
	"sitecache/pkg/metrics"
	"sitecache/pkg/resilience"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config selects and tunes the backend behind a Cache.
type Config struct {
	// MaxSize caps the in-process map (default 1000).
	MaxSize int

	// RemoteURL and RemoteToken must both be set for the remote backend to
	// be considered.
	RemoteURL   string
	RemoteToken string
	KeyPrefix   string

	// RemoteTimeout bounds each remote operation; DialTimeout bounds the
	// initial PING.
	RemoteTimeout time.Duration
	DialTimeout   time.Duration

	// BloomFilter puts a negative-lookup filter in front of the remote backend.
	BloomFilter        bool
	BloomExpectedItems uint

	// DefaultTTL applies when Set is called without WithTTL (default 1h).
	DefaultTTL time.Duration

	CleanupInterval time.Duration

	Logger  *logging.Logger
	Metrics metrics.MetricsCollector

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Cache is the facade every caller uses. It is bound to exactly one backend
// for its whole life and never returns backend errors: failures are logged,
// counted and reported as a miss or false.
type Cache struct {
	backend    cache.Backend
	breaker    *resilience.ResilientBackend
	kind       string
	defaultTTL time.Duration
	now        func() time.Time

	logger  *logging.Logger
	metrics metrics.MetricsCollector

	flights singleflight.Group
}

// New builds a Cache. The remote backend is used only when both RemoteURL and
// RemoteToken are set and the store answers PING; otherwise the in-process
// map is used. The choice is logged once.
func New(ctx context.Context, cfg Config) *Cache {
	cfg = withDefaults(cfg)
	logger := cfg.Logger.Named("store")

	switch {
	case cfg.RemoteURL != "" && cfg.RemoteToken != "":
		remote, err := redis.NewRedisCache(redis.RedisCacheConfig{
			URL:          cfg.RemoteURL,
			Token:        cfg.RemoteToken,
			KeyPrefix:    cfg.KeyPrefix,
			DialTimeout:  cfg.DialTimeout,
			WriteTimeout: cfg.RemoteTimeout,
		})
		if err == nil {
			c := newCache(wrapRemote(ctx, remote, cfg, logger), cache.KindRemote, cfg)
			logger.Info("cache backend selected",
				zap.String("backend", cache.KindRemote),
				zap.String("prefix", cfg.KeyPrefix),
				zap.Bool("bloom_filter", cfg.BloomFilter),
			)
			return c
		}
		logger.Warn("remote cache unavailable, falling back to memory", zap.Error(err))
	case cfg.RemoteURL != "" || cfg.RemoteToken != "":
		logger.Warn("remote cache needs both URL and token, using memory")
	}

	c := newCache(newMemoryBackend(cfg), cache.KindMemory, cfg)
	logger.Info("cache backend selected",
		zap.String("backend", cache.KindMemory),
		zap.Int("max_size", cfg.MaxSize),
	)
	return c
}

// NewWithBackend binds a Cache to an existing backend.
func NewWithBackend(backend cache.Backend, cfg Config) *Cache {
	cfg = withDefaults(cfg)
	kind := cache.KindMemory
	if backend.Name() == cache.KindRemote {
		kind = cache.KindRemote
	}
	return newCache(backend, kind, cfg)
}

func withDefaults(cfg Config) Config {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "site:"
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 3 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = cache.DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOpCollector{}
	}
	cfg.Logger = logging.OrGlobal(cfg.Logger)
	return cfg
}

func newMemoryBackend(cfg Config) cache.Backend {
	collector := cfg.Metrics
	logger := cfg.Logger.Named("memory")
	return memory.NewMemoryCache(memory.MemoryCacheConfig{
		MaxSize:         cfg.MaxSize,
		CleanupInterval: cfg.CleanupInterval,
		Now:             cfg.Now,
		OnEvict: func(count int) {
			collector.RecordEviction(cache.KindMemory, count)
			logger.Debug("evicted oldest entries", zap.Int("count", count))
		},
	})
}

func wrapRemote(ctx context.Context, remote cache.Backend, cfg Config, logger *logging.Logger) cache.Backend {
	backend := remote
	if cfg.BloomFilter {
		filtered := bloom.NewBloomBackend(remote, cfg.BloomExpectedItems, 0.01)
		warmCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		n, err := filtered.Warm(warmCtx)
		cancel()
		if err != nil {
			logger.Warn("bloom filter warm-up failed", zap.Error(err))
		} else {
			logger.Debug("bloom filter warmed", zap.Int("keys", n))
		}
		backend = filtered
	}

	config := resilience.DefaultResilientConfig().
		WithTimeout(cfg.RemoteTimeout).
		WithLogger(cfg.Logger)
	return resilience.NewResilientBackendWithMetrics(backend, config, cfg.Metrics)
}

func newCache(backend cache.Backend, kind string, cfg Config) *Cache {
	c := &Cache{
		backend:    backend,
		kind:       kind,
		defaultTTL: cfg.DefaultTTL,
		now:        cfg.Now,
		logger:     cfg.Logger.Named("store").With(zap.String("backend", kind)),
		metrics:    cfg.Metrics,
	}
	if rb, ok := backend.(*resilience.ResilientBackend); ok {
		c.breaker = rb
	}
	return c
}

// Kind returns "memory" or "remote".
func (c *Cache) Kind() string {
	return c.kind
}

// CircuitState reports the remote breaker state; memory caches are always closed.
func (c *Cache) CircuitState() metrics.CircuitState {
	if c.breaker == nil {
		return metrics.CircuitClosed
	}
	return c.breaker.State()
}

// Get returns the cached value for key, or false on a miss, an expired
// entry or any backend failure.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	entry, ok := c.lookup(ctx, "get", key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry is Get with the entry metadata.
func (c *Cache) GetEntry(ctx context.Context, key string) (*cache.Entry, bool) {
	return c.lookup(ctx, "get", key)
}

func (c *Cache) lookup(ctx context.Context, op, key string) (*cache.Entry, bool) {
	if err := cache.ValidateKey(key); err != nil {
		c.fail(op, key, err)
		return nil, false
	}

	start := time.Now()
	entry, err := c.backend.Get(ctx, key)
	c.metrics.RecordGet(c.kind, err == nil, time.Since(start))
	if err != nil {
		if !cache.IsNotFound(err) {
			c.fail(op, key, err)
		}
		return nil, false
	}
	if entry.IsExpired(c.now()) {
		return nil, false
	}
	return entry, true
}

// Set stores value under key and reports whether the write succeeded.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...cache.SetOption) bool {
	if err := cache.ValidateKey(key); err != nil {
		c.fail("set", key, err)
		return false
	}
	if value == nil {
		c.fail("set", key, cache.ErrInvalidValue)
		return false
	}

	all := make([]cache.SetOption, 0, len(opts)+1)
	all = append(all, cache.WithTTL(c.defaultTTL))
	all = append(all, opts...)
	entry := cache.NewEntry(value, c.now(), cache.NewSetOptions(all...))

	start := time.Now()
	err := c.backend.Set(ctx, key, entry)
	c.metrics.RecordSet(c.kind, err == nil, time.Since(start))
	if err != nil {
		c.fail("set", key, err)
		return false
	}
	return true
}

// Delete removes key and reports whether a live entry was removed.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	if err := cache.ValidateKey(key); err != nil {
		c.fail("delete", key, err)
		return false
	}

	start := time.Now()
	removed, err := c.backend.Delete(ctx, key)
	c.metrics.RecordDelete(c.kind, err == nil, time.Since(start))
	if err != nil {
		c.fail("delete", key, err)
		return false
	}
	return removed
}

// Exists reports whether key holds a live entry.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if err := cache.ValidateKey(key); err != nil {
		c.fail("exists", key, err)
		return false
	}

	ok, err := c.backend.Exists(ctx, key)
	if err != nil {
		c.fail("exists", key, err)
		return false
	}
	return ok
}

// Keys lists live keys matching a glob pattern. Failures yield an empty list.
func (c *Cache) Keys(ctx context.Context, pattern string) []string {
	if pattern == "" {
		pattern = "*"
	}
	keys, err := c.backend.Keys(ctx, pattern)
	if err != nil {
		c.fail("keys", pattern, err)
		return []string{}
	}
	return keys
}

// InvalidateByTag removes every entry carrying tag and returns how many were
// removed. On the remote backend this relies on the tag index and the
// "*:<tag>:*" key convention.
func (c *Cache) InvalidateByTag(ctx context.Context, tag string) int {
	if tag == "" {
		return 0
	}

	removed, err := cache.InvalidateTag(ctx, c.backend, tag)
	if err != nil {
		c.fail("invalidate_tag", tag, err)
		return removed
	}

	c.metrics.RecordInvalidation(c.kind, tag, removed)
	c.logger.Info("invalidated tag", zap.String("tag", tag), zap.Int("removed", removed))
	return removed
}

// Clear removes every entry this cache owns. On the remote backend only keys
// under the configured prefix are touched.
func (c *Cache) Clear(ctx context.Context) bool {
	if err := c.backend.Clear(ctx); err != nil {
		c.fail("clear", "", err)
		return false
	}
	c.logger.Info("cache cleared")
	return true
}

// Stats reports the backend kind, entry count and, for memory, estimated bytes.
func (c *Cache) Stats(ctx context.Context) cache.Stats {
	stats, err := c.backend.Stats(ctx)
	if err != nil {
		c.fail("stats", "", err)
		return cache.Stats{Backend: c.kind}
	}
	stats.Backend = c.kind
	return stats
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) fail(op, key string, err error) {
	errType := cache.ClassifyError(err)
	c.metrics.RecordError(c.kind, op, errType)
	c.logger.Warn("cache operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.String("error_type", errType),
		zap.Error(err),
	)
}
