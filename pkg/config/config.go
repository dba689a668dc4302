package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"sitecache/pkg/logging"
	"sitecache/pkg/ratelimit"

	"github.com/joho/godotenv"
)

type Config struct {
	Cache     CacheConfig
	Server    ServerConfig
	RateLimit RateLimitConfig
	Log       logging.Config
}

type CacheConfig struct {
	MaxSize int

	// RedisURL and RedisToken must both be set to use the remote backend.
	RedisURL   string
	RedisToken string
	KeyPrefix  string

	DefaultTTL      time.Duration
	RemoteTimeout   time.Duration
	DialTimeout     time.Duration
	CleanupInterval time.Duration
	BloomFilter     bool
}

// RemoteConfigured reports whether both remote credentials are present.
func (c CacheConfig) RemoteConfigured() bool {
	return c.RedisURL != "" && c.RedisToken != ""
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// TrustProxyHeaders takes client identity from X-Forwarded-For and X-Real-IP.
	// Off by default; set it only behind a proxy that rewrites those headers.
	TrustProxyHeaders bool

	// AdminToken guards the cache and rate-limit admin routes. Empty leaves
	// them open.
	AdminToken string
}

type RateLimitConfig struct {
	// UseRedis shares limiter state between replicas through REDIS_URL.
	UseRedis  bool
	KeyPrefix string
	Limits    map[string]ratelimit.Limit
}

// Load reads an optional .env file, then the environment. Files that do not
// exist are skipped; malformed values are reported together.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	e := &env{lookup: os.LookupEnv}

	cfg := &Config{
		Cache: CacheConfig{
			MaxSize:         e.int("MEMORY_CACHE_MAX_SIZE", 1000),
			RedisURL:        e.string("REDIS_URL", ""),
			RedisToken:      e.string("REDIS_TOKEN", ""),
			KeyPrefix:       e.string("CACHE_KEY_PREFIX", "site:"),
			DefaultTTL:      e.duration("CACHE_DEFAULT_TTL", time.Hour),
			RemoteTimeout:   e.duration("CACHE_REMOTE_TIMEOUT", 3*time.Second),
			DialTimeout:     e.duration("CACHE_DIAL_TIMEOUT", 5*time.Second),
			CleanupInterval: e.duration("CACHE_CLEANUP_INTERVAL", time.Minute),
			BloomFilter:     e.bool("CACHE_BLOOM_FILTER", false),
		},
		Server: ServerConfig{
			Addr:              e.string("SERVER_ADDR", ":8080"),
			ReadTimeout:       e.duration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:      e.duration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:       e.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:   e.duration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			TrustProxyHeaders: e.bool("TRUST_PROXY_HEADERS", false),
			AdminToken:        e.string("ADMIN_TOKEN", ""),
		},
		RateLimit: RateLimitConfig{
			UseRedis:  e.bool("RATE_LIMIT_REDIS", false),
			KeyPrefix: e.string("RATE_LIMIT_KEY_PREFIX", "ratelimit:"),
			Limits:    make(map[string]ratelimit.Limit),
		},
		Log: logging.Config{
			Level:       e.string("LOG_LEVEL", "info"),
			Format:      e.string("LOG_FORMAT", "json"),
			Development: e.bool("LOG_DEV", false),
		},
	}

	for name, def := range ratelimit.DefaultLimits() {
		prefix := "RATE_LIMIT_" + strings.ToUpper(name)
		cfg.RateLimit.Limits[name] = ratelimit.Limit{
			Points:   e.int(prefix+"_POINTS", def.Points),
			Duration: e.duration(prefix+"_DURATION", def.Duration),
		}
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Cache.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("MEMORY_CACHE_MAX_SIZE must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Cache.DefaultTTL < 0 {
		errs = append(errs, fmt.Errorf("CACHE_DEFAULT_TTL must not be negative, got %s", c.Cache.DefaultTTL))
	}
	if c.Cache.RemoteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_REMOTE_TIMEOUT must be positive, got %s", c.Cache.RemoteTimeout))
	}
	if c.Cache.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_DIAL_TIMEOUT must be positive, got %s", c.Cache.DialTimeout))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("SERVER_ADDR must not be empty"))
	}
	if c.RateLimit.UseRedis && c.Cache.RedisURL == "" {
		errs = append(errs, errors.New("RATE_LIMIT_REDIS requires REDIS_URL"))
	}

	names := make([]string, 0, len(c.RateLimit.Limits))
	for name := range c.RateLimit.Limits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.RateLimit.Limits[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("limiter %s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Warnings lists settings that are valid but probably not what was meant.
func (c *Config) Warnings() []string {
	var w []string
	if (c.Cache.RedisURL == "") != (c.Cache.RedisToken == "") {
		w = append(w, "REDIS_URL and REDIS_TOKEN must both be set for the remote cache; using memory")
	}
	return w
}

// env reads typed values and collects parse failures.
type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) string(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

// duration accepts Go durations ("90s", "1h") or a bare number of seconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
