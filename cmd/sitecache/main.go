package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sitecache/pkg/api"
	"sitecache/pkg/config"
	"sitecache/pkg/logging"
	promMetrics "sitecache/pkg/metrics/prometheus"
	"sitecache/pkg/ratelimit"
	"sitecache/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set; admin routes are unauthenticated")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := promMetrics.NewPrometheusCollector("sitecache")
	if err := collector.Register(registry); err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	ctx := context.Background()

	c := store.New(ctx, store.Config{
		MaxSize:         cfg.Cache.MaxSize,
		RemoteURL:       cfg.Cache.RedisURL,
		RemoteToken:     cfg.Cache.RedisToken,
		KeyPrefix:       cfg.Cache.KeyPrefix,
		RemoteTimeout:   cfg.Cache.RemoteTimeout,
		DialTimeout:     cfg.Cache.DialTimeout,
		BloomFilter:     cfg.Cache.BloomFilter,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		Logger:          logger,
		Metrics:         collector,
	})
	defer c.Close()

	rlStore, closeStore, err := newRateLimitStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to create rate limit store", zap.Error(err))
	}
	defer closeStore()

	limiters, err := ratelimit.NewRegistryFromLimits(cfg.RateLimit.Limits, rlStore,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(collector),
	)
	if err != nil {
		logger.Fatal("Failed to create rate limiters", zap.Error(err))
	}

	server, err := api.NewServer(api.Deps{
		Cache:    c,
		Limiters: limiters,
		Metrics:  collector,
		Registry: registry,
		Logger:   logger,
	}, api.ServerConfig{
		Address:           cfg.Server.Addr,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		AdminToken:        cfg.Server.AdminToken,
	})
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if _, err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// newRateLimitStore returns the shared Redis store when RATE_LIMIT_REDIS is
// set, otherwise a per-process memory store.
func newRateLimitStore(ctx context.Context, cfg *config.Config) (ratelimit.Store, func(), error) {
	if !cfg.RateLimit.UseRedis {
		s := ratelimit.NewMemoryStore(ratelimit.MemoryStoreConfig{})
		return s, func() { s.Close() }, nil
	}

	opts, err := goredis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if opts.Password == "" {
		opts.Password = cfg.Cache.RedisToken
	}
	opts.DialTimeout = cfg.Cache.DialTimeout
	opts.ReadTimeout = cfg.Cache.RemoteTimeout
	opts.WriteTimeout = cfg.Cache.RemoteTimeout

	client := goredis.NewClient(opts)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Cache.DialTimeout)
	defer cancel()

	s, err := ratelimit.NewRedisStore(dialCtx, client, ratelimit.RedisStoreConfig{KeyPrefix: cfg.RateLimit.KeyPrefix})
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return s, func() { client.Close() }, nil
}
