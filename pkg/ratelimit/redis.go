package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowSource string

var fixedWindowScript = redis.NewScript(fixedWindowSource)

// RedisStore keeps windows in Redis so every replica of the site shares one
// budget per identity. Each Consume is a single atomic script call.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// KeyPrefix defaults to "ratelimit:".
	KeyPrefix string
	Now       func() time.Time
}

// NewRedisStore verifies the client answers PING and preloads the script.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, config RedisStoreConfig) (*RedisStore, error) {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit:"
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	if err := fixedWindowScript.Load(ctx, client).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: load script: %w", err)
	}

	return &RedisStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
		now:       config.Now,
	}, nil
}

// Consume runs the fixed-window script for key.
func (s *RedisStore) Consume(ctx context.Context, key string, limit Limit) (Consumption, error) {
	vals, err := fixedWindowScript.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		limit.Points,
		limit.Duration.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Consumption{}, err
	}
	if len(vals) != 3 {
		return Consumption{}, fmt.Errorf("ratelimit: unexpected script reply %v", vals)
	}

	resetAt := s.now().Add(time.Duration(vals[2]) * time.Millisecond)
	if vals[0] == 0 {
		return Consumption{ResetAt: resetAt}, &ExceededError{Key: key, ResetAt: resetAt}
	}
	return Consumption{Remaining: int(vals[1]), ResetAt: resetAt}, nil
}

// Reset deletes key's window.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}

var _ Store = (*RedisStore)(nil)
