package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedisStore uses REDIS_URL when set and an in-process miniredis
// otherwise. The miniredis handle is nil against a real server.
func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	var (
		mr   *miniredis.Miniredis
		opts *redis.Options
	)
	if url := os.Getenv("REDIS_URL"); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			t.Fatalf("invalid REDIS_URL: %v", err)
		}
		opts = parsed
	} else {
		mr = miniredis.RunT(t)
		opts = &redis.Options{Addr: mr.Addr()}
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, client, RedisStoreConfig{KeyPrefix: "test:ratelimit:"})
	if err != nil {
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	return store, mr
}

func TestRedisStore_FixedWindow(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("it_%d", time.Now().UnixNano())
	limit := Limit{Points: 3, Duration: time.Minute}
	defer store.Reset(ctx, key)

	for i, want := range []int{2, 1, 0} {
		c, err := store.Consume(ctx, key, limit)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if c.Remaining != want {
			t.Errorf("call %d: Remaining = %d, want %d", i+1, c.Remaining, want)
		}
	}

	_, err := store.Consume(ctx, key, limit)
	exceeded, ok := err.(*ExceededError)
	if !ok {
		t.Fatalf("fourth call error = %v, want *ExceededError", err)
	}
	if wait := time.Until(exceeded.ResetAt); wait <= 0 || wait > time.Minute {
		t.Errorf("ResetAt is %v away", wait)
	}

	if err := store.Reset(ctx, key); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if c, err := store.Consume(ctx, key, limit); err != nil || c.Remaining != 2 {
		t.Errorf("after Reset = %+v, %v", c, err)
	}
}

func TestRedisStore_WindowExpires(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("it_expire_%d", time.Now().UnixNano())
	limit := Limit{Points: 1, Duration: 100 * time.Millisecond}

	if _, err := store.Consume(ctx, key, limit); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Consume(ctx, key, limit); err == nil {
		t.Fatal("second call should be rejected")
	}

	if mr != nil {
		mr.FastForward(150 * time.Millisecond)
	} else {
		time.Sleep(150 * time.Millisecond)
	}

	if _, err := store.Consume(ctx, key, limit); err != nil {
		t.Errorf("window should have expired: %v", err)
	}
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := NewRedisStore(ctx, client, RedisStoreConfig{}); err == nil {
		t.Error("expected error for unreachable Redis")
	}
}
