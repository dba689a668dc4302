package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sitecache/pkg/logging"
	metricsmem "sitecache/pkg/metrics/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(t *testing.T, limit Limit) (*Limiter, *fakeClock, *metricsmem.MemoryCollector) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore(MemoryStoreConfig{SweepInterval: -1, Now: clock.Now})
	t.Cleanup(func() { store.Close() })

	collector := metricsmem.NewMemoryCollector()
	l, err := New("test", limit, store,
		WithClock(clock.Now),
		WithMetrics(collector),
		WithLogger(logging.Nop()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l, clock, collector
}

func TestLimiter_Budget(t *testing.T) {
	l, clock, collector := newTestLimiter(t, Limit{Points: 3, Duration: 60 * time.Second})
	ctx := context.Background()
	start := clock.Now()

	for i, want := range []int{2, 1, 0} {
		res := l.Limit(ctx, "1.2.3.4")
		if !res.Success {
			t.Fatalf("call %d rejected", i+1)
		}
		if res.Remaining != want {
			t.Errorf("call %d: Remaining = %d, want %d", i+1, res.Remaining, want)
		}
		if res.Limit != 3 {
			t.Errorf("call %d: Limit = %d, want 3", i+1, res.Limit)
		}
		if !res.Reset.Equal(start.Add(60 * time.Second)) {
			t.Errorf("call %d: Reset = %v", i+1, res.Reset)
		}
	}

	clock.Advance(10 * time.Second)
	res := l.Limit(ctx, "1.2.3.4")
	if res.Success || res.Remaining != 0 {
		t.Errorf("fourth call = %+v, want rejection with 0 remaining", res)
	}
	if !res.Reset.Equal(start.Add(60 * time.Second)) {
		t.Errorf("rejection Reset = %v, want window end", res.Reset)
	}
	if got := res.RetryAfter(clock.Now()); got != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s", got)
	}

	if got := collector.Snapshot().Limiters["test"]; got.Allowed != 3 || got.Rejected != 1 {
		t.Errorf("metrics = %+v", got)
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Limit{Points: 3, Duration: 60 * time.Second})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Limit(ctx, "1.2.3.4")
	}

	clock.Advance(60 * time.Second)

	res := l.Limit(ctx, "1.2.3.4")
	if !res.Success || res.Remaining != 2 {
		t.Errorf("after window = %+v, want success with 2 remaining", res)
	}
}

func TestLimiter_RejectionDoesNotExtendWindow(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Limit{Points: 1, Duration: 10 * time.Second})
	ctx := context.Background()

	l.Limit(ctx, "ip")
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if l.Limit(ctx, "ip").Success {
			t.Fatal("budget should be exhausted")
		}
	}

	clock.Advance(5 * time.Second)
	if !l.Limit(ctx, "ip").Success {
		t.Error("window should have reset 10s after the first consumption")
	}
}

func TestLimiter_KeyIsolation(t *testing.T) {
	l, _, _ := newTestLimiter(t, Limit{Points: 2, Duration: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Limit(ctx, "1.2.3.4")
	}

	res := l.Limit(ctx, "5.6.7.8")
	if !res.Success || res.Remaining != 1 {
		t.Errorf("other identity = %+v, want success with 1 remaining", res)
	}
}

func TestLimiter_NamedInstancesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(MemoryStoreConfig{SweepInterval: -1, Now: clock.Now})
	defer store.Close()

	checkout, _ := New(Checkout, Limit{Points: 1, Duration: time.Minute}, store)
	analytics, _ := New(Analytics, Limit{Points: 100, Duration: time.Minute}, store)
	ctx := context.Background()

	checkout.Limit(ctx, "ip")
	if checkout.Limit(ctx, "ip").Success {
		t.Error("checkout budget should be exhausted")
	}
	if res := analytics.Limit(ctx, "ip"); !res.Success || res.Remaining != 99 {
		t.Errorf("analytics = %+v", res)
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _, _ := newTestLimiter(t, Limit{Points: 1, Duration: time.Hour})
	ctx := context.Background()

	l.Limit(ctx, "ip")
	if l.Limit(ctx, "ip").Success {
		t.Fatal("budget should be exhausted")
	}

	if err := l.Reset(ctx, "ip"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if res := l.Limit(ctx, "ip"); !res.Success || res.Remaining != 0 {
		t.Errorf("after Reset = %+v", res)
	}
}

type failingStore struct{}

func (failingStore) Consume(context.Context, string, Limit) (Consumption, error) {
	return Consumption{}, errors.New("connection refused")
}

func (failingStore) Reset(context.Context, string) error {
	return errors.New("connection refused")
}

func TestLimiter_FailsOpen(t *testing.T) {
	clock := newFakeClock()
	l, err := New("checkout", Limit{Points: 5, Duration: time.Minute}, failingStore{},
		WithClock(clock.Now),
		WithLogger(logging.Nop()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res := l.Limit(context.Background(), "ip")
	if !res.Success || res.Remaining != 5 || res.Limit != 5 {
		t.Errorf("fail-open result = %+v", res)
	}
	if !res.Reset.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("Reset = %v", res.Reset)
	}
	if err := l.Reset(context.Background(), "ip"); err == nil {
		t.Error("Reset should surface store errors")
	}
}

func TestNew_Validation(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{SweepInterval: -1})
	defer store.Close()

	tests := []struct {
		name  string
		lname string
		limit Limit
		store Store
	}{
		{"empty name", "", Limit{Points: 1, Duration: time.Second}, store},
		{"zero points", "x", Limit{Points: 0, Duration: time.Second}, store},
		{"zero duration", "x", Limit{Points: 1}, store},
		{"nil store", "x", Limit{Points: 1, Duration: time.Second}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.lname, tt.limit, tt.store); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(MemoryStoreConfig{SweepInterval: -1, Now: clock.Now})
	defer store.Close()
	ctx := context.Background()

	store.Consume(ctx, "a", Limit{Points: 1, Duration: time.Second})
	store.Consume(ctx, "b", Limit{Points: 1, Duration: time.Hour})

	clock.Advance(2 * time.Second)
	store.sweep()

	if store.Len() != 1 {
		t.Errorf("Len = %d after sweep, want 1", store.Len())
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{SweepInterval: -1})
	defer store.Close()
	l, _ := New("burst", Limit{Points: 50, Duration: time.Hour}, store)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Limit(context.Background(), "ip").Success {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed %d requests, want exactly 50", allowed)
	}
}

func TestResult_RetryAfter(t *testing.T) {
	now := time.Unix(1000, 0)

	tests := []struct {
		name string
		res  Result
		want time.Duration
	}{
		{"success", Result{Success: true, Reset: now.Add(time.Minute)}, 0},
		{"rounds up", Result{Reset: now.Add(1500 * time.Millisecond)}, 2 * time.Second},
		{"past reset", Result{Reset: now.Add(-time.Second)}, 0},
	}

	for _, tt := range tests {
		if got := tt.res.RetryAfter(now); got != tt.want {
			t.Errorf("%s: RetryAfter = %v, want %v", tt.name, got, tt.want)
		}
	}
}
