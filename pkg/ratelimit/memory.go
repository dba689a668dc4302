package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	remaining int
	resetAt   time.Time
}

// MemoryStore keeps windows in a process-local map. Expired windows are
// swept periodically so idle identities do not accumulate.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryStoreConfig configures a MemoryStore.
type MemoryStoreConfig struct {
	// SweepInterval defaults to one minute; negative disables sweeping.
	SweepInterval time.Duration
	Now           func() time.Time
}

// NewMemoryStore creates a store and starts its sweeper.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &MemoryStore{
		windows: make(map[string]*window),
		now:     config.Now,
		stop:    make(chan struct{}),
	}

	if config.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(config.SweepInterval)
	}
	return s
}

// Consume takes one point from key's current window, opening a new window
// when none exists or the previous one has ended.
func (s *MemoryStore) Consume(ctx context.Context, key string, limit Limit) (Consumption, error) {
	if err := ctx.Err(); err != nil {
		return Consumption{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{
			remaining: limit.Points - 1,
			resetAt:   now.Add(limit.Duration),
		}
		s.windows[key] = w
		return Consumption{Remaining: w.remaining, ResetAt: w.resetAt}, nil
	}

	if w.remaining <= 0 {
		return Consumption{ResetAt: w.resetAt}, &ExceededError{Key: key, ResetAt: w.resetAt}
	}

	w.remaining--
	return Consumption{Remaining: w.remaining, ResetAt: w.resetAt}, nil
}

// Reset drops key's window.
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of tracked windows, ended ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
