package mock

import (
	"context"
	"sync/atomic"

	"sitecache/pkg/cache"
)

// MockBackend is a cache.Backend whose behaviour is injected per method.
// Unset hooks behave like an empty cache: Get misses, writes succeed.
type MockBackend struct {
	GetFunc           func(ctx context.Context, key string) (*cache.Entry, error)
	SetFunc           func(ctx context.Context, key string, entry *cache.Entry) error
	DeleteFunc        func(ctx context.Context, key string) (bool, error)
	ExistsFunc        func(ctx context.Context, key string) (bool, error)
	KeysFunc          func(ctx context.Context, pattern string) ([]string, error)
	InvalidateTagFunc func(ctx context.Context, tag string) (int, error)
	ClearFunc         func(ctx context.Context) error
	StatsFunc         func(ctx context.Context) (cache.Stats, error)
	CloseFunc         func() error

	name string

	// Call tracking (atomic)
	getCalls    int64
	setCalls    int64
	deleteCalls int64
	clearCalls  int64
	closeCalls  int64
}

// NewMockBackend creates a MockBackend reporting the given name.
func NewMockBackend(name string) *MockBackend {
	return &MockBackend{name: name}
}

// NewFailingBackend creates a MockBackend whose every operation fails with err.
func NewFailingBackend(name string, err error) *MockBackend {
	return &MockBackend{
		name: name,
		GetFunc: func(context.Context, string) (*cache.Entry, error) {
			return nil, err
		},
		SetFunc: func(context.Context, string, *cache.Entry) error {
			return err
		},
		DeleteFunc: func(context.Context, string) (bool, error) {
			return false, err
		},
		ExistsFunc: func(context.Context, string) (bool, error) {
			return false, err
		},
		KeysFunc: func(context.Context, string) ([]string, error) {
			return nil, err
		},
		InvalidateTagFunc: func(context.Context, string) (int, error) {
			return 0, err
		},
		ClearFunc: func(context.Context) error {
			return err
		},
		StatsFunc: func(context.Context) (cache.Stats, error) {
			return cache.Stats{}, err
		},
	}
}

// Name returns the configured name, or "mock".
func (m *MockBackend) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *MockBackend) Get(ctx context.Context, key string) (*cache.Entry, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, cache.ErrKeyNotFound
}

func (m *MockBackend) Set(ctx context.Context, key string, entry *cache.Entry) error {
	atomic.AddInt64(&m.setCalls, 1)
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, entry)
	}
	return nil
}

func (m *MockBackend) Delete(ctx context.Context, key string) (bool, error) {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return false, nil
}

func (m *MockBackend) Exists(ctx context.Context, key string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, key)
	}
	return false, nil
}

func (m *MockBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	if m.KeysFunc != nil {
		return m.KeysFunc(ctx, pattern)
	}
	return nil, nil
}

func (m *MockBackend) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if m.InvalidateTagFunc != nil {
		return m.InvalidateTagFunc(ctx, tag)
	}
	return 0, nil
}

func (m *MockBackend) Clear(ctx context.Context) error {
	atomic.AddInt64(&m.clearCalls, 1)
	if m.ClearFunc != nil {
		return m.ClearFunc(ctx)
	}
	return nil
}

func (m *MockBackend) Stats(ctx context.Context) (cache.Stats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx)
	}
	return cache.Stats{Backend: m.Name()}, nil
}

func (m *MockBackend) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// GetCalls returns the number of Get calls.
func (m *MockBackend) GetCalls() int { return int(atomic.LoadInt64(&m.getCalls)) }

// SetCalls returns the number of Set calls.
func (m *MockBackend) SetCalls() int { return int(atomic.LoadInt64(&m.setCalls)) }

// DeleteCalls returns the number of Delete calls.
func (m *MockBackend) DeleteCalls() int { return int(atomic.LoadInt64(&m.deleteCalls)) }

// ClearCalls returns the number of Clear calls.
func (m *MockBackend) ClearCalls() int { return int(atomic.LoadInt64(&m.clearCalls)) }

// CloseCalls returns the number of Close calls.
func (m *MockBackend) CloseCalls() int { return int(atomic.LoadInt64(&m.closeCalls)) }

var (
	_ cache.Backend        = (*MockBackend)(nil)
	_ cache.TagInvalidator = (*MockBackend)(nil)
)
