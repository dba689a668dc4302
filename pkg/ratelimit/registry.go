package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Limiter names used by the site's routes.
const (
	Checkout  = "checkout"
	Signup    = "signup"
	Analytics = "analytics"
	ROI       = "roi"
	Admin     = "admin"
)

// DefaultLimits returns the budget of each named limiter: payment and signup
// routes are strict, analytics beacons are loose.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		Checkout:  {Points: 10, Duration: time.Minute},
		Signup:    {Points: 5, Duration: time.Minute},
		Analytics: {Points: 100, Duration: time.Minute},
		ROI:       {Points: 30, Duration: time.Minute},
		Admin:     {Points: 60, Duration: time.Minute},
	}
}

// Registry holds the named limiters of a process.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// NewRegistryFromLimits builds one limiter per entry of limits, all sharing store.
func NewRegistryFromLimits(limits map[string]Limit, store Store, opts ...Option) (*Registry, error) {
	r := NewRegistry()
	for name, limit := range limits {
		l, err := New(name, limit, store, opts...)
		if err != nil {
			return nil, fmt.Errorf("limiter %q: %w", name, err)
		}
		r.Register(l)
	}
	return r, nil
}

// Register adds l, replacing any limiter with the same name.
func (r *Registry) Register(l *Limiter) {
	r.mu.Lock()
	r.limiters[l.Name()] = l
	r.mu.Unlock()
}

// Get returns the limiter called name.
func (r *Registry) Get(name string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// MustGet is Get for names wired at startup; it panics on unknown names.
func (r *Registry) MustGet(name string) *Limiter {
	l, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("ratelimit: no limiter named %q", name))
	}
	return l
}

// Names returns the registered limiter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
