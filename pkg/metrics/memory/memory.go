package memory

import (
	"sync"
	"time"

	"sitecache/pkg/metrics"
)

// MemoryCollector implements MetricsCollector in memory. Tests use it to
// assert on what a component reported.
type MemoryCollector struct {
	mu sync.RWMutex

	backends map[string]*BackendMetrics
	limiters map[string]*LimiterMetrics
	writers  map[string]*WriterMetrics

	wrapHits   int64
	wrapMisses int64
	wrapShared int64
}

// BackendMetrics holds metrics for a single cache backend.
type BackendMetrics struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64

	// Keyed by "<operation>:<error type>"
	ErrorsByType map[string]int64

	Evictions     int64
	Invalidations int64
	Invalidated   int64

	CircuitState metrics.CircuitState
	CircuitOpens int64

	GetLatencies []time.Duration
}

// LimiterMetrics holds rate-limit decisions for one limiter.
type LimiterMetrics struct {
	Allowed  int64
	Rejected int64
}

// WriterMetrics holds async writer activity.
type WriterMetrics struct {
	QueueDepth    int
	DroppedWrites int64
	AsyncWrites   int64
	FailedWrites  int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		backends: make(map[string]*BackendMetrics),
		limiters: make(map[string]*LimiterMetrics),
		writers:  make(map[string]*WriterMetrics),
	}
}

// backendLocked returns the metrics for backend, creating them if needed.
// Callers hold mc.mu.
func (mc *MemoryCollector) backendLocked(backend string) *BackendMetrics {
	bm, ok := mc.backends[backend]
	if !ok {
		bm = &BackendMetrics{ErrorsByType: make(map[string]int64)}
		mc.backends[backend] = bm
	}
	return bm
}

// RecordGet records a backend get.
func (mc *MemoryCollector) RecordGet(backend string, hit bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backendLocked(backend)
	if hit {
		bm.Hits++
	} else {
		bm.Misses++
	}
	bm.GetLatencies = append(bm.GetLatencies, duration)
}

// RecordSet records a backend set.
func (mc *MemoryCollector) RecordSet(backend string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backendLocked(backend)
	bm.Sets++
	if !success {
		bm.Errors++
	}
}

// RecordDelete records a backend delete.
func (mc *MemoryCollector) RecordDelete(backend string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backendLocked(backend)
	bm.Deletes++
	if !success {
		bm.Errors++
	}
}

// RecordError records a classified error.
func (mc *MemoryCollector) RecordError(backend, operation, errorType string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backendLocked(backend)
	bm.ErrorsByType[operation+":"+errorType]++
}

// RecordEviction records entries dropped by capacity eviction.
func (mc *MemoryCollector) RecordEviction(backend string, count int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.backendLocked(backend).Evictions += int64(count)
}

// RecordInvalidation records a tag invalidation.
func (mc *MemoryCollector) RecordInvalidation(backend, tag string, removed int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backendLocked(backend)
	bm.Invalidations++
	bm.Invalidated += int64(removed)
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backendLocked(backend)
	if bm.CircuitState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		bm.CircuitOpens++
	}
	bm.CircuitState = state
}

// RecordWrap records the outcome of a Wrap call.
func (mc *MemoryCollector) RecordWrap(hit bool, shared bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.wrapHits++
	} else {
		mc.wrapMisses++
	}
	if shared {
		mc.wrapShared++
	}
}

// RecordRateLimit records a rate-limit decision.
func (mc *MemoryCollector) RecordRateLimit(limiter string, allowed bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm, ok := mc.limiters[limiter]
	if !ok {
		lm = &LimiterMetrics{}
		mc.limiters[limiter] = lm
	}
	if allowed {
		lm.Allowed++
	} else {
		lm.Rejected++
	}
}

func (mc *MemoryCollector) writerLocked(writer string) *WriterMetrics {
	wm, ok := mc.writers[writer]
	if !ok {
		wm = &WriterMetrics{}
		mc.writers[writer] = wm
	}
	return wm
}

// RecordQueueDepth records the current async writer queue depth.
func (mc *MemoryCollector) RecordQueueDepth(writer string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.writerLocked(writer).QueueDepth = depth
}

// RecordWriteDropped records a dropped async write.
func (mc *MemoryCollector) RecordWriteDropped(writer string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.writerLocked(writer).DroppedWrites++
}

// RecordAsyncWrite records an async write operation.
func (mc *MemoryCollector) RecordAsyncWrite(writer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	wm := mc.writerLocked(writer)
	wm.AsyncWrites++
	if !success {
		wm.FailedWrites++
	}
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	Backends   map[string]BackendMetrics
	Limiters   map[string]LimiterMetrics
	Writers    map[string]WriterMetrics
	WrapHits   int64
	WrapMisses int64
	WrapShared int64
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := Snapshot{
		Backends:   make(map[string]BackendMetrics, len(mc.backends)),
		Limiters:   make(map[string]LimiterMetrics, len(mc.limiters)),
		Writers:    make(map[string]WriterMetrics, len(mc.writers)),
		WrapHits:   mc.wrapHits,
		WrapMisses: mc.wrapMisses,
		WrapShared: mc.wrapShared,
	}

	for name, bm := range mc.backends {
		c := *bm
		c.ErrorsByType = make(map[string]int64, len(bm.ErrorsByType))
		for k, v := range bm.ErrorsByType {
			c.ErrorsByType[k] = v
		}
		c.GetLatencies = append([]time.Duration(nil), bm.GetLatencies...)
		s.Backends[name] = c
	}
	for name, lm := range mc.limiters {
		s.Limiters[name] = *lm
	}
	for name, wm := range mc.writers {
		s.Writers[name] = *wm
	}

	return s
}

// Backend returns a copy of the metrics for one backend, or nil.
func (mc *MemoryCollector) Backend(name string) *BackendMetrics {
	s := mc.Snapshot()
	if bm, ok := s.Backends[name]; ok {
		return &bm
	}
	return nil
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.backends = make(map[string]*BackendMetrics)
	mc.limiters = make(map[string]*LimiterMetrics)
	mc.writers = make(map[string]*WriterMetrics)
	mc.wrapHits, mc.wrapMisses, mc.wrapShared = 0, 0, 0
}

var _ metrics.MetricsCollector = (*MemoryCollector)(nil)
