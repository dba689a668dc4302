package memory

import (
	"sync"
	"testing"
	"time"

	"sitecache/pkg/metrics"
)

func TestMemoryCollector_BackendOperations(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordGet("memory", true, time.Millisecond)
	mc.RecordGet("memory", false, time.Millisecond)
	mc.RecordSet("memory", true, time.Millisecond)
	mc.RecordSet("memory", false, time.Millisecond)
	mc.RecordDelete("memory", true, time.Millisecond)
	mc.RecordError("memory", "set", "timeout")
	mc.RecordEviction("memory", 3)
	mc.RecordInvalidation("memory", "roi", 2)

	bm := mc.Backend("memory")
	if bm == nil {
		t.Fatal("expected metrics for backend memory")
	}
	if bm.Hits != 1 || bm.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", bm.Hits, bm.Misses)
	}
	if bm.Sets != 2 || bm.Errors != 1 {
		t.Errorf("sets/errors = %d/%d, want 2/1", bm.Sets, bm.Errors)
	}
	if bm.Deletes != 1 {
		t.Errorf("deletes = %d, want 1", bm.Deletes)
	}
	if bm.ErrorsByType["set:timeout"] != 1 {
		t.Errorf("ErrorsByType = %v", bm.ErrorsByType)
	}
	if bm.Evictions != 3 {
		t.Errorf("evictions = %d, want 3", bm.Evictions)
	}
	if bm.Invalidations != 1 || bm.Invalidated != 2 {
		t.Errorf("invalidations = %d/%d, want 1/2", bm.Invalidations, bm.Invalidated)
	}
	if len(bm.GetLatencies) != 2 {
		t.Errorf("recorded %d latencies, want 2", len(bm.GetLatencies))
	}

	if mc.Backend("remote") != nil {
		t.Error("unknown backend should be nil")
	}
}

func TestMemoryCollector_CircuitOpens(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordCircuitState("remote", metrics.CircuitOpen)
	mc.RecordCircuitState("remote", metrics.CircuitOpen)
	mc.RecordCircuitState("remote", metrics.CircuitHalfOpen)
	mc.RecordCircuitState("remote", metrics.CircuitOpen)

	bm := mc.Backend("remote")
	if bm.CircuitOpens != 2 {
		t.Errorf("CircuitOpens = %d, want 2", bm.CircuitOpens)
	}
	if bm.CircuitState != metrics.CircuitOpen {
		t.Errorf("CircuitState = %v, want open", bm.CircuitState)
	}
}

func TestMemoryCollector_WrapAndRateLimit(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordWrap(true, false)
	mc.RecordWrap(false, true)
	mc.RecordWrap(false, false)
	mc.RecordRateLimit("checkout", true)
	mc.RecordRateLimit("checkout", false)
	mc.RecordRateLimit("checkout", false)

	s := mc.Snapshot()
	if s.WrapHits != 1 || s.WrapMisses != 2 || s.WrapShared != 1 {
		t.Errorf("wrap = %d/%d/%d, want 1/2/1", s.WrapHits, s.WrapMisses, s.WrapShared)
	}
	if got := s.Limiters["checkout"]; got.Allowed != 1 || got.Rejected != 2 {
		t.Errorf("checkout = %+v", got)
	}

	mc.Reset()
	if s := mc.Snapshot(); len(s.Limiters) != 0 || s.WrapHits != 0 {
		t.Errorf("Reset left data behind: %+v", s)
	}
}

func TestMemoryCollector_SnapshotIsCopy(t *testing.T) {
	mc := NewMemoryCollector()
	mc.RecordError("memory", "get", "other")

	s := mc.Snapshot()
	s.Backends["memory"].ErrorsByType["get:other"] = 99

	if got := mc.Backend("memory").ErrorsByType["get:other"]; got != 1 {
		t.Errorf("snapshot mutation leaked into collector: %d", got)
	}
}

func TestMemoryCollector_Concurrent(t *testing.T) {
	mc := NewMemoryCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc.RecordGet("memory", true, time.Microsecond)
			mc.RecordRateLimit("admin", true)
		}()
	}
	wg.Wait()

	if got := mc.Backend("memory").Hits; got != 50 {
		t.Errorf("Hits = %d, want 50", got)
	}
}

func TestMemoryCollector_Writers(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordQueueDepth("analytics", 4)
	mc.RecordWriteDropped("analytics")
	mc.RecordAsyncWrite("analytics", true, time.Millisecond)
	mc.RecordAsyncWrite("analytics", false, time.Millisecond)

	wm := mc.Snapshot().Writers["analytics"]
	if wm.QueueDepth != 4 || wm.DroppedWrites != 1 {
		t.Errorf("depth/dropped = %d/%d, want 4/1", wm.QueueDepth, wm.DroppedWrites)
	}
	if wm.AsyncWrites != 2 || wm.FailedWrites != 1 {
		t.Errorf("writes/failed = %d/%d, want 2/1", wm.AsyncWrites, wm.FailedWrites)
	}

	mc.Reset()
	if len(mc.Snapshot().Writers) != 0 {
		t.Error("expected writers cleared by Reset")
	}
}
