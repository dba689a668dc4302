package prometheus

import (
	"strconv"
	"time"

	"sitecache/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Backend counters
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheSets    *prometheus.CounterVec
	cacheDeletes *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec

	evictions     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	invalidated   *prometheus.CounterVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Wrap
	wrapCalls *prometheus.CounterVec

	// Rate limiting
	rateLimitDecisions *prometheus.CounterVec

	// Async writers
	queueDepth    *prometheus.GaugeVec
	writesDropped *prometheus.CounterVec
	asyncWrites   *prometheus.CounterVec

	// Histograms
	getLatency    *prometheus.HistogramVec
	setLatency    *prometheus.HistogramVec
	deleteLatency *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latencyBuckets := prometheus.ExponentialBuckets(0.0001, 2, 15) // 0.1ms to ~3s

	return &PrometheusCollector{
		namespace: namespace,
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits per backend",
			},
			[]string{"backend"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses per backend",
			},
			[]string{"backend"},
		),
		cacheSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_sets_total",
				Help:      "Total number of cache set operations per backend",
			},
			[]string{"backend", "status"},
		),
		cacheDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_deletes_total",
				Help:      "Total number of cache delete operations per backend",
			},
			[]string{"backend", "status"},
		),
		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Total number of cache errors per backend, operation and error type",
			},
			[]string{"backend", "operation", "error_type"},
		),
		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of entries evicted for capacity",
			},
			[]string{"backend"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_tag_invalidations_total",
				Help:      "Total number of tag invalidation requests",
			},
			[]string{"backend", "tag"},
		),
		invalidated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_tag_invalidated_entries_total",
				Help:      "Total number of entries removed by tag invalidation",
			},
			[]string{"backend", "tag"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per backend",
			},
			[]string{"backend"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		wrapCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_wrap_calls_total",
				Help:      "Total number of Wrap calls by outcome",
			},
			[]string{"hit", "shared"},
		),
		rateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Total number of rate-limit decisions per limiter",
			},
			[]string{"limiter", "decision"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "async_queue_depth",
				Help:      "Current number of pending async writes",
			},
			[]string{"writer"},
		),
		writesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_writes_dropped_total",
				Help:      "Total number of async writes dropped due to backpressure",
			},
			[]string{"writer"},
		),
		asyncWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "async_writes_total",
				Help:      "Total number of async writes processed",
			},
			[]string{"writer", "status"},
		),
		getLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "get_duration_seconds",
				Help:      "Cache get operation latency",
				Buckets:   latencyBuckets,
			},
			[]string{"backend"},
		),
		setLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "set_duration_seconds",
				Help:      "Cache set operation latency",
				Buckets:   latencyBuckets,
			},
			[]string{"backend"},
		),
		deleteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delete_duration_seconds",
				Help:      "Cache delete operation latency",
				Buckets:   latencyBuckets,
			},
			[]string{"backend"},
		),
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.cacheHits,
		pc.cacheMisses,
		pc.cacheSets,
		pc.cacheDeletes,
		pc.cacheErrors,
		pc.evictions,
		pc.invalidations,
		pc.invalidated,
		pc.circuitOpens,
		pc.circuitState,
		pc.wrapCalls,
		pc.rateLimitDecisions,
		pc.queueDepth,
		pc.writesDropped,
		pc.asyncWrites,
		pc.getLatency,
		pc.setLatency,
		pc.deleteLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordGet records a backend get.
func (pc *PrometheusCollector) RecordGet(backend string, hit bool, duration time.Duration) {
	if hit {
		pc.cacheHits.WithLabelValues(backend).Inc()
	} else {
		pc.cacheMisses.WithLabelValues(backend).Inc()
	}
	pc.getLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordSet records a backend set.
func (pc *PrometheusCollector) RecordSet(backend string, success bool, duration time.Duration) {
	pc.cacheSets.WithLabelValues(backend, status(success)).Inc()
	pc.setLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordDelete records a backend delete.
func (pc *PrometheusCollector) RecordDelete(backend string, success bool, duration time.Duration) {
	pc.cacheDeletes.WithLabelValues(backend, status(success)).Inc()
	pc.deleteLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordError records a classified error.
func (pc *PrometheusCollector) RecordError(backend, operation, errorType string) {
	pc.cacheErrors.WithLabelValues(backend, operation, errorType).Inc()
}

// RecordEviction records entries dropped by capacity eviction.
func (pc *PrometheusCollector) RecordEviction(backend string, count int) {
	pc.evictions.WithLabelValues(backend).Add(float64(count))
}

// RecordInvalidation records a tag invalidation.
func (pc *PrometheusCollector) RecordInvalidation(backend, tag string, removed int) {
	pc.invalidations.WithLabelValues(backend, tag).Inc()
	pc.invalidated.WithLabelValues(backend, tag).Add(float64(removed))
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(backend).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(backend).Inc()
	}
}

// RecordWrap records the outcome of a Wrap call.
func (pc *PrometheusCollector) RecordWrap(hit bool, shared bool) {
	pc.wrapCalls.WithLabelValues(strconv.FormatBool(hit), strconv.FormatBool(shared)).Inc()
}

// RecordRateLimit records a rate-limit decision.
func (pc *PrometheusCollector) RecordRateLimit(limiter string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "rejected"
	}
	pc.rateLimitDecisions.WithLabelValues(limiter, decision).Inc()
}

// RecordQueueDepth records the current async writer queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(writer string, depth int) {
	pc.queueDepth.WithLabelValues(writer).Set(float64(depth))
}

// RecordWriteDropped records a dropped async write.
func (pc *PrometheusCollector) RecordWriteDropped(writer string) {
	pc.writesDropped.WithLabelValues(writer).Inc()
}

// RecordAsyncWrite records an async write operation.
func (pc *PrometheusCollector) RecordAsyncWrite(writer string, success bool, duration time.Duration) {
	pc.asyncWrites.WithLabelValues(writer, status(success)).Inc()
}

var _ metrics.MetricsCollector = (*PrometheusCollector)(nil)
