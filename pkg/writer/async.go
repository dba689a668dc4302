package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"sitecache/pkg/logging"
	"sitecache/pkg/metrics"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Op is one queued write. It runs on a background worker with its own
// context, never the caller's.
type Op func(ctx context.Context) error

// AsyncWriter runs writes off the request path using a worker pool and
// bounded queues. Ops for the same key always land on the same worker, so
// they run one at a time in submission order.
type AsyncWriter struct {
	name    string
	shards  []chan writeOp
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	config  AsyncWriterConfig
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	// closeMu orders Write against Close so nothing is enqueued after the
	// workers start draining.
	closeMu sync.RWMutex
	closed  bool

	pending       atomic.Int64
	droppedWrites atomic.Int64
	totalWrites   atomic.Int64
	failedWrites  atomic.Int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

type writeOp struct {
	key string
	fn  Op
}

// AsyncWriterConfig configures the async writer behavior.
type AsyncWriterConfig struct {
	// Name labels metrics and logs (default: "async")
	Name string

	// QueueSize is the bounded queue size, split across workers (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if the queue is full.
	// Negative drops immediately (default: 10ms)
	MaxWaitTime time.Duration

	// OpTimeout bounds each op (default: 5s)
	OpTimeout time.Duration

	// MetricsInterval is how often queue depth is reported (default: 5s)
	MetricsInterval time.Duration

	Logger *logging.Logger
}

// NewAsyncWriter creates a new async writer. The writer starts processing
// immediately and must be closed with Close().
func NewAsyncWriter(config AsyncWriterConfig) *AsyncWriter {
	return NewAsyncWriterWithMetrics(config, metrics.NoOpCollector{})
}

// NewAsyncWriterWithMetrics creates a new async writer with custom metrics collector.
func NewAsyncWriterWithMetrics(config AsyncWriterConfig, metricsCollector metrics.MetricsCollector) *AsyncWriter {
	if config.Name == "" {
		config.Name = "async"
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 5 * time.Second
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 5 * time.Second
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}

	perShard := (config.QueueSize + config.Workers - 1) / config.Workers
	ctx, cancel := context.WithCancel(context.Background())

	w := &AsyncWriter{
		name:          config.Name,
		shards:        make([]chan writeOp, config.Workers),
		ctx:           ctx,
		cancel:        cancel,
		config:        config,
		metrics:       metricsCollector,
		logger:        logging.OrGlobal(config.Logger).Named("writer"),
		metricsTicker: time.NewTicker(config.MetricsInterval),
		metricsStop:   make(chan struct{}),
	}

	for i := range w.shards {
		w.shards[i] = make(chan writeOp, perShard)
		w.wg.Add(1)
		go w.worker(w.shards[i])
	}

	go w.reportMetrics()

	return w
}

// Write enqueues fn on the worker that owns key. If that worker's queue is
// full it waits up to MaxWaitTime before dropping the write.
// Returns ErrQueueFull if the write was dropped due to backpressure.
func (w *AsyncWriter) Write(ctx context.Context, key string, fn Op) error {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()

	if w.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	op := writeOp{key: key, fn: fn}
	queue := w.shard(key)

	w.pending.Add(1)
	select {
	case queue <- op:
		w.totalWrites.Add(1)
		return nil
	default:
	}

	if w.config.MaxWaitTime < 0 {
		return w.drop()
	}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case queue <- op:
		w.totalWrites.Add(1)
		return nil
	case <-timer.C:
		return w.drop()
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	}
}

func (w *AsyncWriter) drop() error {
	w.pending.Add(-1)
	w.droppedWrites.Add(1)
	w.metrics.RecordWriteDropped(w.name)
	return ErrQueueFull
}

func (w *AsyncWriter) shard(key string) chan writeOp {
	return w.shards[xxhash.Sum64String(key)%uint64(len(w.shards))]
}

// worker processes ops from its queue, draining it on shutdown.
func (w *AsyncWriter) worker(queue chan writeOp) {
	defer w.wg.Done()

	for {
		select {
		case op := <-queue:
			w.process(op)
		case <-w.ctx.Done():
			for {
				select {
				case op := <-queue:
					w.process(op)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) process(op writeOp) {
	defer w.pending.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), w.config.OpTimeout)
	defer cancel()

	start := time.Now()
	err := op.fn(ctx)
	w.metrics.RecordAsyncWrite(w.name, err == nil, time.Since(start))

	if err != nil {
		w.failedWrites.Add(1)
		w.logger.Warn("async write failed",
			zap.String("writer", w.name),
			zap.String("key", op.key),
			zap.Error(err),
		)
	}
}

// Flush waits until every accepted op has finished or the timeout passes.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if w.pending.Load() == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting new writes and waits for workers to drain their
// queues. It is safe to call more than once.
func (w *AsyncWriter) Close() error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	w.closeMu.Unlock()

	close(w.metricsStop)
	w.metricsTicker.Stop()

	w.cancel()
	w.wg.Wait()

	return nil
}

// reportMetrics periodically reports queue depth.
func (w *AsyncWriter) reportMetrics() {
	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth(w.name, w.queueDepth())
		case <-w.metricsStop:
			return
		}
	}
}

func (w *AsyncWriter) queueDepth() int {
	depth := 0
	for _, q := range w.shards {
		depth += len(q)
	}
	return depth
}

// Stats returns current statistics about the async writer.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		QueueDepth:    w.queueDepth(),
		Pending:       w.pending.Load(),
		DroppedWrites: w.droppedWrites.Load(),
		TotalWrites:   w.totalWrites.Load(),
		FailedWrites:  w.failedWrites.Load(),
	}
}
