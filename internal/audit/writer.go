package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/keyarc-gateway/internal/observability"
	"github.com/vyrodovalexey/keyarc-gateway/internal/retry"
)

// Default writer settings.
const (
	DefaultBatchSize       = 256
	DefaultFlushInterval   = time.Second
	DefaultStoreTimeout    = 5 * time.Second
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultRetryMaxBackoff = 10 * time.Second
)

var (
	// ErrWriterClosed is returned when the writer is used after Close.
	ErrWriterClosed = errors.New("audit writer closed")

	// ErrStoreUnavailable wraps store failures surfaced by the writer.
	ErrStoreUnavailable = errors.New("audit store unavailable")
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	// QueueCapacity bounds the number of unflushed events.
	QueueCapacity int

	// BatchSize is the maximum number of events per store write.
	BatchSize int

	// FlushInterval is the longest an event waits before a flush.
	FlushInterval time.Duration

	// StoreTimeout bounds a single store write.
	StoreTimeout time.Duration

	// RetryInitialBackoff and RetryMaxBackoff shape the backoff between
	// failed writes of the same batch.
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = DefaultRetryBackoff
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = DefaultRetryMaxBackoff
	}
	return c
}

// WriterOption is a functional option for the writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the logger.
func WithWriterLogger(l observability.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = l
	}
}

// WithWriterMetrics sets the metrics.
func WithWriterMetrics(m *Metrics) WriterOption {
	return func(w *Writer) {
		w.metrics = m
	}
}

// WithWriterRegisterer registers writer metrics with registerer instead
// of the global default.
func WithWriterRegisterer(registerer prometheus.Registerer) WriterOption {
	return func(w *Writer) {
		w.metrics = NewMetricsWithRegisterer("gateway", registerer)
	}
}

// WithWriterClock overrides the time source used to stamp events.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

// Writer is a non-blocking audit recorder backed by a bounded queue and
// a single background flusher.
type Writer struct {
	store   Store
	cfg     WriterConfig
	queue   *ringBuffer
	notify  chan struct{}
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	runCtx    context.Context
	cancelRun context.CancelFunc
	stopCh    chan struct{}
	doneCh    chan struct{}

	// gate orders Record against Close: an event is either enqueued
	// before the final drain or counted as dropped.
	gate      sync.RWMutex
	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
	healthy   atomic.Bool

	// extra counts drops that did not come from queue overflow.
	extra          atomic.Uint64
	reportedDrops  uint64
	lastFlushError atomic.Pointer[string]
}

var _ Recorder = (*Writer)(nil)

// NewWriter creates a writer for store. Start must be called before
// queued events are flushed.
func NewWriter(store Store, cfg WriterConfig, opts ...WriterOption) *Writer {
	cfg = cfg.withDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:     store,
		cfg:       cfg,
		queue:     newRingBuffer(cfg.QueueCapacity),
		notify:    make(chan struct{}, 1),
		logger:    observability.NopLogger(),
		now:       time.Now,
		runCtx:    runCtx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	w.healthy.Store(true)

	for _, opt := range opts {
		opt(w)
	}

	if w.metrics == nil {
		w.metrics = NewMetrics("gateway")
	}

	return w
}

// Record enqueues event and returns immediately. If the queue is full
// the oldest queued event is dropped.
func (w *Writer) Record(event Event) {
	event = event.normalize(w.now())

	w.gate.RLock()
	if w.closed.Load() {
		w.gate.RUnlock()
		w.extra.Add(1)
		w.metrics.recordDropped(DropReasonClosed, 1)
		return
	}
	overflow := w.queue.Enqueue(event)
	w.gate.RUnlock()

	if overflow {
		w.metrics.recordDropped(DropReasonOverflow, 1)
	}
	w.metrics.recordAccepted(event.Outcome)
	w.metrics.setQueueDepth(w.queue.Len())

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Start launches the background flusher. It is safe to call more than
// once.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

// Close stops accepting events and flushes what remains. If ctx ends
// before the queue is drained, in-flight retries are abandoned and the
// remaining events are counted as dropped.
func (w *Writer) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		w.gate.Lock()
		w.closed.Store(true)
		w.gate.Unlock()

		if w.started.Load() {
			close(w.stopCh)
			select {
			case <-w.doneCh:
			case <-ctx.Done():
				w.cancelRun()
				<-w.doneCh
				err = fmt.Errorf("audit writer close: %w", ctx.Err())
			}
		}
		w.cancelRun()

		if n := w.queue.Len(); n > 0 {
			left := w.queue.DequeueBatch(n)
			w.extra.Add(uint64(len(left)))
			w.metrics.recordDropped(DropReasonShutdown, len(left))
			w.metrics.setQueueDepth(0)
			w.logger.Warn("audit events dropped at shutdown",
				observability.Int("count", len(left)),
			)
		}

		if cerr := w.store.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("audit store close: %w", cerr)
		}
	})
	return err
}

// Dropped returns the number of events that will never reach the store.
func (w *Writer) Dropped() uint64 {
	return w.queue.Dropped() + w.extra.Load()
}

// Len returns the number of events waiting to be flushed.
func (w *Writer) Len() int {
	return w.queue.Len()
}

// Healthy reports whether the last store write succeeded.
func (w *Writer) Healthy() bool {
	return w.healthy.Load()
}

// Check implements a readiness check for the health checker.
func (w *Writer) Check(_ context.Context) error {
	if w.closed.Load() {
		return ErrWriterClosed
	}
	if !w.healthy.Load() {
		msg := "last flush failed"
		if p := w.lastFlushError.Load(); p != nil {
			msg = *p
		}
		return fmt.Errorf("%w: %s", ErrStoreUnavailable, msg)
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.flushAvailable()
			return
		case <-w.notify:
			if w.queue.Len() >= w.cfg.BatchSize {
				w.flushAvailable()
			}
		case <-ticker.C:
			w.flushAvailable()
		}
	}
}

// flushAvailable writes full batches until the queue is empty.
func (w *Writer) flushAvailable() {
	for w.runCtx.Err() == nil {
		batch := w.queue.DequeueBatch(w.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		w.metrics.setQueueDepth(w.queue.Len())
		if !w.flush(batch) {
			return
		}
	}
}

// flush writes batch, retrying until it is stored or the writer is
// cancelled. It reports whether the batch was stored.
func (w *Writer) flush(batch []Event) bool {
	w.reportDrops()

	retryCfg := &retry.Config{
		MaxRetries:     retry.Unlimited,
		InitialBackoff: w.cfg.RetryInitialBackoff,
		MaxBackoff:     w.cfg.RetryMaxBackoff,
	}

	start := time.Now()
	err := retry.Do(w.runCtx, retryCfg, func() error {
		ctx, cancel := context.WithTimeout(w.runCtx, w.cfg.StoreTimeout)
		defer cancel()
		return w.store.Append(ctx, batch)
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			w.metrics.flushFailures.Inc()
			w.markUnhealthy(err)
			w.logger.Warn("audit flush failed, retrying",
				observability.Int("attempt", attempt),
				observability.Int("batch_size", len(batch)),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
	if err != nil {
		w.metrics.flushFailures.Inc()
		w.markUnhealthy(err)
		w.extra.Add(uint64(len(batch)))
		w.metrics.recordDropped(DropReasonShutdown, len(batch))
		w.logger.Error("audit batch abandoned",
			observability.Int("batch_size", len(batch)),
			observability.Error(err),
		)
		return false
	}

	w.healthy.Store(true)
	w.lastFlushError.Store(nil)
	w.metrics.flushedTotal.Add(float64(len(batch)))
	w.metrics.flushDuration.Observe(time.Since(start).Seconds())
	w.logger.Debug("audit batch flushed",
		observability.Int("batch_size", len(batch)),
	)
	return true
}

func (w *Writer) markUnhealthy(err error) {
	msg := err.Error()
	w.healthy.Store(false)
	w.lastFlushError.Store(&msg)
}

// reportDrops logs overflow drops that happened since the previous
// flush. Only the flusher goroutine calls it.
func (w *Writer) reportDrops() {
	total := w.queue.Dropped()
	if total == w.reportedDrops {
		return
	}
	w.logger.Warn("audit queue overflow, oldest events dropped",
		observability.Uint64("dropped", total-w.reportedDrops),
		observability.Uint64("dropped_total", total),
		observability.Int("capacity", w.queue.Cap()),
	)
	w.reportedDrops = total
}
