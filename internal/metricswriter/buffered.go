package metricswriter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/internal/adapters/telemetry"
	"github.com/selivandex/pipeline-metrics/pkg/metrics"
	"github.com/selivandex/pipeline-metrics/pkg/worker"
)

const stopTimeout = 5 * time.Second

// BufferedWriter queues metrics in memory and writes them back in batches:
// in the background once BufferLength entries are queued, on every
// FlushInterval tick, and on Flush and Close.
type BufferedWriter struct {
	*base

	buffer *metrics.Buffer[string, metrics.Metric]
	length int

	// serializes drain-and-write so requeued groups are retried in order
	writeMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	signal    chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	periodic  *worker.PeriodicWorker

	// appends hold gate for reading; Close takes it to set closing
	gate    sync.RWMutex
	closing bool

	// first background failure since the last Flush, plus how many followed
	errMu      sync.Mutex
	bgErr      error
	bgFailures int
}

// NewBufferedWriter creates a buffered writer. bufferLength < 0 is treated as 0.
func NewBufferedWriter(params Parameters, bufferLength int, opener StoreOpener, spans telemetry.SpanCreator) *BufferedWriter {
	return &BufferedWriter{
		base:   newBase("BufferedWriter", params, opener, spans),
		buffer: metrics.NewBuffer[string, metrics.Metric](),
		length: max(bufferLength, 0),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Open connects to the store and starts the background flusher
func (w *BufferedWriter) Open(ctx context.Context) error {
	if err := w.base.Open(ctx); err != nil {
		return err
	}
	w.start()
	return nil
}

func (w *BufferedWriter) start() {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel

		go w.flushLoop(ctx)

		if w.params.FlushInterval > 0 {
			w.periodic = worker.NewPeriodicWorker(worker.Func{
				WorkerName: "metricswriter.periodic_flush",
				Fn:         w.Flush,
			}, w.params.FlushInterval, worker.SkipInitialRun())
			w.periodic.Start(ctx)
		}
	})
}

func (w *BufferedWriter) stop() {
	w.stopOnce.Do(func() {
		// consume startOnce so nothing starts after stop
		w.startOnce.Do(func() {})
		if w.cancel == nil {
			return
		}
		if w.periodic != nil {
			w.periodic.Stop(stopTimeout)
		}
		w.cancel()
		<-w.done
	})
}

func (w *BufferedWriter) flushLoop(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.signal:
		}

		if _, err := w.writeDrained(ctx, w.length); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			w.log.Error("background metrics flush failed", zap.Error(err))
			w.setErr(err)
			continue
		}

		if w.length > 0 && w.buffer.TotalCount() >= w.length {
			w.notify()
		}
	}
}

func (w *BufferedWriter) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *BufferedWriter) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.bgErr == nil {
		w.bgErr = err
	}
	w.bgFailures++
}

func (w *BufferedWriter) takeErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()

	err, n := w.bgErr, w.bgFailures
	w.bgErr, w.bgFailures = nil, 0
	if n > 1 {
		return fmt.Errorf("%d background flushes failed, first: %w", n, err)
	}
	return err
}

func (w *BufferedWriter) WriteOne(ctx context.Context, m metrics.Metric) (Result, error) {
	return w.WriteMany(ctx, []metrics.Metric{m})
}

// WriteMany queues ms and returns a Buffered result. With BufferLength 0 the
// buffer is drained and written before returning.
func (w *BufferedWriter) WriteMany(ctx context.Context, ms []metrics.Metric) (Result, error) {
	if len(ms) == 0 {
		return Result{}, nil
	}

	entries := make([]metrics.Entry[string, metrics.Metric], len(ms))
	for i, m := range ms {
		if err := metrics.Validate(m); err != nil {
			return Result{}, err
		}
		entries[i] = metrics.Entry[string, metrics.Metric]{Key: m.Name(), Value: m}
	}

	w.gate.RLock()
	if w.closing {
		w.gate.RUnlock()
		return Result{}, ErrClosed
	}
	w.buffer.AddMany(entries)
	w.gate.RUnlock()

	if w.length == 0 {
		n, err := w.writeDrained(ctx, 0)
		return Result{Rows: n}, err
	}

	w.start()
	if w.buffer.TotalCount() >= w.length {
		w.notify()
	}
	return Result{Buffered: true}, nil
}

// writeDrained drains up to limit entries (all when limit <= 0) and writes
// them group by group. On failure the failing group and every group after it
// are put back in the buffer.
func (w *BufferedWriter) writeDrained(ctx context.Context, limit int) (int64, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	groups := w.buffer.DrainUpTo(limit)

	var rows int64
	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			w.buffer.Requeue(groups[i:])
			return rows, err
		}
		n, err := w.writeGroup(ctx, g.Key, g.Values)
		rows += n
		if err != nil {
			w.buffer.Requeue(groups[i:])
			return rows, err
		}
	}
	return rows, nil
}

// Flush writes everything buffered. Entries queued before Flush started are
// either written or the call fails; errors from earlier background flushes
// are returned here too.
func (w *BufferedWriter) Flush(ctx context.Context) (err error) {
	if count := w.buffer.TotalCount(); count > 0 {
		err = w.flush(ctx, count)
	}

	err = errors.Join(err, w.takeErr())
	if flushErr := w.spans.Flush(ctx); flushErr != nil {
		w.log.Warn("failed to flush telemetry", zap.Error(flushErr))
	}
	return err
}

func (w *BufferedWriter) flush(ctx context.Context, count int) (err error) {
	ctx, span := w.spans.StartSpan(ctx, w.spanName("Flush"), telemetry.Attributes{
		telemetry.AttrMetricCount: count,
	})
	defer func() {
		span.RecordError(err)
		span.End()
	}()

	mark := w.buffer.HighWater()
	w.log.Debug("flushing metrics buffer", zap.Int("count_before", count))

	if _, err := w.writeDrained(ctx, 0); err != nil {
		return err
	}

	if oldest, ok := w.buffer.OldestSeq(); ok && oldest <= mark {
		return fmt.Errorf("%w: %d entries remain", ErrBufferNotEmpty, w.buffer.TotalCount())
	}

	w.log.Debug("flushed metrics buffer", zap.Int("count_after", w.buffer.TotalCount()))
	return nil
}

// Close rejects further writes, stops background flushing, flushes what is
// left and closes the store. The store is closed even when the final flush
// fails.
func (w *BufferedWriter) Close(ctx context.Context) error {
	w.gate.Lock()
	if w.closing {
		w.gate.Unlock()
		return nil
	}
	w.closing = true
	w.gate.Unlock()

	w.stop()

	flushErr := w.Flush(ctx)

	// a synchronous write that drained before closing was set finishes first
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if remaining := w.buffer.TotalCount(); flushErr == nil && remaining > 0 {
		flushErr = fmt.Errorf("%w: %d entries remain", ErrBufferNotEmpty, remaining)
	}
	if flushErr != nil {
		w.log.Error("final metrics flush failed",
			zap.Int("remaining", w.buffer.TotalCount()),
			zap.Error(flushErr),
		)
	}

	return errors.Join(flushErr, w.closeStore())
}

// BufferedCount returns the number of queued metrics.
func (w *BufferedWriter) BufferedCount() int {
	return w.buffer.TotalCount()
}

// BufferedCountFor returns the number of queued metrics named name.
func (w *BufferedWriter) BufferedCountFor(name string) int {
	return w.buffer.CountForKey(name)
}
