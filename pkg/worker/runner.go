package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/pkg/logger"
)

// Worker is one unit of recurring background work.
type Worker interface {
	// Name is used in logs
	Name() string
	// Run executes one iteration
	Run(ctx context.Context) error
}

// Func adapts a function to Worker.
type Func struct {
	WorkerName string
	Fn         func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.WorkerName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// PeriodicWorker runs a Worker on a fixed interval until its context is cancelled.
type PeriodicWorker struct {
	worker    Worker
	interval  time.Duration
	immediate bool
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// Option configures a PeriodicWorker
type Option func(*PeriodicWorker)

// SkipInitialRun waits one interval before the first iteration.
func SkipInitialRun() Option {
	return func(pw *PeriodicWorker) { pw.immediate = false }
}

// NewPeriodicWorker creates a stopped periodic worker
func NewPeriodicWorker(w Worker, interval time.Duration, opts ...Option) *PeriodicWorker {
	pw := &PeriodicWorker{
		worker:    w,
		interval:  interval,
		immediate: true,
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// Start launches the loop. The worker stops when ctx is cancelled or Stop is called.
func (pw *PeriodicWorker) Start(ctx context.Context) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	pw.cancel = cancel

	pw.wg.Add(1)
	go pw.run(ctx)
}

// Stop cancels the loop and waits up to timeout for the current iteration.
// It reports whether the worker exited in time.
func (pw *PeriodicWorker) Stop(timeout time.Duration) bool {
	pw.mu.Lock()
	if pw.cancel != nil {
		pw.cancel()
	}
	pw.mu.Unlock()

	done := make(chan struct{})
	go func() {
		pw.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("worker stopped", zap.String("worker", pw.worker.Name()))
		return true
	case <-time.After(timeout):
		logger.Warn("worker stop timeout",
			zap.String("worker", pw.worker.Name()),
			zap.Duration("timeout", timeout),
		)
		return false
	}
}

func (pw *PeriodicWorker) run(ctx context.Context) {
	defer pw.wg.Done()

	logger.Debug("worker started",
		zap.String("worker", pw.worker.Name()),
		zap.Duration("interval", pw.interval),
	)

	if pw.immediate {
		pw.iterate(ctx)
	}

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pw.iterate(ctx)
		}
	}
}

func (pw *PeriodicWorker) iterate(ctx context.Context) {
	if err := pw.worker.Run(ctx); err != nil && ctx.Err() == nil {
		// keep going, the next tick may succeed
		logger.Error("worker iteration failed",
			zap.String("worker", pw.worker.Name()),
			zap.Error(err),
		)
	}
}

// Group starts and stops a set of periodic workers together.
type Group struct {
	workers []*PeriodicWorker
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// NewGroup creates a group bound to ctx
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel}
}

// Add registers w to run every interval once the group starts.
func (g *Group) Add(w Worker, interval time.Duration, opts ...Option) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.workers = append(g.workers, NewPeriodicWorker(w, interval, opts...))
}

// Start launches every registered worker
func (g *Group) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.workers {
		w.Start(g.ctx)
	}

	logger.Info("worker group started", zap.Int("workers", len(g.workers)))
}

// Stop cancels all workers and waits up to timeout for each.
func (g *Group) Stop(timeout time.Duration) {
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.workers {
		w.Stop(timeout)
	}

	logger.Info("worker group stopped", zap.Int("workers", len(g.workers)))
}
