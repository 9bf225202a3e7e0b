// Package bridge runs a unit of work to completion from a synchronous call site
// whether or not the caller is itself running on an event loop.
//
// Run resolves the caller's state as follows:
//
//	no loop in ctx     -> fresh loop, run, tear it down
//	loop idle          -> run on that loop
//	loop busy          -> optionally wait for it (WithTimeout), then run on an
//	                      isolated goroutine with its own loop
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/pkg/logger"
)

// DefaultPollInterval is how often Run re-checks a busy loop while waiting.
const DefaultPollInterval = time.Second

// Work is a unit of work that blocks until done.
type Work[T any] func(ctx context.Context) (T, error)

type options struct {
	timeout time.Duration
	poll    time.Duration
}

// Option configures Run
type Option func(*options)

// WithTimeout makes Run wait up to d for a busy loop to become idle before
// switching to an isolated goroutine.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// NestedLoopError is returned when work run in isolation still collides with a
// loop that is already running, e.g. by submitting back to its caller's loop.
type NestedLoopError struct {
	Op  string
	Err error
}

func (e *NestedLoopError) Error() string {
	return fmt.Sprintf(
		"%s tried to run on an event loop that is already running work: "+
			"call it directly with the caller's context instead of through bridge.Run, "+
			"or run it with bridge.RunInNewGoroutine so it gets a loop of its own: %v",
		e.Op, e.Err,
	)
}

func (e *NestedLoopError) Unwrap() error {
	return e.Err
}

// Run executes work and returns its result. name identifies the operation in
// logs and in NestedLoopError.
func Run[T any](ctx context.Context, name string, work Work[T], opts ...Option) (T, error) {
	o := options{poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}

	loop := LoopFrom(ctx)
	if loop == nil || loop.Closed() {
		return runFresh(ctx, work)
	}

	if o.timeout > 0 && loop.Busy() {
		if err := waitIdle(ctx, loop, o); err != nil {
			var zero T
			return zero, err
		}
	}

	v, ran, err := runOn(ctx, loop, work)
	if ran {
		return v, err
	}
	if errors.Is(err, ErrLoopClosed) {
		return runFresh(ctx, work)
	}

	logger.Debug("event loop busy, running in isolated goroutine",
		zap.String("op", name),
		zap.Duration("waited", o.timeout),
	)

	v, err = RunInNewGoroutine(ctx, work)
	if err != nil && errors.Is(err, ErrLoopBusy) {
		var zero T
		return zero, &NestedLoopError{Op: name, Err: err}
	}
	return v, err
}

// RunInNewGoroutine always runs work on a new goroutine with a fresh loop and
// blocks until it finishes. Panics come back as *PanicError.
func RunInNewGoroutine[T any](ctx context.Context, work Work[T]) (T, error) {
	type result struct {
		v   T
		err error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := runFresh(ctx, work)
		ch <- result{v: v, err: err}
	}()

	r := <-ch
	return r.v, r.err
}

func runFresh[T any](ctx context.Context, work Work[T]) (T, error) {
	loop := NewLoop()
	defer loop.Close()

	v, _, err := runOn(ctx, loop, work)
	return v, err
}

// runOn runs work on l if l is idle. ran is false when work never started,
// in which case err is ErrLoopBusy or ErrLoopClosed.
func runOn[T any](ctx context.Context, l *Loop, work Work[T]) (v T, ran bool, err error) {
	err = l.TryRun(ctx, func(ctx context.Context) error {
		ran = true
		var werr error
		v, werr = work(ctx)
		return werr
	})
	return v, ran, err
}

// waitIdle polls l until it is idle or the timeout elapses. An elapsed timeout
// is not an error: the caller proceeds to isolation.
func waitIdle(ctx context.Context, l *Loop, o options) error {
	deadline := time.NewTimer(o.timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for l.Busy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
