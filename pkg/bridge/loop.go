package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrLoopBusy is returned when a loop is already executing work and the
	// caller asked not to queue behind it.
	ErrLoopBusy = errors.New("event loop is already running work")
	// ErrLoopClosed is returned for work submitted after Close.
	ErrLoopClosed = errors.New("event loop is closed")
)

type loopKey struct{}

// WithLoop returns a context carrying l as the active loop.
func WithLoop(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// LoopFrom returns the active loop carried by ctx, or nil.
func LoopFrom(ctx context.Context) *Loop {
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}

// PanicError wraps a panic raised by a unit of work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("work panicked: %v", e.Value)
}

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Loop is a single goroutine that runs submitted work one unit at a time.
// Work executing on a loop sees it through LoopFrom on its context.
type Loop struct {
	slot   chan struct{}
	tasks  chan *task
	quit   chan struct{}
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
}

// NewLoop starts an idle loop
func NewLoop() *Loop {
	l := &Loop{
		slot:  make(chan struct{}, 1),
		tasks: make(chan *task),
		quit:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Busy reports whether the loop is executing (or about to execute) work.
func (l *Loop) Busy() bool {
	return len(l.slot) > 0
}

// Closed reports whether Close has been called
func (l *Loop) Closed() bool {
	return l.closed.Load()
}

// TryRun executes fn on the loop if it is idle, otherwise returns ErrLoopBusy
// without running fn.
func (l *Loop) TryRun(ctx context.Context, fn func(context.Context) error) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}

	select {
	case l.slot <- struct{}{}:
	default:
		return ErrLoopBusy
	}
	defer func() { <-l.slot }()

	return l.dispatch(ctx, fn)
}

// Submit executes fn on the loop, waiting for earlier work to finish first.
// Submitting from work that is itself running on l would wait forever, so it
// fails with ErrLoopBusy instead.
func (l *Loop) Submit(ctx context.Context, fn func(context.Context) error) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if LoopFrom(ctx) == l && l.Busy() {
		return ErrLoopBusy
	}

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return ErrLoopClosed
	}
	defer func() { <-l.slot }()

	return l.dispatch(ctx, fn)
}

// Close stops the loop after the running unit of work, if any, returns.
// It must not be called from work running on the loop.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.quit)
	})
	l.wg.Wait()
}

func (l *Loop) dispatch(ctx context.Context, fn func(context.Context) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case l.tasks <- t:
	case <-l.quit:
		return ErrLoopClosed
	}

	return <-t.done
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case t := <-l.tasks:
			t.done <- l.execute(t)
		case <-l.quit:
			return
		}
	}
}

func (l *Loop) execute(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	return t.fn(WithLoop(t.ctx, l))
}
