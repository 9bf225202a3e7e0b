package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_NoLoop(t *testing.T) {
	var seen *Loop
	got, err := Run(context.Background(), "answer", func(ctx context.Context) (int, error) {
		seen = LoopFrom(ctx)
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	require.NotNil(t, seen)
	assert.True(t, seen.Closed(), "temporary loop should be torn down")
}

func TestRun_ReusesIdleLoop(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	ctx := WithLoop(context.Background(), loop)
	got, err := Run(ctx, "reuse", func(ctx context.Context) (*Loop, error) {
		return LoopFrom(ctx), nil
	})

	require.NoError(t, err)
	assert.Same(t, loop, got)
}

func TestRun_BusyLoopUsesIsolatedGoroutine(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	var (
		inner    int
		innerErr error
		ranOn    *Loop
	)

	start := time.Now()
	err := loop.Submit(context.Background(), func(ctx context.Context) error {
		// we are running on loop, so it is busy for the nested call
		inner, innerErr = Run(ctx, "nested", func(ctx context.Context) (int, error) {
			ranOn = LoopFrom(ctx)
			return 7, nil
		}, WithTimeout(20*time.Millisecond), WithPollInterval(10*time.Millisecond))
		return nil
	})

	require.NoError(t, err)
	require.NoError(t, innerErr)
	assert.Equal(t, 7, inner)
	require.NotNil(t, ranOn)
	assert.NotSame(t, loop, ranOn)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_WaitsForLoopToBecomeIdle(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = loop.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	time.AfterFunc(30*time.Millisecond, func() { close(release) })

	ctx := WithLoop(context.Background(), loop)
	got, err := Run(ctx, "patient", func(ctx context.Context) (*Loop, error) {
		return LoopFrom(ctx), nil
	}, WithTimeout(2*time.Second), WithPollInterval(5*time.Millisecond))

	require.NoError(t, err)
	assert.Same(t, loop, got)
}

func TestRun_PropagatesErrorsAndPanics(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(context.Background(), "fails", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = Run(context.Background(), "panics", func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestRun_NestedConflictIsDescriptive(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	var runErr error
	err := loop.Submit(context.Background(), func(outer context.Context) error {
		_, runErr = Run(outer, "flush_metrics", func(ctx context.Context) (int, error) {
			// submitting back to the caller's own busy loop
			return 0, loop.Submit(outer, func(context.Context) error { return nil })
		})
		return nil
	})
	require.NoError(t, err)

	var nested *NestedLoopError
	require.ErrorAs(t, runErr, &nested)
	assert.Equal(t, "flush_metrics", nested.Op)
	assert.ErrorIs(t, runErr, ErrLoopBusy)
	assert.Contains(t, runErr.Error(), "flush_metrics")
	assert.Contains(t, runErr.Error(), "RunInNewGoroutine")
}

func TestRun_ClosedLoopFallsBackToFreshLoop(t *testing.T) {
	loop := NewLoop()
	loop.Close()

	ctx := WithLoop(context.Background(), loop)
	got, err := Run(ctx, "closed", func(ctx context.Context) (bool, error) {
		return LoopFrom(ctx) != loop, nil
	})
	require.NoError(t, err)
	assert.True(t, got)

	assert.ErrorIs(t, loop.Submit(context.Background(), func(context.Context) error { return nil }), ErrLoopClosed)
}

func TestRunInNewGoroutine(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	ctx := WithLoop(context.Background(), loop)
	got, err := RunInNewGoroutine(ctx, func(ctx context.Context) (bool, error) {
		return LoopFrom(ctx) != loop, nil
	})
	require.NoError(t, err)
	assert.True(t, got)

	_, err = RunInNewGoroutine(ctx, func(ctx context.Context) (int, error) {
		panic(errors.New("thread failure"))
	})
	var pe *PanicError
	assert.ErrorAs(t, err, &pe)
}

func TestRunInPool_BoundsConcurrency(t *testing.T) {
	pool := NewPool(2)
	assert.Equal(t, 2, pool.Size())

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := RunInPool(context.Background(), pool, func(ctx context.Context) (int, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				current.Add(-1)
				return i, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, i, got)
		}(i)
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunInPool_ContextCancelled(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunInPool(ctx, pool, func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoop_TryRunWhileBusy(t *testing.T) {
	loop := NewLoop()
	defer loop.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- loop.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.True(t, loop.Busy())
	assert.ErrorIs(t, loop.TryRun(context.Background(), func(context.Context) error { return nil }), ErrLoopBusy)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, loop.Busy())
}
