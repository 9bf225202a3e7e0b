package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodicWorker_RunsUntilStopped(t *testing.T) {
	var calls atomic.Int32
	w := Func{WorkerName: "counter", Fn: func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("ignored")
	}}

	pw := NewPeriodicWorker(w, 5*time.Millisecond)
	pw.Start(context.Background())
	pw.Start(context.Background()) // second start is a no-op

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, pw.Stop(time.Second))

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestPeriodicWorker_SkipInitialRun(t *testing.T) {
	var calls atomic.Int32
	w := Func{WorkerName: "lazy", Fn: func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}}

	pw := NewPeriodicWorker(w, time.Hour, SkipInitialRun())
	pw.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	assert.True(t, pw.Stop(time.Second))
	assert.Zero(t, calls.Load())
}

func TestGroup_StopCancelsAll(t *testing.T) {
	var a, b atomic.Int32
	g := NewGroup(context.Background())
	g.Add(Func{WorkerName: "a", Fn: func(context.Context) error { a.Add(1); return nil }}, 5*time.Millisecond)
	g.Add(Func{WorkerName: "b", Fn: func(context.Context) error { b.Add(1); return nil }}, 5*time.Millisecond)

	g.Start()
	assert.Eventually(t, func() bool { return a.Load() > 1 && b.Load() > 1 }, time.Second, time.Millisecond)
	g.Stop(time.Second)
}
