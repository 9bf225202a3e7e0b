package bridge

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many isolated units of work run at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool admitting size concurrent units (minimum 1).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Size returns the pool capacity
func (p *Pool) Size() int {
	return p.size
}

// RunInPool waits for a free slot in p, then runs work in isolation like
// RunInNewGoroutine.
func RunInPool[T any](ctx context.Context, p *Pool, work Work[T]) (T, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		var zero T
		return zero, fmt.Errorf("waiting for pool slot: %w", err)
	}
	defer p.sem.Release(1)

	return RunInNewGoroutine(ctx, work)
}
