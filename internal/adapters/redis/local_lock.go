package redis

import (
	"context"
	"sync"
)

// LocalLock is an in-process ProvisionLock, used when redis is disabled
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLock creates an in-process lock
func NewLocalLock() *LocalLock {
	return &LocalLock{locks: make(map[string]chan struct{})}
}

func (l *LocalLock) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
