package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/amyangfei/redlock-go/v3/redlock"
	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/pkg/logger"
)

const defaultRetryInterval = 100 * time.Millisecond

// DistributedLock wraps redlock-go so that only one process runs a table's DDL at a time
type DistributedLock struct {
	lockManager   *redlock.RedLock
	prefix        string
	ttl           time.Duration
	retryInterval time.Duration
}

// NewDistributedLock creates a provisioning lock; keys are namespaced by prefix
func NewDistributedLock(lockManager *redlock.RedLock, prefix string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		lockManager:   lockManager,
		prefix:        prefix,
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
	}
}

// Acquire retries the Redlock until it is granted or ctx is done
func (dl *DistributedLock) Acquire(ctx context.Context, key string) (func(), error) {
	lockName := fmt.Sprintf("%s:lock:%s", dl.prefix, key)

	ticker := time.NewTicker(dl.retryInterval)
	defer ticker.Stop()

	for {
		expiry, err := dl.lockManager.Lock(ctx, lockName, dl.ttl)
		if err == nil && expiry > 0 {
			logger.Debug("provision lock acquired",
				zap.String("lock_name", lockName),
				zap.Duration("expiry", expiry),
			)
			return func() { dl.release(lockName) }, nil
		}

		logger.Debug("provision lock held elsewhere, waiting",
			zap.String("lock_name", lockName),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", lockName, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (dl *DistributedLock) release(lockName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := dl.lockManager.UnLock(ctx, lockName); err != nil {
		// lock may have already expired
		logger.Warn("failed to release lock",
			zap.String("lock_name", lockName),
			zap.Error(err),
		)
		return
	}

	logger.Debug("provision lock released", zap.String("lock_name", lockName))
}
