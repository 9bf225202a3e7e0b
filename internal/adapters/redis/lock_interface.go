package redis

import "context"

// ProvisionLock serializes table provisioning between writer processes that
// share a database. Implementations: redlock (DistributedLock) and in-process (LocalLock).
type ProvisionLock interface {
	// Acquire blocks until key is held or ctx is done. The returned func
	// releases the lock and is safe to call once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}
