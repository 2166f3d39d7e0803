// Package lock provides per-store run exclusivity.
//
// A Locker hands out at most one Lease per store at a time. The in-process
// LocalLocker is enough for a single runner; RedisLocker extends the
// guarantee across processes sharing one Redis.
package lock

import (
	"context"
	"time"
)

// Locker acquires per-store leases without waiting.
type Locker interface {
	// TryLock returns ErrLocked when another holder owns the store.
	TryLock(ctx context.Context, storeID string) (Lease, error)
}

// Lease is a held store lock.
type Lease interface {
	// Refresh extends the lease. It returns ErrLockLost if the lease expired
	// and was taken by someone else.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release gives the lock up. Releasing twice is a no-op.
	Release(ctx context.Context) error
}
