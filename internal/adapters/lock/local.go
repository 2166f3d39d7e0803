package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker is an in-process Locker keyed by store id.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	next uint64
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]uint64)}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, storeID string) (Lease, error) {
	if storeID == "" {
		return nil, ErrNoStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[storeID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, storeID)
	}
	l.next++
	l.held[storeID] = l.next
	return &localLease{owner: l, storeID: storeID, token: l.next}, nil
}

// Held reports whether storeID is currently locked.
func (l *LocalLocker) Held(storeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[storeID]
	return ok
}

type localLease struct {
	owner   *LocalLocker
	storeID string
	token   uint64
}

// Refresh only checks ownership; local leases do not expire.
func (l *localLease) Refresh(context.Context, time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.storeID] != l.token {
		return fmt.Errorf("%w: %s", ErrLockLost, l.storeID)
	}
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.storeID] == l.token {
		delete(l.owner.held, l.storeID)
	}
	return nil
}
