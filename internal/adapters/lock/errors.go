package lock

import "errors"

// Sentinel error kinds for this package.
var (
	ErrLocked   = errors.New("store is locked")
	ErrLockLost = errors.New("store lock lost")
	ErrNoStore  = errors.New("store id required")
)
