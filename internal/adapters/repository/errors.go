package repository

import "errors"

// Sentinel kinds for storage errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrRunInProgress = errors.New("run in progress for store")
	ErrRunNotActive  = errors.New("run is not active")
	ErrInvalidRecord = errors.New("invalid record")
)
