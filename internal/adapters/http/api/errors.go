package api

import "errors"

// Sentinel kinds for API errors.
var (
	ErrServe     = errors.New("ops http serve failed")
	ErrUnhealthy = errors.New("unhealthy")
)
