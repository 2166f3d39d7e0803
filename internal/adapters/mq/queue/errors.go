package queue

import "errors"

// Sentinel kinds for enqueue failures.
var (
	ErrQueueFull   = errors.New("run queue full")
	ErrQueueClosed = errors.New("run queue closed")
)
