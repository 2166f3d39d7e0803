// Package dedupe collapses identical run requests while one is pending.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Deduper tracks keys of requests that are queued or running.
type Deduper interface {
	// SeenAndRecord atomically checks if key is pending and records it if not.
	// Returns true if key was already pending (or the set is full), false if it
	// was newly recorded.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord releases key once its request finished or was never enqueued.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// inMemoryDeduper keeps pending keys with the time they were recorded.
// A key older than ttl is treated as abandoned and may be recorded again.
type inMemoryDeduper struct {
	mu      sync.Mutex
	pending map[string]time.Time
	maxSize int           // 0 or negative = unbounded
	ttl     time.Duration // 0 = keys never expire
	now     func() time.Time
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		pending: make(map[string]time.Time),
		maxSize: 10000,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.pending[key]; ok {
		if d.ttl <= 0 || now.Sub(at) < d.ttl {
			return true
		}
		delete(d.pending, key)
		d.size.Add(-1)
	}
	if d.maxSize > 0 && len(d.pending) >= d.maxSize {
		d.expire(now)
		if len(d.pending) >= d.maxSize {
			return true
		}
	}
	d.pending[key] = now
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[key]; ok {
		delete(d.pending, key)
		d.size.Add(-1)
	}
}

// expire drops abandoned keys. Must be called with d.mu held.
func (d *inMemoryDeduper) expire(now time.Time) {
	if d.ttl <= 0 {
		return
	}
	for key, at := range d.pending {
		if now.Sub(at) >= d.ttl {
			delete(d.pending, key)
			d.size.Add(-1)
		}
	}
}

// Size returns the number of pending keys.
func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
