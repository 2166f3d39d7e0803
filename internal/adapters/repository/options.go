package repository

import (
	"time"

	"github.com/okian/demandseries/pkg/logger"
)

// Option applies a configuration option to the SQLiteStore.
type Option func(*SQLiteStore)

// WithBusyTimeout sets PRAGMA busy_timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.busyTimeout = d
		}
	}
}

// WithMaxOpenConns bounds the connection pool. In-memory databases always use one.
func WithMaxOpenConns(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.maxOpenConns = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBatchSize sets how many rows go into one multi-row INSERT.
func WithBatchSize(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *SQLiteStore) {
		s.log = l
	}
}
