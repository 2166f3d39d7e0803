package scheduler

import (
	"time"

	"github.com/okian/demandseries/pkg/logger"
)

// Option applies a configuration option to the Scheduler.
type Option func(*Scheduler)

// WithLookbackDays sets how many days, ending yesterday in store-local time,
// each scheduled run covers.
func WithLookbackDays(days int) Option {
	return func(s *Scheduler) {
		if days > 0 {
			s.lookback = days
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}
