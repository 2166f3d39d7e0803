package pipeline

import (
	"time"

	"github.com/okian/demandseries/internal/domain/stages"
	"github.com/okian/demandseries/pkg/logger"
)

// Option applies a configuration option to the Orchestrator.
type Option func(*Orchestrator)

// WithStages replaces the stage list. The default is stages.Default().
func WithStages(list ...stages.Stage) Option {
	return func(o *Orchestrator) {
		if len(list) > 0 {
			o.stages = list
		}
	}
}

// WithStageOptions adds stage parameters applied to every run,
// e.g. outlier thresholds and the interpolation mode.
func WithStageOptions(opts ...stages.Option) Option {
	return func(o *Orchestrator) {
		o.stageOpts = append(o.stageOpts, opts...)
	}
}

// WithLease sets how long a claim and lock survive without a stage boundary.
func WithLease(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithMaxRangeDays bounds the days one run may cover.
func WithMaxRangeDays(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxDays = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces UUIDv7 run ids, for tests.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}
