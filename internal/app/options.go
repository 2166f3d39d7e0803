package service

import (
	"time"

	"github.com/okian/demandseries/internal/adapters/lock"
	"github.com/okian/demandseries/internal/adapters/repository"
	"github.com/okian/demandseries/internal/config"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/internal/pipeline"
	"github.com/okian/demandseries/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithStore uses an already opened store instead of opening
// cfg.DatabasePath. The caller keeps ownership and closes it.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithLocker replaces the lock backend selected by cfg.LockBackend.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

// WithPipelineOptions passes extra options to the orchestrator, after the
// ones derived from configuration.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(s *Service) {
		s.pipelineOpts = append(s.pipelineOpts, opts...)
	}
}

// WithClock replaces time.Now for the scheduler and stats.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// RunOption adjusts a synchronous run request.
type RunOption func(*model.RunRequest)

// WithTrigger records what asked for the run; the default is manual.
func WithTrigger(t model.RunTrigger) RunOption {
	return func(r *model.RunRequest) {
		if t != "" {
			r.Trigger = t
		}
	}
}
