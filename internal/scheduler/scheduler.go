// Package scheduler periodically submits a run for every configured store.
//
// Scheduled runs cover a trailing window that ends yesterday in each store's
// own zone, so today's partial day is never normalized. Stores whose series
// were flagged stale by a mapping edit are not special-cased: they are
// recomputed only when their window comes around or an operator asks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/demandseries/internal/adapters/mq/queue"
	"github.com/okian/demandseries/internal/domain/dedupe"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/internal/pipeline"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/okian/demandseries/pkg/metrics"
	"github.com/robfig/cron/v3"
)

const defaultLookbackDays = 90

// ErrInvalidSchedule wraps cron parse failures.
var ErrInvalidSchedule = errors.New("invalid schedule")

// ConfigLister enumerates the stores to sweep.
type ConfigLister interface {
	ListStoreConfigs(ctx context.Context) ([]model.StoreConfig, error)
}

// Submitter accepts a run request for asynchronous execution.
type Submitter interface {
	Submit(ctx context.Context, req model.RunRequest) error
}

// SweepResult counts submission outcomes of one sweep.
type SweepResult struct {
	Submitted  int
	Duplicates int
	Rejected   int // queue full or closed
	Skipped    int // store config unusable
}

// Scheduler drives Sweep from a cron expression.
type Scheduler struct {
	spec     string
	lister   ConfigLister
	submit   Submitter
	lookback int
	now      func() time.Time
	log      logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
}

// New validates spec (standard five-field cron or a descriptor such as
// "@hourly") and returns an unstarted Scheduler.
func New(spec string, lister ConfigLister, submit Submitter, opts ...Option) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, spec, err)
	}
	s := &Scheduler{
		spec:     spec,
		lister:   lister,
		submit:   submit,
		lookback: defaultLookbackDays,
		now:      time.Now,
		log:      logger.Get().Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the sweep with cron. Jobs run with ctx; Stop must be called
// before ctx's owner goes away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.spec, func() { s.tick() }); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, s.spec, err)
	}
	s.ctx = ctx
	s.cron = c
	c.Start()
	s.log.Info(ctx, "scheduler started", logger.String("schedule", s.spec), logger.Int("lookback_days", s.lookback))
	return nil
}

// Stop halts cron and waits for a running sweep.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn(ctx, "scheduler stop timed out")
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.Sweep(ctx); err != nil {
		metrics.RecordErrorByComponent("scheduler", "sweep")
		s.log.Error(ctx, "sweep failed", logger.Error(err))
	}
}

// Window returns the range a scheduled run for a store in loc covers at now.
func Window(now time.Time, loc *time.Location, days int) model.DateRange {
	to := model.DateOf(now.In(loc)).AddDays(-1)
	return model.DateRange{From: to.AddDays(-(days - 1)), To: to}
}

// Sweep submits one request per configured store.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	metrics.RecordSchedulerTick()
	var res SweepResult

	cfgs, err := s.lister.ListStoreConfigs(ctx)
	if err != nil {
		return res, fmt.Errorf("list store configs: %w", err)
	}
	now := s.now()
	for _, cfg := range cfgs {
		loc, err := pipeline.LoadLocation(cfg.TimeZone)
		if err != nil {
			res.Skipped++
			metrics.RecordSchedulerEnqueue("skipped")
			s.log.Warn(ctx, "store skipped", logger.String("store_id", cfg.StoreID), logger.Error(err))
			continue
		}
		req := model.RunRequest{
			StoreID: cfg.StoreID,
			Range:   Window(now, loc, s.lookback),
			Trigger: model.TriggerSchedule,
		}
		err = s.submit.Submit(ctx, req)
		switch {
		case err == nil:
			res.Submitted++
			metrics.RecordSchedulerEnqueue("submitted")
		case errors.Is(err, dedupe.ErrDuplicate):
			res.Duplicates++
			metrics.RecordSchedulerEnqueue("duplicate")
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
			res.Rejected++
			metrics.RecordSchedulerEnqueue("rejected")
			s.log.Warn(ctx, "run request rejected", logger.String("store_id", cfg.StoreID), logger.Error(err))
		default:
			return res, fmt.Errorf("submit %s: %w", cfg.StoreID, err)
		}
	}
	s.log.Info(ctx, "sweep done",
		logger.Int("stores", len(cfgs)),
		logger.Int("submitted", res.Submitted),
		logger.Int("duplicates", res.Duplicates),
		logger.Int("rejected", res.Rejected),
		logger.Int("skipped", res.Skipped),
	)
	return res, nil
}
