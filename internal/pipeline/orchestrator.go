// Package pipeline runs the normalization stages for one store at a time.
//
// A run claims the store (lock plus persisted claim), loads the store's
// configuration before any stage, applies the stages in order with a
// checkpoint after each, and commits the resulting series for the requested
// range in one transaction. Runs that fail or are cancelled write nothing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/okian/demandseries/internal/adapters/lock"
	"github.com/okian/demandseries/internal/adapters/repository"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/internal/domain/stages"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/okian/demandseries/pkg/metrics"
)

const (
	defaultLease   = 10 * time.Minute
	defaultMaxDays = 3660
)

// Store is the persistence the orchestrator needs.
type Store interface {
	repository.ConfigStore
	repository.RateStore
	repository.RunStore
	ListOrders(ctx context.Context, storeID string) ([]model.RawOrder, error)
	ListRefunds(ctx context.Context, storeID string) ([]model.RawRefund, error)
	ListProducts(ctx context.Context, storeID string) ([]model.RawProduct, error)
	ListMappings(ctx context.Context, storeID string) ([]model.SkuMapping, error)
}

// Orchestrator sequences stages and owns every PipelineRun transition.
type Orchestrator struct {
	store     Store
	locker    lock.Locker
	stages    []stages.Stage
	stageOpts []stages.Option
	lease     time.Duration
	maxDays   int
	now       func() time.Time
	newID     func() (string, error)
	log       logger.Logger
}

// New creates an Orchestrator. A nil locker means an in-process LocalLocker.
func New(store Store, locker lock.Locker, opts ...Option) *Orchestrator {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	o := &Orchestrator{
		store:   store,
		locker:  locker,
		stages:  stages.Default(),
		lease:   defaultLease,
		maxDays: defaultMaxDays,
		now:     time.Now,
		newID: func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Named("pipeline")
	}
	return o
}

// inputs is everything a run reads before the first stage.
type inputs struct {
	params stages.Params
	batch  stages.Batch
}

// Run executes one pipeline run and returns its summary.
//
// The returned error is non-nil for configuration errors, conflicts and
// fatal stage or storage errors; the run (when one was claimed) is still
// returned with status failed. Partial and cancelled runs return a nil error.
func (o *Orchestrator) Run(ctx context.Context, req model.RunRequest) (model.PipelineRun, error) {
	if err := o.validate(req); err != nil {
		return model.PipelineRun{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.PipelineRun{}, err
	}

	lease, err := o.locker.TryLock(ctx, req.StoreID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			metrics.RecordRunConflict()
			return model.PipelineRun{}, fmt.Errorf("%w: %w", ErrRunInProgress, err)
		}
		return model.PipelineRun{}, fmt.Errorf("pipeline: lock store %s: %w", req.StoreID, err)
	}
	// Bookkeeping below must survive the caller's cancellation.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(bg); err != nil {
			o.log.Warn(bg, "release store lock", logger.String("store_id", req.StoreID), logger.Error(err))
		}
	}()

	id, err := o.newID()
	if err != nil {
		return model.PipelineRun{}, fmt.Errorf("pipeline: run id: %w", err)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerManual
	}
	run, err := o.store.ClaimRun(ctx, model.PipelineRun{
		ID:             id,
		StoreID:        req.StoreID,
		Range:          req.Range,
		Trigger:        trigger,
		LeaseExpiresAt: o.now().Add(o.lease),
	})
	if err != nil {
		if errors.Is(err, repository.ErrRunInProgress) {
			metrics.RecordRunConflict()
			return model.PipelineRun{}, fmt.Errorf("%w: %w", ErrRunInProgress, err)
		}
		return model.PipelineRun{}, fmt.Errorf("pipeline: claim run: %w", err)
	}

	log := o.log.With(logger.String("run_id", run.ID), logger.String("store_id", run.StoreID))
	log.Info(ctx, "run claimed", logger.String("range", run.Range.String()), logger.String("trigger", string(run.Trigger)))

	in, err := o.load(ctx, run.StoreID, run.Range)
	if err != nil {
		return o.fail(bg, log, run, err)
	}

	if err := o.store.StartRun(ctx, run.ID, o.now().Add(o.lease)); err != nil {
		if errors.Is(err, repository.ErrRunNotActive) {
			// Cancelled while pending.
			return o.reload(bg, run)
		}
		return o.fail(bg, log, run, fmt.Errorf("pipeline: start run: %w", err))
	}
	run.Status = model.RunRunning
	run.StartedAt = o.now()
	run.RowsProcessed = len(in.batch.Records)
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()

	batch := in.batch
	for _, s := range o.stages {
		if ctx.Err() != nil {
			return o.cancel(bg, log, run, "context cancelled before "+s.Name())
		}

		start := time.Now()
		out, rep, stageErr := s.Apply(batch, in.params)
		elapsed := time.Since(start)
		cp := rep.Checkpoint(elapsed)
		run.Checkpoints = append(run.Checkpoints, cp)
		recordStage(cp)
		for _, e := range rep.Errors {
			log.Debug(ctx, "row excluded",
				logger.String("stage", e.Stage), logger.String("reason", e.Reason),
				logger.String("ref", e.Ref), logger.String("detail", e.Message))
		}

		cancelRequested, err := o.store.SaveCheckpoint(bg, run.ID, cp, o.now().Add(o.lease))
		if err != nil {
			return o.fail(bg, log, run, fmt.Errorf("pipeline: checkpoint %s: %w", s.Name(), err))
		}
		if err := lease.Refresh(bg, o.lease); err != nil {
			return o.fail(bg, log, run, fmt.Errorf("pipeline: refresh lock: %w", err))
		}
		if stageErr != nil {
			return o.fail(bg, log, run, fmt.Errorf("%w: %s: %w", ErrStageFailed, s.Name(), stageErr))
		}
		log.Debug(ctx, "stage done",
			logger.String("stage", cp.Stage), logger.Int("rows_in", cp.RowsIn),
			logger.Int("rows_out", cp.RowsOut), logger.Int("row_errors", cp.ErrorCount()),
			logger.Duration("elapsed", elapsed))
		if cancelRequested {
			return o.cancel(bg, log, run, "cancel requested after "+s.Name())
		}
		batch = out
	}
	if ctx.Err() != nil {
		return o.cancel(bg, log, run, "context cancelled before commit")
	}

	run.Status = model.RunSucceeded
	if run.RowsSkipped() > 0 {
		run.Status = model.RunPartial
	}
	run.RowsWritten = len(batch.Buckets)
	run.FinishedAt = o.now()
	if err := o.store.CommitRun(bg, repository.Commit{Run: run, Rows: batch.Buckets, Mappings: batch.Mappings}); err != nil {
		if errors.Is(err, repository.ErrRunNotActive) {
			return o.reload(bg, run)
		}
		run.RowsWritten = 0
		return o.fail(bg, log, run, fmt.Errorf("pipeline: commit: %w", err))
	}

	metrics.RecordSeriesWritten(run.RowsWritten)
	for _, m := range batch.Mappings {
		metrics.RecordMappingCreated(string(m.Source))
	}
	metrics.RecordRunFinished(string(run.Status), run.FinishedAt.Sub(run.StartedAt))
	log.Info(ctx, "run finished",
		logger.String("status", string(run.Status)),
		logger.Int("rows_processed", run.RowsProcessed),
		logger.Int("rows_skipped", run.RowsSkipped()),
		logger.Int("rows_written", run.RowsWritten),
		logger.Int("mappings_created", len(batch.Mappings)))
	return run, nil
}

// Preview runs every stage in memory without claiming the store or
// writing anything. It returns the rows a run would commit.
func (o *Orchestrator) Preview(ctx context.Context, req model.RunRequest) ([]model.NormalizedSeries, []stages.Report, error) {
	if err := o.validate(req); err != nil {
		return nil, nil, err
	}
	in, err := o.load(ctx, req.StoreID, req.Range)
	if err != nil {
		return nil, nil, err
	}
	out, reports, err := stages.Chain(in.batch, in.params, o.stages...)
	if err != nil {
		return nil, reports, fmt.Errorf("%w: %w", ErrStageFailed, err)
	}
	return out.Buckets, reports, nil
}

func (o *Orchestrator) validate(req model.RunRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if days := req.Range.Days(); days > o.maxDays {
		return fmt.Errorf("%w: %d days (max %d)", ErrRangeTooLarge, days, o.maxDays)
	}
	return nil
}

// load reads configuration first, then the store's raw data and lookups.
func (o *Orchestrator) load(ctx context.Context, storeID string, rng model.DateRange) (inputs, error) {
	cfg, err := o.store.GetStoreConfig(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return inputs{}, fmt.Errorf("%w: %s", ErrStoreConfigMissing, storeID)
		}
		return inputs{}, fmt.Errorf("pipeline: load store config: %w", err)
	}
	loc, err := LoadLocation(cfg.TimeZone)
	if err != nil {
		return inputs{}, err
	}
	if err := ValidateCurrency(cfg.BaseCurrency); err != nil {
		return inputs{}, err
	}

	orders, err := o.store.ListOrders(ctx, storeID)
	if err != nil {
		return inputs{}, fmt.Errorf("pipeline: load orders: %w", err)
	}
	refunds, err := o.store.ListRefunds(ctx, storeID)
	if err != nil {
		return inputs{}, fmt.Errorf("pipeline: load refunds: %w", err)
	}
	products, err := o.store.ListProducts(ctx, storeID)
	if err != nil {
		return inputs{}, fmt.Errorf("pipeline: load products: %w", err)
	}
	mappings, err := o.store.ListMappings(ctx, storeID)
	if err != nil {
		return inputs{}, fmt.Errorf("pipeline: load mappings: %w", err)
	}
	rates, err := o.store.ListExchangeRates(ctx, cfg.BaseCurrency)
	if err != nil {
		return inputs{}, fmt.Errorf("pipeline: load exchange rates: %w", err)
	}

	opts := append([]stages.Option{
		stages.WithRates(rates),
		stages.WithMappings(mappings),
		stages.WithProducts(products),
		stages.WithOrderLines(orders),
		stages.WithNow(o.now().UTC()),
	}, o.stageOpts...)
	params := stages.NewParams(cfg, loc, rng, opts...)
	if err := params.Validate(); err != nil {
		return inputs{}, fmt.Errorf("%w: %w", ErrInvalidStoreConfig, err)
	}

	records := append(stages.FromOrders(orders), stages.FromRefunds(refunds)...)
	return inputs{params: params, batch: stages.Batch{Records: records}}, nil
}

// fail moves the run to failed and returns cause.
func (o *Orchestrator) fail(ctx context.Context, log logger.Logger, run model.PipelineRun, cause error) (model.PipelineRun, error) {
	run.Status = model.RunFailed
	run.Error = cause.Error()
	run.FinishedAt = o.now()
	if err := o.store.FinishRun(ctx, run); err != nil {
		log.Error(ctx, "record failed run", logger.Error(err))
	}
	metrics.RecordRunFinished(string(run.Status), run.FinishedAt.Sub(run.CreatedAt))
	metrics.RecordErrorByComponent("pipeline", "run_failed")
	log.Error(ctx, "run failed", logger.Error(cause), logger.Any("completed_stages", run.CompletedStages()))
	return run, cause
}

// cancel moves the run to cancelled; nothing is written.
func (o *Orchestrator) cancel(ctx context.Context, log logger.Logger, run model.PipelineRun, why string) (model.PipelineRun, error) {
	run.Status = model.RunCancelled
	run.Error = why
	run.FinishedAt = o.now()
	if err := o.store.FinishRun(ctx, run); err != nil && !errors.Is(err, repository.ErrRunNotActive) {
		log.Error(ctx, "record cancelled run", logger.Error(err))
	}
	metrics.RecordRunFinished(string(run.Status), run.FinishedAt.Sub(run.CreatedAt))
	log.Info(ctx, "run cancelled", logger.String("reason", why), logger.Any("completed_stages", run.CompletedStages()))
	return run, nil
}

// reload returns the persisted run after another actor finished it.
func (o *Orchestrator) reload(ctx context.Context, run model.PipelineRun) (model.PipelineRun, error) {
	got, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		return run, fmt.Errorf("pipeline: reload run: %w", err)
	}
	return got, nil
}

func recordStage(cp model.StageCheckpoint) {
	metrics.RecordStage(cp.Stage, cp.RowsIn, cp.RowsOut, cp.Elapsed)
	for reason, n := range cp.Errors {
		metrics.RecordRowErrors(cp.Stage, reason, n)
	}
	for reason, n := range cp.Anomalies {
		metrics.RecordAnomalies(cp.Stage, reason, n)
	}
}
