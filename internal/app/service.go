// Package service wires storage, locking, the pipeline, the run queue and the
// scheduler behind one API used by the commands.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/okian/demandseries/internal/adapters/lock"
	"github.com/okian/demandseries/internal/adapters/mq/queue"
	"github.com/okian/demandseries/internal/adapters/mq/worker"
	"github.com/okian/demandseries/internal/adapters/repository"
	"github.com/okian/demandseries/internal/config"
	"github.com/okian/demandseries/internal/domain/dedupe"
	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/internal/domain/stages"
	"github.com/okian/demandseries/internal/pipeline"
	"github.com/okian/demandseries/internal/scheduler"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/okian/demandseries/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

const defaultListLimit = 50

// Service implements the demand series operations.
type Service struct {
	mu sync.RWMutex

	cfg          *config.Config
	pipelineOpts []pipeline.Option
	now          func() time.Time

	// Core components
	store     repository.Store
	ownsStore bool
	locker    lock.Locker
	redis     *redis.Client
	pipeline  *pipeline.Orchestrator

	// Asynchronous runs
	deduper   dedupe.Deduper
	queue     *queue.InMemoryQueue
	pool      *worker.Pool
	scheduler *scheduler.Scheduler

	opened  bool
	started bool

	logger logger.Logger
}

// Stats is a point-in-time view for monitoring.
type Stats struct {
	Started         bool
	Workers         int
	QueueLength     int
	QueueCapacity   int
	PendingRequests int64
	Stores          int
	SeriesRows      int
	StaleRows       int
}

// New constructs a Service. Nothing is opened until Open or Start.
func New(opts ...Option) *Service {
	s := &Service{
		cfg: config.New(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open prepares the synchronous operations: storage, the lock backend and
// the orchestrator. It is idempotent.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Service) openLocked(ctx context.Context) error {
	if s.opened {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	if s.store == nil {
		store, err := repository.Open(ctx, s.cfg.DatabasePath)
		if err != nil {
			return err
		}
		s.store, s.ownsStore = store, true
	}

	if s.locker == nil {
		l, err := s.newLocker(ctx)
		if err != nil {
			s.closeStore(ctx)
			return err
		}
		s.locker = l
	}

	opts := []pipeline.Option{
		pipeline.WithLease(s.cfg.RunLease),
		pipeline.WithStageOptions(
			stages.WithOutlierStrategy(s.cfg.OutlierStrategy),
			stages.WithOutliers(s.cfg.OutlierMinPoints, s.cfg.OutlierIQRMultiplier),
			stages.WithInterpolation(s.cfg.InterpolationMode),
			stages.WithRefundClampTolerance(s.cfg.RefundClampTolerance),
			stages.WithParallelism(s.cfg.StageParallelism),
		),
	}
	s.pipeline = pipeline.New(s.store, s.locker, append(opts, s.pipelineOpts...)...)
	s.opened = true
	s.logger.Info(ctx, "service opened",
		logger.String("database", s.cfg.DatabasePath),
		logger.String("lock_backend", s.cfg.LockBackend),
	)
	return nil
}

func (s *Service) newLocker(ctx context.Context) (lock.Locker, error) {
	if s.cfg.LockBackend != config.LockBackendRedis {
		return lock.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis lock backend %s: %w", s.cfg.RedisAddr, err)
	}
	l, err := lock.NewRedisLocker(client, lock.WithTTL(s.cfg.RunLease))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.redis = client
	return l, nil
}

// Start opens the service if needed, then starts the run workers and, when
// a schedule is configured, the scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.openLocked(ctx); err != nil {
		return err
	}
	s.logger.Info(ctx, "starting demand series service...")

	s.deduper = dedupe.NewInMemoryDeduper(
		dedupe.WithMaxSize(s.cfg.DedupeSize),
		dedupe.WithTTL(2*s.cfg.RunLease),
	)
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.cfg.QueueSize))
	s.pool = worker.NewPool(s.cfg.WorkerCount, s.queue, s.pipeline,
		worker.WithOnDone(func(ctx context.Context, req model.RunRequest, _ model.PipelineRun, _ error) {
			s.deduper.Unrecord(ctx, req.Key())
		}),
	)
	s.pool.Start(ctx)

	if s.cfg.Schedule != "" {
		sched, err := scheduler.New(s.cfg.Schedule, s.store, s,
			scheduler.WithLookbackDays(s.cfg.ScheduleLookbackDays),
			scheduler.WithClock(s.now),
		)
		if err != nil {
			s.pool.Stop()
			_ = s.queue.Close()
			return err
		}
		if err := sched.Start(ctx); err != nil {
			s.pool.Stop()
			_ = s.queue.Close()
			return err
		}
		s.scheduler = sched
	}

	s.started = true
	s.logger.Info(ctx, "demand series service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.cfg.QueueSize),
		logger.String("schedule", s.cfg.Schedule),
	)
	return nil
}

// Stop shuts down the scheduler, drains the workers and closes what Open
// opened. Runs still in flight when ctx expires are abandoned; their claims
// expire with their lease.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil
	}
	s.logger.Info(ctx, "stopping demand series service...")
	sched, pool := s.scheduler, s.pool
	s.scheduler, s.pool = nil, nil
	s.started = false
	s.mu.Unlock()

	// The scheduler and workers call back into the service, so they are
	// stopped without holding the lock.
	var errs []error
	if sched != nil {
		sched.Stop(ctx)
	}
	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		s.redis = nil
		s.locker = nil
	}
	s.closeStore(ctx)
	s.opened = false
	s.logger.Info(ctx, "demand series service stopped")
	return errors.Join(errs...)
}

func (s *Service) closeStore(ctx context.Context) {
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn(ctx, "close store", logger.Error(err))
		}
		s.store = nil
		s.ownsStore = false
	}
}

// ready returns the opened components, or ErrNotStarted.
func (s *Service) ready() (repository.Store, *pipeline.Orchestrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened {
		return nil, nil, ErrNotStarted
	}
	return s.store, s.pipeline, nil
}

// Ping checks the store is reachable, for health checks.
func (s *Service) Ping(ctx context.Context) error {
	store, _, err := s.ready()
	if err != nil {
		return err
	}
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// RunPipeline runs the pipeline for one store and range and waits for it.
func (s *Service) RunPipeline(ctx context.Context, storeID string, rng model.DateRange, opts ...RunOption) (model.PipelineRun, error) {
	_, orch, err := s.ready()
	if err != nil {
		return model.PipelineRun{}, err
	}
	req := model.RunRequest{StoreID: storeID, Range: rng, Trigger: model.TriggerManual}
	for _, opt := range opts {
		opt(&req)
	}
	return orch.Run(ctx, req)
}

// Preview computes the rows a run would write, without claiming the store
// or writing anything.
func (s *Service) Preview(ctx context.Context, storeID string, rng model.DateRange) ([]model.NormalizedSeries, []stages.Report, error) {
	_, orch, err := s.ready()
	if err != nil {
		return nil, nil, err
	}
	return orch.Preview(ctx, model.RunRequest{StoreID: storeID, Range: rng, Trigger: model.TriggerManual})
}

// Submit queues a run for the worker pool. An equivalent request (same
// store and range) that is still queued or running makes this one a
// duplicate.
func (s *Service) Submit(ctx context.Context, req model.RunRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}
	s.mu.RLock()
	started, d, q := s.started, s.deduper, s.queue
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	key := req.Key()
	if d.SeenAndRecord(ctx, key) {
		s.logger.Debug(ctx, "duplicate run request", logger.String("key", key))
		return fmt.Errorf("%w: %s", dedupe.ErrDuplicate, key)
	}
	if err := q.Enqueue(ctx, req); err != nil {
		d.Unrecord(ctx, key)
		return err
	}
	s.logger.Debug(ctx, "run request queued",
		logger.String("store_id", req.StoreID),
		logger.String("range", req.Range.String()),
		logger.String("trigger", string(req.Trigger)),
	)
	return nil
}

// QuerySeries returns rows ordered by day, canonical SKU, then category.
// RunID and UpdatedAt are audit columns: re-running a range over unchanged
// inputs reproduces every other column exactly, but those two always name the
// latest run.
func (s *Service) QuerySeries(ctx context.Context, q model.SeriesQuery) ([]model.NormalizedSeries, error) {
	store, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	return store.QuerySeries(ctx, q)
}

// IngestOrders upserts order lines by (store, order id, line index).
func (s *Service) IngestOrders(ctx context.Context, orders []model.RawOrder) (int, error) {
	store, _, err := s.ready()
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		if err := validPlatform(o.Platform); err != nil {
			return 0, err
		}
	}
	n, err := store.UpsertOrders(ctx, orders)
	if err != nil {
		return 0, err
	}
	metrics.RecordRawIngested("orders", n)
	return n, nil
}

// IngestRefunds upserts refund lines by (store, refund id, line index).
func (s *Service) IngestRefunds(ctx context.Context, refunds []model.RawRefund) (int, error) {
	store, _, err := s.ready()
	if err != nil {
		return 0, err
	}
	for _, r := range refunds {
		if err := validPlatform(r.Platform); err != nil {
			return 0, err
		}
	}
	n, err := store.UpsertRefunds(ctx, refunds)
	if err != nil {
		return 0, err
	}
	metrics.RecordRawIngested("refunds", n)
	return n, nil
}

// IngestProducts upserts catalog rows by (store, raw SKU).
func (s *Service) IngestProducts(ctx context.Context, products []model.RawProduct) (int, error) {
	store, _, err := s.ready()
	if err != nil {
		return 0, err
	}
	n, err := store.UpsertProducts(ctx, products)
	if err != nil {
		return 0, err
	}
	metrics.RecordRawIngested("products", n)
	return n, nil
}

func validPlatform(p model.Platform) error {
	if p == "" || p.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %w: %q", ErrInvalidInput, model.ErrInvalidPlatform, p)
}

// SetStoreConfig validates and saves a store's configuration. The zone must
// be an IANA name and the currency a three letter code, stored upper case.
func (s *Service) SetStoreConfig(ctx context.Context, cfg model.StoreConfig) (model.StoreConfig, error) {
	store, _, err := s.ready()
	if err != nil {
		return model.StoreConfig{}, err
	}
	cfg.StoreID = strings.TrimSpace(cfg.StoreID)
	if cfg.StoreID == "" {
		return model.StoreConfig{}, fmt.Errorf("%w: %w", pipeline.ErrInvalidStoreConfig, model.ErrMissingStore)
	}
	cfg.TimeZone = strings.TrimSpace(cfg.TimeZone)
	if _, err := pipeline.LoadLocation(cfg.TimeZone); err != nil {
		return model.StoreConfig{}, err
	}
	cfg.BaseCurrency = strings.ToUpper(strings.TrimSpace(cfg.BaseCurrency))
	if err := pipeline.ValidateCurrency(cfg.BaseCurrency); err != nil {
		return model.StoreConfig{}, err
	}
	if cfg.Platform == "" {
		cfg.Platform = model.PlatformManual
	}
	if !cfg.Platform.Valid() {
		return model.StoreConfig{}, fmt.Errorf("%w: %w: %q", pipeline.ErrInvalidStoreConfig, model.ErrInvalidPlatform, cfg.Platform)
	}

	saved, err := store.PutStoreConfig(ctx, cfg)
	if err != nil {
		return model.StoreConfig{}, err
	}
	s.logger.Info(ctx, "store config saved",
		logger.String("store_id", saved.StoreID),
		logger.String("time_zone", saved.TimeZone),
		logger.String("base_currency", saved.BaseCurrency),
	)
	return saved, nil
}

// GetStoreConfig returns repository.ErrNotFound for unknown stores.
func (s *Service) GetStoreConfig(ctx context.Context, storeID string) (model.StoreConfig, error) {
	store, _, err := s.ready()
	if err != nil {
		return model.StoreConfig{}, err
	}
	return store.GetStoreConfig(ctx, storeID)
}

// SetExchangeRate saves the rate converting one unit of rate.Currency into
// rate.BaseCurrency from rate.EffectiveDate on.
func (s *Service) SetExchangeRate(ctx context.Context, rate model.ExchangeRate) error {
	store, _, err := s.ready()
	if err != nil {
		return err
	}
	rate.Currency = strings.ToUpper(strings.TrimSpace(rate.Currency))
	rate.BaseCurrency = strings.ToUpper(strings.TrimSpace(rate.BaseCurrency))
	if err := pipeline.ValidateCurrency(rate.Currency); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := pipeline.ValidateCurrency(rate.BaseCurrency); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if rate.EffectiveDate.IsZero() {
		return fmt.Errorf("%w: effective date required", ErrInvalidInput)
	}
	if !rate.Rate.IsPositive() {
		return fmt.Errorf("%w: rate %s must be positive", ErrInvalidInput, rate.Rate)
	}
	return store.PutExchangeRate(ctx, rate)
}

// UpdateSkuMapping points rawSKU at canonicalSKU. Affected series rows are
// flagged stale and the result says which range needs a re-run; no run is
// started here. It fails with pipeline.ErrRunInProgress while the store has a
// live run.
func (s *Service) UpdateSkuMapping(ctx context.Context, storeID, rawSKU, canonicalSKU string) (model.RemapResult, error) {
	store, _, err := s.ready()
	if err != nil {
		return model.RemapResult{}, err
	}
	res, err := store.RemapSku(ctx, storeID, rawSKU, canonicalSKU)
	if errors.Is(err, repository.ErrRunInProgress) {
		return model.RemapResult{}, fmt.Errorf("%w: %w", pipeline.ErrRunInProgress, err)
	}
	if err != nil {
		return model.RemapResult{}, err
	}
	if res.RequiresRerun {
		s.logger.Warn(ctx, "sku remapped, series stale until re-run",
			logger.String("store_id", storeID),
			logger.String("raw_sku", rawSKU),
			logger.String("old_canonical", res.OldCanonical),
			logger.String("new_canonical", res.NewCanonical),
			logger.Int("stale_rows", res.StaleRows),
			logger.String("range", res.Range.String()),
		)
	}
	return res, nil
}

// ListMappings returns the store's raw to canonical SKU table.
func (s *Service) ListMappings(ctx context.Context, storeID string) ([]model.SkuMapping, error) {
	store, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	return store.ListMappings(ctx, storeID)
}

// CancelRun asks a run to stop. A pending run is cancelled at once; a
// running one stops at its next stage boundary.
func (s *Service) CancelRun(ctx context.Context, runID string) (model.PipelineRun, error) {
	store, _, err := s.ready()
	if err != nil {
		return model.PipelineRun{}, err
	}
	run, err := store.RequestCancel(ctx, runID)
	if err != nil {
		return model.PipelineRun{}, err
	}
	metrics.RecordCancelRequest()
	s.logger.Info(ctx, "run cancel requested",
		logger.String("run_id", runID),
		logger.String("status", string(run.Status)),
	)
	return run, nil
}

// GetRun returns one run with its checkpoints.
func (s *Service) GetRun(ctx context.Context, runID string) (model.PipelineRun, error) {
	store, _, err := s.ready()
	if err != nil {
		return model.PipelineRun{}, err
	}
	return store.GetRun(ctx, runID)
}

// ListRuns returns a store's most recent runs first. limit <= 0 means 50.
func (s *Service) ListRuns(ctx context.Context, storeID string, limit int) ([]model.PipelineRun, error) {
	store, _, err := s.ready()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return store.ListRuns(ctx, storeID, limit)
}

// GetStats returns service statistics for monitoring. Store counts are
// summed over configured stores.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Started: s.started}
	if !s.opened {
		return st, nil
	}
	if s.started {
		st.Workers = s.pool.Size()
		st.QueueLength = s.queue.Len(ctx)
		st.QueueCapacity = s.cfg.QueueSize
		st.PendingRequests = s.deduper.Size()
	}

	cfgs, err := s.store.ListStoreConfigs(ctx)
	if err != nil {
		return st, err
	}
	st.Stores = len(cfgs)
	for _, c := range cfgs {
		total, stale, err := s.store.CountSeries(ctx, c.StoreID)
		if err != nil {
			return st, err
		}
		st.SeriesRows += total
		st.StaleRows += stale
	}
	return st, nil
}
