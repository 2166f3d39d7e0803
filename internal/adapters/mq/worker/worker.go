// Package worker executes queued run requests against the pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/demandseries/internal/domain/model"
	"github.com/okian/demandseries/pkg/logger"
	"github.com/okian/demandseries/pkg/metrics"
)

const poolShutdownTimeout = 30 * time.Second

// Request abstracts what workers read off the queue.
type Request = model.RunRequest

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req model.RunRequest) (model.PipelineRun, error)
}

// Queue defines how workers receive requests.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Request
}

// DoneFunc is called after every request, successful or not.
type DoneFunc func(ctx context.Context, req Request, run model.PipelineRun, err error)

// Worker processes requests one at a time.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue is drained.
	Run(ctx context.Context)

	// Shutdown stops the worker after the request in flight, if any.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker over a Queue and a Runner.
type InMemoryWorker struct {
	queue  Queue
	runner Runner
	name   string
	onDone DoneFunc

	stopOnce sync.Once
	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(queue Queue, runner Runner, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    queue,
		runner:   runner,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	requests := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			w.process(ctx, req)
		}
	}
}

// Shutdown gracefully stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.stop()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed once Run has returned.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

func (w *InMemoryWorker) stop() {
	w.stopOnce.Do(func() { close(w.shutdown) })
}

func (w *InMemoryWorker) process(ctx context.Context, req Request) {
	metrics.IncWorkerBusy()
	start := time.Now()
	defer func() {
		metrics.DecWorkerBusy()
		metrics.RecordWorkerRunLatency(time.Since(start))
	}()

	run, err := w.runner.Run(ctx, req)
	if w.onDone != nil {
		w.onDone(ctx, req, run, err)
	}
	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", errorType(err))
		w.logger.Error(ctx, "run request failed",
			logger.String("store_id", req.StoreID),
			logger.String("range", req.Range.String()),
			logger.String("trigger", string(req.Trigger)),
			logger.String("run_id", run.ID),
			logger.Error(err),
		)
		return
	}
	w.logger.Debug(ctx, "run request done",
		logger.String("store_id", req.StoreID),
		logger.String("run_id", run.ID),
		logger.String("status", string(run.Status)),
	)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "run_error"
	}
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates a new worker pool. opts apply to every worker.
func NewPool(workerCount int, queue Queue, runner Runner, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   queue,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(queue, runner, wopts...)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Stop signals every worker to exit after its current request, without
// waiting.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.stop()
	}
}

// Shutdown closes the queue and waits for workers to drain what was already
// queued. Workers still busy when ctx (or the pool timeout) expires are told
// to stop and reported.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			w.stop()
			timedOut++
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerCount(0)
	if timedOut > 0 {
		return fmt.Errorf("%d workers still busy: %w", timedOut, shutdownCtx.Err())
	}
	return nil
}
