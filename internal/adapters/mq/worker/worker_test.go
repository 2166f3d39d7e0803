package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	queue "github.com/okian/demandseries/internal/adapters/mq/queue"
	worker "github.com/okian/demandseries/internal/adapters/mq/worker"
	model "github.com/okian/demandseries/internal/domain/model"
	logging "github.com/okian/demandseries/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

// mockQueue hands out one shared channel, like a single consumer group.
type mockQueue struct {
	ch        chan worker.Request
	closeOnce sync.Once
}

func newMockQueue() *mockQueue {
	return &mockQueue{ch: make(chan worker.Request, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan worker.Request { return mq.ch }

func (mq *mockQueue) Close() error {
	mq.closeOnce.Do(func() { close(mq.ch) })
	return nil
}

type mockRunner struct {
	mu     sync.Mutex
	seen   []string
	errs   map[string]error
	delay  time.Duration
	active int32
	peak   int32
}

func newMockRunner() *mockRunner {
	return &mockRunner{errs: make(map[string]error)}
}

func (m *mockRunner) Run(_ context.Context, req model.RunRequest) (model.PipelineRun, error) {
	n := atomic.AddInt32(&m.active, 1)
	defer atomic.AddInt32(&m.active, -1)
	for {
		p := atomic.LoadInt32(&m.peak)
		if n <= p || atomic.CompareAndSwapInt32(&m.peak, p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, req.StoreID)
	run := model.PipelineRun{ID: "run-" + req.StoreID, StoreID: req.StoreID, Status: model.RunSucceeded}
	if err, ok := m.errs[req.StoreID]; ok {
		run.Status = model.RunFailed
		return run, err
	}
	return run, nil
}

func (m *mockRunner) processed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

func request(store string) worker.Request {
	return model.RunRequest{
		StoreID: store,
		Range:   model.DateRange{From: model.MustParseDate("2024-03-01"), To: model.MustParseDate("2024-03-07")},
		Trigger: model.TriggerManual,
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker over a queue and runner", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		runner := newMockRunner()

		var (
			mu   sync.Mutex
			done []string
			errs []error
		)
		onDone := func(_ context.Context, req worker.Request, run model.PipelineRun, err error) {
			mu.Lock()
			defer mu.Unlock()
			done = append(done, req.StoreID+":"+run.ID)
			errs = append(errs, err)
		}
		w := worker.NewInMemoryWorker(q, runner, worker.WithName("test-worker"), worker.WithOnDone(onDone))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When a request is queued", func() {
			q.ch <- request("s1")

			convey.Convey("Then it is run and reported", func() {
				convey.So(waitFor(func() bool { return len(runner.processed()) == 1 }), convey.ShouldBeTrue)
				convey.So(waitFor(func() bool { mu.Lock(); defer mu.Unlock(); return len(done) == 1 }), convey.ShouldBeTrue)
				mu.Lock()
				defer mu.Unlock()
				convey.So(done[0], convey.ShouldEqual, "s1:run-s1")
				convey.So(errs[0], convey.ShouldBeNil)
			})
		})

		convey.Convey("When the run fails", func() {
			boom := errors.New("boom")
			runner.errs["s2"] = boom
			q.ch <- request("s2")
			q.ch <- request("s3")

			convey.Convey("Then the error reaches the callback and the worker keeps going", func() {
				convey.So(waitFor(func() bool { mu.Lock(); defer mu.Unlock(); return len(done) == 2 }), convey.ShouldBeTrue)
				mu.Lock()
				defer mu.Unlock()
				convey.So(errors.Is(errs[0], boom), convey.ShouldBeTrue)
				convey.So(errs[1], convey.ShouldBeNil)
			})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()

			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
		})

		convey.Convey("When the queue closes", func() {
			_ = q.Close()

			convey.Convey("Then the worker exits", func() {
				select {
				case <-w.Done():
				case <-time.After(time.Second):
					convey.So("worker still running", convey.ShouldBeEmpty)
				}
			})
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a pool over a real queue", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		runner := newMockRunner()
		runner.delay = 20 * time.Millisecond

		convey.Convey("When created with a non-positive count", func() {
			pool := worker.NewPool(0, q, runner)

			convey.Convey("Then it defaults to at least one worker", func() {
				convey.So(pool.Size(), convey.ShouldBeGreaterThan, 0)
			})
		})

		convey.Convey("When several stores are queued", func() {
			pool := worker.NewPool(3, q, runner)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			for _, s := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
				convey.So(q.Enqueue(ctx, request(s)), convey.ShouldBeNil)
			}

			convey.Convey("Then all run, some in parallel, and shutdown drains", func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer shutdownCancel()

				convey.So(pool.Shutdown(shutdownCtx), convey.ShouldBeNil)
				convey.So(runner.processed(), convey.ShouldHaveLength, 6)
				convey.So(atomic.LoadInt32(&runner.peak), convey.ShouldBeGreaterThan, int32(1))
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When stopped", func() {
			pool := worker.NewPool(2, q, runner)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)
			pool.Stop()
			pool.Stop()

			convey.Convey("Then shutdown returns promptly", func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
				defer shutdownCancel()
				convey.So(pool.Shutdown(shutdownCtx), convey.ShouldBeNil)
			})
		})
	})
}
