package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options on a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then it should register under the default namespace", func() {
				So(manager, ShouldNotBeNil)
				manager.runsTotal.WithLabelValues("succeeded").Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
				So(families[0].GetName(), ShouldStartWith, "demandseries_pipeline_")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test_namespace"),
				WithSubsystem("test_subsystem"),
				WithMetricPrefix("test_prefix"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithRefreshInterval(10*time.Second),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)
			manager.seriesWritten.Add(2)

			Convey("Then names and labels should reflect the options", func() {
				expected := `
# HELP test_namespace_test_subsystem_test_prefix_series_rows_written_total Normalized series rows upserted
# TYPE test_namespace_test_subsystem_test_prefix_series_rows_written_total counter
test_namespace_test_subsystem_test_prefix_series_rows_written_total{env="test"} 2
`
				err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
					"test_namespace_test_subsystem_test_prefix_series_rows_written_total")
				So(err, ShouldBeNil)
			})
		})

		Convey("When empty options are given", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace(""),
				WithSubsystem(""),
				WithHistogramBuckets(nil),
				WithCustomLabels(nil),
				WithRefreshInterval(-1*time.Second),
				WithPrometheusRegistry(registry),
			)

			Convey("Then defaults should be kept", func() {
				So(manager.namespace, ShouldEqual, "demandseries")
				So(manager.subsystem, ShouldEqual, "pipeline")
				So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
				So(manager.refreshInterval, ShouldEqual, defaultRefreshInterval)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global recorders", t, func() {
		Convey("When recording a finished run", func() {
			before := testutil.ToFloat64(globalManager.runsTotal.WithLabelValues("partial"))
			RecordRunFinished("partial", 1500*time.Millisecond)

			Convey("Then the status counter should increase", func() {
				So(testutil.ToFloat64(globalManager.runsTotal.WithLabelValues("partial")), ShouldEqual, before+1)
			})
		})

		Convey("When recording stage statistics", func() {
			before := testutil.ToFloat64(globalManager.rowErrors.WithLabelValues("timezone", "unparseable_timestamp"))
			RecordStage("timezone", 10, 8, time.Millisecond)
			RecordRowErrors("timezone", "unparseable_timestamp", 2)
			RecordAnomalies("refunds", "refund_clamped", 1)

			Convey("Then the labelled counters should move", func() {
				So(testutil.ToFloat64(globalManager.rowErrors.WithLabelValues("timezone", "unparseable_timestamp")), ShouldEqual, before+2)
			})
		})

		Convey("When updating gauges", func() {
			UpdateQueueSize(7)
			UpdateQueueCapacity(100)
			UpdateWorkerCount(4)
			IncActiveRuns()
			DecActiveRuns()

			Convey("Then they should hold the last value", func() {
				So(testutil.ToFloat64(globalManager.queueSize), ShouldEqual, 7)
				So(testutil.ToFloat64(globalManager.queueCapacity), ShouldEqual, 100)
				So(testutil.ToFloat64(globalManager.workerCount), ShouldEqual, 4)
			})
		})

		Convey("When calling every remaining recorder", func() {
			So(func() {
				RecordRunConflict()
				RecordCancelRequest()
				RecordSeriesWritten(3)
				RecordMappingCreated("identity")
				RecordRawIngested("orders", 5)
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordQueueEnqueueError("queue_full")
				IncWorkerBusy()
				DecWorkerBusy()
				RecordWorkerRunLatency(time.Second)
				RecordWorkerError()
				RecordSchedulerTick()
				RecordSchedulerEnqueue("enqueued")
				RecordErrorByComponent("worker", "run_failed")
				UpdateSystemMemoryUsage(1024)
				UpdateSystemGoroutineCount(12)
				RecordSystemGCPauseTime(0.3)
				RecordHTTPRequest("healthz", "GET", "200", time.Millisecond)
			}, ShouldNotPanic)
			So(GetRegistry(), ShouldEqual, customRegistry)
			So(RefreshInterval(), ShouldEqual, defaultRefreshInterval)
		})
	})
}

func TestMetricsConcurrency(t *testing.T) {
	Convey("Given concurrent recorders", t, func() {
		before := testutil.ToFloat64(globalManager.queueEnqueueRate)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				RecordQueueEnqueue()
			}()
		}
		wg.Wait()

		So(testutil.ToFloat64(globalManager.queueEnqueueRate), ShouldEqual, before+50)
	})
}
