// Package metrics provides Prometheus metrics for the demand series pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the pipeline service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Run lifecycle
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	runsActive     prometheus.Gauge
	runConflicts   prometheus.Counter
	runsCancelled  prometheus.Counter
	seriesWritten  prometheus.Counter
	mappingCreated *prometheus.CounterVec

	// Stage performance and data quality
	stageDuration  *prometheus.HistogramVec
	stageRowsIn    *prometheus.CounterVec
	stageRowsOut   *prometheus.CounterVec
	rowErrors      *prometheus.CounterVec
	stageAnomalies *prometheus.CounterVec

	// Ingestion
	rawIngested *prometheus.CounterVec

	// Queue Metrics
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueueRate   prometheus.Counter
	queueDequeueRate   prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec

	// Worker Metrics
	workerCount      prometheus.Gauge
	workerBusy       prometheus.Gauge
	workerRunLatency prometheus.Histogram
	workerErrors     prometheus.Counter

	// Scheduler
	schedulerTicks   prometheus.Counter
	schedulerEnqueue *prometheus.CounterVec

	// Ops HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Error tracking
	errorRateByComponent *prometheus.CounterVec

	// System Performance Metrics
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "demandseries",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		metricPrefix:     "",
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogramOpts(name, help string) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.runsTotal = auto.NewCounterVec(m.counterOpts("runs_total", "Pipeline runs by terminal status"), []string{"status"})
	m.runDuration = auto.NewHistogram(m.histogramOpts("run_duration_seconds", "Wall time of a pipeline run in seconds"))
	m.runsActive = auto.NewGauge(m.gaugeOpts("runs_active", "Runs currently executing"))
	m.runConflicts = auto.NewCounter(m.counterOpts("run_conflicts_total", "Run requests rejected because the store already had an active run"))
	m.runsCancelled = auto.NewCounter(m.counterOpts("runs_cancel_requests_total", "Cancellation requests accepted"))
	m.seriesWritten = auto.NewCounter(m.counterOpts("series_rows_written_total", "Normalized series rows upserted"))
	m.mappingCreated = auto.NewCounterVec(m.counterOpts("sku_mappings_created_total", "SKU mappings created by source"), []string{"source"})

	m.stageDuration = auto.NewHistogramVec(m.histogramOpts("stage_duration_seconds", "Stage execution time in seconds"), []string{"stage"})
	m.stageRowsIn = auto.NewCounterVec(m.counterOpts("stage_rows_in_total", "Rows entering a stage"), []string{"stage"})
	m.stageRowsOut = auto.NewCounterVec(m.counterOpts("stage_rows_out_total", "Rows leaving a stage"), []string{"stage"})
	m.rowErrors = auto.NewCounterVec(m.counterOpts("row_errors_total", "Rows rejected by a stage, by reason"), []string{"stage", "reason"})
	m.stageAnomalies = auto.NewCounterVec(m.counterOpts("anomalies_total", "Anomalies flagged by a stage, by reason"), []string{"stage", "reason"})

	m.rawIngested = auto.NewCounterVec(m.counterOpts("raw_records_ingested_total", "Raw records upserted by kind"), []string{"kind"})

	m.queueSize = auto.NewGauge(m.gaugeOpts("queue_size", "Pending run requests"))
	m.queueCapacity = auto.NewGauge(m.gaugeOpts("queue_capacity", "Capacity of the run request queue"))
	m.queueEnqueueRate = auto.NewCounter(m.counterOpts("queue_enqueue_total", "Run requests enqueued"))
	m.queueDequeueRate = auto.NewCounter(m.counterOpts("queue_dequeue_total", "Run requests dequeued"))
	m.queueEnqueueErrors = auto.NewCounterVec(m.counterOpts("queue_enqueue_errors_total", "Run requests refused by the queue"), []string{"reason"})

	m.workerCount = auto.NewGauge(m.gaugeOpts("worker_count", "Configured run workers"))
	m.workerBusy = auto.NewGauge(m.gaugeOpts("worker_busy", "Workers currently executing a run"))
	m.workerRunLatency = auto.NewHistogram(m.histogramOpts("worker_run_latency_seconds", "Time from dequeue to run completion"))
	m.workerErrors = auto.NewCounter(m.counterOpts("worker_errors_total", "Runs a worker could not complete"))

	m.schedulerTicks = auto.NewCounter(m.counterOpts("scheduler_ticks_total", "Scheduled sweeps over configured stores"))
	m.schedulerEnqueue = auto.NewCounterVec(m.counterOpts("scheduler_enqueued_total", "Scheduled run requests by outcome"), []string{"outcome"})

	m.httpRequests = auto.NewCounterVec(m.counterOpts("http_requests_total", "Ops HTTP requests"), []string{"endpoint", "method", "status"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogramOpts("http_request_duration_seconds", "Ops HTTP request latency in seconds"), []string{"endpoint", "method"})

	m.errorRateByComponent = auto.NewCounterVec(m.counterOpts("errors_by_component_total", "Errors by component and type"), []string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_bytes", "Heap bytes allocated"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutines", "Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts("system_gc_pause_milliseconds", "Average GC pause in milliseconds"))
}

// Run lifecycle.

// RecordRunFinished counts a terminal run and observes its duration.
func RecordRunFinished(status string, elapsed time.Duration) {
	globalManager.runsTotal.WithLabelValues(status).Inc()
	globalManager.runDuration.Observe(elapsed.Seconds())
}

// IncActiveRuns and DecActiveRuns track runs in flight.
func IncActiveRuns() { globalManager.runsActive.Inc() }
func DecActiveRuns() { globalManager.runsActive.Dec() }

// RecordRunConflict counts a rejected concurrent run request.
func RecordRunConflict() {
	globalManager.runConflicts.Inc()
}

// RecordCancelRequest counts an accepted cancellation.
func RecordCancelRequest() {
	globalManager.runsCancelled.Inc()
}

// RecordSeriesWritten adds n upserted series rows.
func RecordSeriesWritten(n int) {
	globalManager.seriesWritten.Add(float64(n))
}

// RecordMappingCreated counts a new SKU mapping.
func RecordMappingCreated(source string) {
	globalManager.mappingCreated.WithLabelValues(source).Inc()
}

// Stage metrics.

// RecordStage records one stage execution.
func RecordStage(stage string, rowsIn, rowsOut int, elapsed time.Duration) {
	globalManager.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	globalManager.stageRowsIn.WithLabelValues(stage).Add(float64(rowsIn))
	globalManager.stageRowsOut.WithLabelValues(stage).Add(float64(rowsOut))
}

// RecordRowErrors adds n rejected rows for a stage and reason.
func RecordRowErrors(stage, reason string, n int) {
	globalManager.rowErrors.WithLabelValues(stage, reason).Add(float64(n))
}

// RecordAnomalies adds n flagged anomalies for a stage and reason.
func RecordAnomalies(stage, reason string, n int) {
	globalManager.stageAnomalies.WithLabelValues(stage, reason).Add(float64(n))
}

// RecordRawIngested adds n upserted raw records of a kind (orders, refunds, products).
func RecordRawIngested(kind string, n int) {
	globalManager.rawIngested.WithLabelValues(kind).Add(float64(n))
}

// Queue Metrics Functions.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueueRate.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeueRate.Inc()
}

// RecordQueueEnqueueError counts a refused enqueue.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// Worker Metrics Functions.

// UpdateWorkerCount sets the number of workers.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// IncWorkerBusy and DecWorkerBusy track workers executing a run.
func IncWorkerBusy() { globalManager.workerBusy.Inc() }
func DecWorkerBusy() { globalManager.workerBusy.Dec() }

// RecordWorkerRunLatency observes the time a worker spent on one request.
func RecordWorkerRunLatency(elapsed time.Duration) {
	globalManager.workerRunLatency.Observe(elapsed.Seconds())
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// Scheduler.

// RecordSchedulerTick counts a scheduled sweep.
func RecordSchedulerTick() {
	globalManager.schedulerTicks.Inc()
}

// RecordSchedulerEnqueue counts a scheduled request outcome (enqueued, duplicate, rejected).
func RecordSchedulerEnqueue(outcome string) {
	globalManager.schedulerEnqueue.WithLabelValues(outcome).Inc()
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest counts an ops HTTP request and observes its latency.
func RecordHTTPRequest(endpoint, method, status string, elapsed time.Duration) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, status).Inc()
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method).Observe(elapsed.Seconds())
}

// System Performance Metrics Functions.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// RefreshInterval is how often system gauges should be sampled.
func RefreshInterval() time.Duration {
	return globalManager.refreshInterval
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
