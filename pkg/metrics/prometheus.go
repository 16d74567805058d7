// Package metrics provides Prometheus metrics for the touchpoint attribution service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh outcomes used as label values.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCoalesced = "coalesced"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      map[string]string
	registry         prometheus.Registerer

	// Ingestion
	eventsIngested  prometheus.Counter
	eventsDuplicate prometheus.Counter
	eventsRejected  *prometheus.CounterVec

	// Queue and workers
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueueErrors *prometheus.CounterVec
	workerCount        prometheus.Gauge
	workerErrors       prometheus.Counter

	// Staging writes
	stagingRowsWritten  prometheus.Counter
	stagingWriteErrors  prometheus.Counter
	stagingWriteLatency prometheus.Histogram

	// Warehouse queries
	queryLatency  *prometheus.HistogramVec
	queryFailures *prometheus.CounterVec

	// Result cache
	cacheRequests *prometheus.CounterVec
	cacheEntries  prometheus.Gauge

	// Refresh coordinator
	refreshCycles       *prometheus.CounterVec
	refreshDuration     prometheus.Histogram
	refreshLastSuccess  prometheus.Gauge
	autoRefreshEnabled  prometheus.Gauge
	autoRefreshInterval prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "touchpoint",
		subsystem:        "attribution",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		constLabels:      map[string]string{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
		Buckets: m.histogramBuckets,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // flat list of collectors
	m.eventsIngested = m.counter("events_ingested_total", "Events accepted by the ingestor")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Events dropped because their event_id was already seen")
	m.eventsRejected = m.counterVec("events_rejected_total", "Events rejected before staging", "reason")

	m.queueSize = m.gauge("queue_size", "Current number of events waiting for a staging write")
	m.queueCapacity = m.gauge("queue_capacity", "Capacity of the ingest queue")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Failed enqueue attempts", "reason")
	m.workerCount = m.gauge("worker_count", "Number of staging writer workers")
	m.workerErrors = m.counter("worker_errors_total", "Staging writer failures")

	m.stagingRowsWritten = m.counter("staging_rows_written_total", "Rows appended to the staging store")
	m.stagingWriteErrors = m.counter("staging_write_errors_total", "Failed staging store writes")
	m.stagingWriteLatency = m.histogram("staging_write_latency_milliseconds", "Staging store write latency in milliseconds")

	m.queryLatency = m.histogramVec("query_latency_milliseconds", "Warehouse query latency in milliseconds", "operation")
	m.queryFailures = m.counterVec("query_failures_total", "Warehouse queries that returned an error", "operation")

	m.cacheRequests = m.counterVec("cache_requests_total", "Result cache lookups", "operation", "result")
	m.cacheEntries = m.gauge("cache_entries", "Entries currently held by the result cache")

	m.refreshCycles = m.counterVec("refresh_cycles_total", "Refresh triggers by trigger kind and outcome", "trigger", "outcome")
	m.refreshDuration = m.histogram("refresh_duration_milliseconds", "Duration of completed refresh cycles in milliseconds")
	m.refreshLastSuccess = m.gauge("refresh_last_success_unix", "Unix time of the last successful refresh")
	m.autoRefreshEnabled = m.gauge("auto_refresh_enabled", "1 when the auto refresh loop is running")
	m.autoRefreshInterval = m.gauge("auto_refresh_interval_seconds", "Configured auto refresh interval")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status code",
		"endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds",
		"endpoint", "method", "status_code")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// RecordEventIngested increments the ingested events counter.
func RecordEventIngested() {
	globalManager.eventsIngested.Inc()
}

// RecordEventDuplicate increments the duplicate events counter.
func RecordEventDuplicate() {
	globalManager.eventsDuplicate.Inc()
}

// RecordEventRejected counts an event rejected for reason.
func RecordEventRejected(reason string) {
	globalManager.eventsRejected.WithLabelValues(reason).Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueueError counts a failed enqueue.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordStagingWrite records a successful staging write of rows.
func RecordStagingWrite(rows int, latencyMs float64) {
	globalManager.stagingRowsWritten.Add(float64(rows))
	globalManager.stagingWriteLatency.Observe(latencyMs)
}

// RecordStagingWriteError increments the staging write error counter.
func RecordStagingWriteError() {
	globalManager.stagingWriteErrors.Inc()
}

// RecordQueryLatency observes the latency of a warehouse query.
func RecordQueryLatency(operation string, latencyMs float64) {
	globalManager.queryLatency.WithLabelValues(operation).Observe(latencyMs)
}

// RecordQueryFailure counts a failed warehouse query.
func RecordQueryFailure(operation string) {
	globalManager.queryFailures.WithLabelValues(operation).Inc()
}

// RecordCacheHit counts a fresh cache read.
func RecordCacheHit(operation string) {
	globalManager.cacheRequests.WithLabelValues(operation, "hit").Inc()
}

// RecordCacheMiss counts a cache miss.
func RecordCacheMiss(operation string) {
	globalManager.cacheRequests.WithLabelValues(operation, "miss").Inc()
}

// UpdateCacheEntries sets the number of cache entries.
func UpdateCacheEntries(n int) {
	globalManager.cacheEntries.Set(float64(n))
}

// RecordRefreshCycle counts a refresh trigger and, for executed cycles, its duration.
func RecordRefreshCycle(trigger, outcome string, durationMs float64) {
	globalManager.refreshCycles.WithLabelValues(trigger, outcome).Inc()
	if outcome != OutcomeCoalesced {
		globalManager.refreshDuration.Observe(durationMs)
	}
}

// UpdateLastRefreshSuccess records when the last successful refresh finished.
func UpdateLastRefreshSuccess(unix float64) {
	globalManager.refreshLastSuccess.Set(unix)
}

// UpdateAutoRefresh reflects the auto refresh settings.
func UpdateAutoRefresh(enabled bool, intervalSeconds float64) {
	v := 0.0
	if enabled {
		v = 1
	}
	globalManager.autoRefreshEnabled.Set(v)
	globalManager.autoRefreshInterval.Set(intervalSeconds)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// UpdateSystemMemoryUsage sets the heap usage gauge.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// GetRegistry returns the registry backing the package-level recorders.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
