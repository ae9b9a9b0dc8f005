package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Config holds metrics configuration.
type Config struct {
	EnableEpochLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config              Config
	filesFetched        *prometheus.CounterVec
	fetchBytes          *prometheus.CounterVec
	fetchDuration       *prometheus.HistogramVec
	fetchErrors         *prometheus.CounterVec
	checkpointsVerified prometheus.Counter
	checkpointsInserted prometheus.Counter
	verifyFailures      *prometheus.CounterVec
	manifestRefreshes   *prometheus.CounterVec
	latestAvailable     prometheus.Gauge
	readsTotal          *prometheus.CounterVec
	readDuration        prometheus.Histogram
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableEpochLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// This is useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableEpochLabel: true})
}

// newMetricsWithRegistry creates a new metrics instance with a custom registry (for testing).
func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		filesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_files_fetched_total",
				Help: "Total number of archive files fetched from the remote store",
			},
			[]string{"file_type", "epoch"},
		),
		fetchBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_fetch_bytes_total",
				Help: "Total bytes fetched from the remote store",
			},
			[]string{"file_type"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_fetch_duration_seconds",
				Help:    "Archive file fetch duration in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"file_type"},
		),
		fetchErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_fetch_errors_total",
				Help: "Total number of archive fetches that exhausted their retry budget",
			},
			[]string{"file_type"},
		),
		checkpointsVerified: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "archive_checkpoints_verified_total",
				Help: "Total number of checkpoint summaries that passed chain verification",
			},
		),
		checkpointsInserted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "archive_checkpoints_inserted_total",
				Help: "Total number of verified checkpoints written to the local store",
			},
		),
		verifyFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_verification_failures_total",
				Help: "Total number of checkpoints rejected during verification",
			},
			[]string{"reason"},
		),
		manifestRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_manifest_refreshes_total",
				Help: "Total number of manifest refresh attempts",
			},
			[]string{"status"},
		),
		latestAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "archive_latest_available_checkpoint",
				Help: "Highest checkpoint sequence number in the current manifest snapshot",
			},
		),
		readsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_reads_total",
				Help: "Total number of archive read calls",
			},
			[]string{"status"},
		),
		readDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archive_read_duration_seconds",
				Help:    "End-to-end archive read duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordFetch records a completed archive file fetch.
func (m *Metrics) RecordFetch(fileType string, epoch uint64, bytes int, duration time.Duration) {
	epochLabel := "*"
	if m.config.EnableEpochLabel {
		epochLabel = formatEpoch(epoch)
	}
	m.filesFetched.WithLabelValues(fileType, epochLabel).Inc()
	m.fetchBytes.WithLabelValues(fileType).Add(float64(bytes))
	m.fetchDuration.WithLabelValues(fileType).Observe(duration.Seconds())
}

// RecordFetchError records a fetch that exhausted its retry budget.
func (m *Metrics) RecordFetchError(fileType string) {
	m.fetchErrors.WithLabelValues(fileType).Inc()
}

// RecordCheckpointVerified records a summary that passed chain verification.
func (m *Metrics) RecordCheckpointVerified() {
	m.checkpointsVerified.Inc()
}

// RecordCheckpointInserted records a verified checkpoint written to the store.
func (m *Metrics) RecordCheckpointInserted() {
	m.checkpointsInserted.Inc()
}

// RecordVerificationFailure records a rejected checkpoint.
func (m *Metrics) RecordVerificationFailure(reason string) {
	m.verifyFailures.WithLabelValues(reason).Inc()
}

// RecordManifestRefresh records one manifest refresh attempt.
func (m *Metrics) RecordManifestRefresh(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.manifestRefreshes.WithLabelValues(status).Inc()
}

// SetLatestAvailable publishes the highest checkpoint in the manifest.
func (m *Metrics) SetLatestAvailable(seq uint64) {
	m.latestAvailable.Set(float64(seq))
}

// RecordRead records one archive read call.
func (m *Metrics) RecordRead(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.readsTotal.WithLabelValues(status).Inc()
	m.readDuration.Observe(duration.Seconds())
}

func formatEpoch(epoch uint64) string {
	// Label cardinality is bounded by the archive's epoch count.
	return "epoch_" + strconv.FormatUint(epoch, 10)
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
