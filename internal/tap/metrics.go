package tap

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
)

const maxTrackedEntrySize = 64 << 20

// Metrics collects run counters for the textfile exporter and entry size percentiles.
type Metrics struct {
	registry       *prometheus.Registry
	entriesDecoded prometheus.Counter
	entriesDropped prometheus.Counter
	records        prometheus.Counter
	batches        prometheus.Counter
	errors         *prometheus.CounterVec
	batchSeconds   prometheus.Histogram
	lastRun        prometheus.Gauge

	mu         sync.Mutex
	entrySizes *hdrhistogram.Histogram
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		entriesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldif_entries_decoded_total",
			Help: "Entries decoded from LDIF sources.",
		}),
		entriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldif_entries_filtered_total",
			Help: "Entries rejected by the configured filters.",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldif_records_emitted_total",
			Help: "RECORD messages written.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldif_batches_emitted_total",
			Help: "Batches written, each followed by a STATE message.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldif_errors_total",
			Help: "Recoverable errors by type.",
		}, []string{"type"}),
		batchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ldif_batch_emit_seconds",
			Help:    "Time spent writing a batch and its state.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ldif_last_run_timestamp_seconds",
			Help: "Unix time the run finished.",
		}),
		entrySizes: hdrhistogram.New(1, maxTrackedEntrySize, 3),
	}
	m.registry.MustRegister(m.entriesDecoded, m.entriesDropped, m.records, m.batches, m.errors, m.batchSeconds, m.lastRun)
	return m
}

// ObserveEntry records a decoded entry of size bytes.
func (m *Metrics) ObserveEntry(size int64) {
	m.entriesDecoded.Inc()
	if size < 1 {
		size = 1
	}
	if size > maxTrackedEntrySize {
		size = maxTrackedEntrySize
	}
	m.mu.Lock()
	_ = m.entrySizes.RecordValue(size)
	m.mu.Unlock()
}

// ObserveDropped records an entry rejected by the filters.
func (m *Metrics) ObserveDropped() {
	m.entriesDropped.Inc()
}

// ObserveBatch records an emitted batch of n records.
func (m *Metrics) ObserveBatch(n int, elapsed time.Duration) {
	m.batches.Inc()
	m.records.Add(float64(n))
	m.batchSeconds.Observe(elapsed.Seconds())
}

// RecordErrors copies the error counts of summary into the counters.
func (m *Metrics) RecordErrors(summary ErrorSummary) {
	for t, n := range summary.ErrorsByType {
		m.errors.WithLabelValues(t.String()).Add(float64(n))
	}
}

// EntrySizes returns the median, 99th percentile and maximum entry size.
func (m *Metrics) EntrySizes() (p50, p99, largest int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entrySizes.TotalCount() == 0 {
		return 0, 0, 0
	}
	return m.entrySizes.ValueAtQuantile(50), m.entrySizes.ValueAtQuantile(99), m.entrySizes.Max()
}

// WriteTextfile writes the metrics in the node exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	m.lastRun.SetToCurrentTime()
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
