package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics tracks upload queue activity
type SyncMetrics struct {
	registry *prometheus.Registry

	actionsTotal       *prometheus.CounterVec
	actionDuration     *prometheus.HistogramVec
	actionErrorsTotal  *prometheus.CounterVec
	passesTotal        *prometheus.CounterVec
	passDuration       prometheus.Histogram
	passRecordsTotal   *prometheus.CounterVec
	lastPassTimestamp  prometheus.Gauge
	photosTotal        *prometheus.CounterVec
	photoBytesSaved    prometheus.Counter
	photoSizeHistogram *prometheus.HistogramVec
	recordsGauge       *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewSyncMetrics creates and registers new sync metrics
func NewSyncMetrics(registry *prometheus.Registry) (*SyncMetrics, error) {
	m := &SyncMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SyncMetrics) initMetrics() {
	m.actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wowsync_sync_actions_total",
			Help: "Total number of network actions attempted",
		},
		[]string{"kind", "status"}, // kind: create, updateField, addPhoto, deletePhoto, delete
	)

	m.actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wowsync_sync_action_duration_seconds",
			Help:    "Time taken for a single network action",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15), // 10ms to ~160s
		},
		[]string{"kind"},
	)

	m.actionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wowsync_sync_action_errors_total",
			Help: "Total number of failed network actions by error category",
		},
		[]string{"kind", "category"},
	)

	m.passesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wowsync_sync_passes_total",
			Help: "Total number of queue passes",
		},
		[]string{"result"}, // result: completed, offline, already_running
	)

	m.passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wowsync_sync_pass_duration_seconds",
			Help:    "Time taken for a completed queue pass",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount15),
		},
	)

	m.passRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wowsync_sync_records_total",
			Help: "Total number of records processed by outcome",
		},
		[]string{"outcome"}, // outcome: succeeded, failed, retried, skipped
	)

	m.lastPassTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wowsync_sync_last_pass_timestamp_seconds",
			Help: "Unix time of the last completed queue pass",
		},
	)

	m.photosTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wowsync_photos_processed_total",
			Help: "Total number of photos prepared for upload",
		},
		[]string{"result"}, // result: compressed, fallback
	)

	m.photoBytesSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wowsync_photo_bytes_saved_total",
			Help: "Bytes saved by photo recompression",
		},
	)

	m.photoSizeHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wowsync_photo_size_bytes",
			Help:    "Photo sizes before and after recompression",
			Buckets: prometheus.ExponentialBuckets(BucketStart1KB, BucketFactor4, BucketCount10), // 1KB to ~256MB
		},
		[]string{"stage"}, // stage: original, upload
	)

	m.recordsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wowsync_records",
			Help: "Number of stored records by lifecycle state",
		},
		[]string{"state"},
	)

	m.collectors = []prometheus.Collector{
		m.actionsTotal,
		m.actionDuration,
		m.actionErrorsTotal,
		m.passesTotal,
		m.passDuration,
		m.passRecordsTotal,
		m.lastPassTimestamp,
		m.photosTotal,
		m.photoBytesSaved,
		m.photoSizeHistogram,
		m.recordsGauge,
	}
}

// Describe implements the Collector interface
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordAction records one network action. category is empty on success.
func (m *SyncMetrics) RecordAction(kind, category string, seconds float64) {
	m.actionDuration.WithLabelValues(kind).Observe(seconds)
	if category == "" {
		m.actionsTotal.WithLabelValues(kind, StatusSuccess).Inc()
		return
	}
	m.actionsTotal.WithLabelValues(kind, StatusError).Inc()
	m.actionErrorsTotal.WithLabelValues(kind, category).Inc()
}

// PassOutcome are the record counts of one completed pass
type PassOutcome struct {
	Succeeded, Failed, Retried, Skipped int
	Seconds                             float64
	// FinishedUnix is the completion time as Unix seconds
	FinishedUnix float64
}

// RecordPass records a completed queue pass
func (m *SyncMetrics) RecordPass(o PassOutcome) {
	m.passesTotal.WithLabelValues(PassCompleted).Inc()
	m.passDuration.Observe(o.Seconds)
	m.passRecordsTotal.WithLabelValues("succeeded").Add(float64(o.Succeeded))
	m.passRecordsTotal.WithLabelValues("failed").Add(float64(o.Failed))
	m.passRecordsTotal.WithLabelValues("retried").Add(float64(o.Retried))
	m.passRecordsTotal.WithLabelValues("skipped").Add(float64(o.Skipped))
	m.lastPassTimestamp.Set(o.FinishedUnix)
}

// RecordSkippedPass records a pass that did not run, result is PassOffline,
// PassAlreadyRunning or PassSignedOut
func (m *SyncMetrics) RecordSkippedPass(result string) {
	m.passesTotal.WithLabelValues(result).Inc()
}

// RecordPhoto records a photo prepared for upload
func (m *SyncMetrics) RecordPhoto(fallback bool, before, after int) {
	m.photoSizeHistogram.WithLabelValues("original").Observe(float64(before))
	m.photoSizeHistogram.WithLabelValues("upload").Observe(float64(after))
	if fallback {
		m.photosTotal.WithLabelValues(ResultFallback).Inc()
		return
	}
	m.photosTotal.WithLabelValues(ResultCompressed).Inc()
	if before > after {
		m.photoBytesSaved.Add(float64(before - after))
	}
}

// SetRecordStates replaces the per-state record counts
func (m *SyncMetrics) SetRecordStates(counts map[string]int) {
	m.recordsGauge.Reset()
	for state, n := range counts {
		m.recordsGauge.WithLabelValues(state).Set(float64(n))
	}
}

// Records returns the last reported count for state
func (m *SyncMetrics) Records(state string) float64 {
	return gaugeValue(m.recordsGauge.WithLabelValues(state))
}
