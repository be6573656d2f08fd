// Package metrics provides datastore metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for record store operations.
// It implements Recorder.
type DatastoreMetrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	degradedGauge     prometheus.Gauge

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

var _ Recorder = (*DatastoreMetrics)(nil)

// NewDatastoreMetrics creates and registers new datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *DatastoreMetrics) initMetrics() {
	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wowsync_datastore_operations_total",
			Help: "Total number of record store operations",
		},
		[]string{"operation", "status"}, // operation: get, set, update, get_all, get_blob, put_blob
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wowsync_datastore_operation_duration_seconds",
			Help:    "Time taken for record store operations",
			Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount12), // 1ms to ~2s
		},
		[]string{"operation"},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wowsync_datastore_errors_total",
			Help: "Total number of record store errors by category",
		},
		[]string{"operation", "category"},
	)

	m.degradedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wowsync_datastore_degraded",
			Help: "1 when the store runs on the in-memory fallback engine",
		},
	)

	m.collectors = []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.errorsTotal,
		m.degradedGauge,
	}
}

// Describe implements the Collector interface
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordOperation records a store operation
func (m *DatastoreMetrics) RecordOperation(operation, status string) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDuration records the duration of a store operation
func (m *DatastoreMetrics) RecordDuration(operation string, seconds float64) {
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError records a failed store operation
func (m *DatastoreMetrics) RecordError(operation, errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetDegraded records whether the fallback engine is in use
func (m *DatastoreMetrics) SetDegraded(degraded bool) {
	if degraded {
		m.degradedGauge.Set(1)
		return
	}
	m.degradedGauge.Set(0)
}
