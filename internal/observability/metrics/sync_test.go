package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAction(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSyncMetrics(registry)
	require.NoError(t, err)

	m.RecordAction("create", "", 0.5)
	m.RecordAction("create", "network", 1.5)
	m.RecordAction("addPhoto", "validation", 0.1)

	assert.InDelta(t, 1, testutil.ToFloat64(m.actionsTotal.WithLabelValues("create", StatusSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.actionsTotal.WithLabelValues("create", StatusError)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.actionErrorsTotal.WithLabelValues("create", "network")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.actionErrorsTotal.WithLabelValues("addPhoto", "validation")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(m.actionDuration))
}

func TestRecordPass(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSyncMetrics(registry)
	require.NoError(t, err)

	m.RecordPass(PassOutcome{Succeeded: 2, Failed: 1, Retried: 1, Seconds: 3, FinishedUnix: 1700000000})
	m.RecordSkippedPass(PassOffline)
	m.RecordSkippedPass(PassOffline)

	assert.InDelta(t, 1, testutil.ToFloat64(m.passesTotal.WithLabelValues(PassCompleted)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.passesTotal.WithLabelValues(PassOffline)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.passRecordsTotal.WithLabelValues("succeeded")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.passRecordsTotal.WithLabelValues("skipped")), 0)
	assert.InDelta(t, 1700000000, testutil.ToFloat64(m.lastPassTimestamp), 0)
}

func TestRecordPhoto(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSyncMetrics(registry)
	require.NoError(t, err)

	m.RecordPhoto(false, 4000, 1000)
	m.RecordPhoto(true, 500, 500)

	assert.InDelta(t, 1, testutil.ToFloat64(m.photosTotal.WithLabelValues(ResultCompressed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.photosTotal.WithLabelValues(ResultFallback)), 0)
	assert.InDelta(t, 3000, testutil.ToFloat64(m.photoBytesSaved), 0)
}

func TestSetRecordStatesReplacesCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSyncMetrics(registry)
	require.NoError(t, err)

	m.SetRecordStates(map[string]int{"PendingSync": 4, "Error": 1})
	assert.InDelta(t, 4, m.Records("PendingSync"), 0)

	m.SetRecordStates(map[string]int{"Synced": 5})
	assert.InDelta(t, 5, m.Records("Synced"), 0)
	assert.InDelta(t, 0, m.Records("Error"), 0, "stale states are cleared")
}

func TestDatastoreMetricsImplementRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewDatastoreMetrics(registry)
	require.NoError(t, err)

	var r Recorder = m
	r.RecordOperation("put_blob", StatusError)
	r.RecordError("put_blob", "storage")
	r.RecordError("get", "")
	r.RecordDuration("put_blob", 0.01)
	m.SetDegraded(true)

	assert.InDelta(t, 1, testutil.ToFloat64(m.operationsTotal.WithLabelValues("put_blob", StatusError)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.errorsTotal.WithLabelValues("get", "unknown")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.degradedGauge), 0)
}

func TestHTTPInFlight(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewHTTPMetrics(registry)
	require.NoError(t, err)

	m.RequestStarted()
	m.RequestStarted()
	assert.InDelta(t, 2, m.InFlight(), 0)

	m.RecordHTTPRequest("GET", "/api/v1/status", 200, 0.01)
	assert.InDelta(t, 1, m.InFlight(), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/v1/status", "200")), 0)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewSyncMetrics(registry)
	require.NoError(t, err)
	_, err = NewSyncMetrics(registry)
	assert.Error(t, err)
}
