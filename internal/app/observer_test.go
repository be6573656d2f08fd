package app

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/observability/metrics"
	"github.com/tphakala/wow-sync/internal/uploadqueue"
)

func TestSyncObserverFeedsMetrics(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	m, err := metrics.NewSyncMetrics(registry)
	require.NoError(t, err)
	o := newSyncObserver(m)

	o.ActionDone(model.ActionCreate, nil, 20*time.Millisecond)
	o.ActionDone(model.ActionAddPhoto, errors.Newf("boom").Category(errors.CategoryNetwork).Build(), time.Second)
	o.PassDone(uploadqueue.Summary{Succeeded: 1, Failed: 1, Retried: 1, Duration: time.Second})
	o.PassDone(uploadqueue.Summary{Offline: true})
	o.PassDone(uploadqueue.Summary{SignedOut: true})
	o.PhotoCompressed(false, 1000, 400)

	count, err := testutil.GatherAndCount(registry, "wowsync_sync_actions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(registry, "wowsync_sync_action_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(registry, "wowsync_sync_passes_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "completed, offline and signed out")
}
