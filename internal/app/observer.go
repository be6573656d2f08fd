package app

import (
	"time"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/observability/metrics"
	"github.com/tphakala/wow-sync/internal/uploadqueue"
)

// syncObserver feeds upload queue events into the sync metrics
type syncObserver struct {
	m *metrics.SyncMetrics
}

func newSyncObserver(m *metrics.SyncMetrics) *syncObserver {
	return &syncObserver{m: m}
}

func (o *syncObserver) ActionDone(kind model.ActionKind, err error, elapsed time.Duration) {
	category := ""
	if err != nil {
		category = string(errors.CategoryOf(err))
		if category == "" {
			category = string(errors.CategoryGeneric)
		}
	}
	o.m.RecordAction(string(kind), category, elapsed.Seconds())
}

func (o *syncObserver) PassDone(s uploadqueue.Summary) {
	switch {
	case s.AlreadyRunning:
		o.m.RecordSkippedPass(metrics.PassAlreadyRunning)
	case s.Offline:
		o.m.RecordSkippedPass(metrics.PassOffline)
	case s.SignedOut:
		o.m.RecordSkippedPass(metrics.PassSignedOut)
	default:
		o.m.RecordPass(metrics.PassOutcome{
			Succeeded:    s.Succeeded,
			Failed:       s.Failed,
			Retried:      s.Retried,
			Skipped:      s.Skipped,
			Seconds:      s.Duration.Seconds(),
			FinishedUnix: float64(time.Now().Unix()),
		})
	}
}

func (o *syncObserver) PhotoCompressed(fallback bool, before, after int) {
	o.m.RecordPhoto(fallback, before, after)
}
