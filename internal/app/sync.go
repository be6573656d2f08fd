package app

import (
	"context"
	"time"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/httpserver"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/reconcile"
	"github.com/tphakala/wow-sync/internal/uploadqueue"
)

// SyncReport describes one foreground sync
type SyncReport struct {
	Local  uploadqueue.LocalSummary
	Queue  uploadqueue.Summary
	Pull   *reconcile.PullReport
	Pulled bool
}

// Recover restores records a previous run left mid-pass. Call it before
// any pass runs.
func (a *App) Recover(ctx context.Context) error {
	n, err := a.Service.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.Log.Info("Recovered interrupted records", logger.Int("count", n))
	}
	return nil
}

// SyncOnce compresses pending photos, runs one upload pass and, when the
// pull feature is on and a user is signed in, reconciles with the server.
func (a *App) SyncOnce(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	defer a.RefreshRecordGauges(ctx)

	local, err := a.Processor.ProcessLocal(ctx)
	report.Local = local
	if err != nil {
		return report, err
	}

	summary, err := a.Processor.ProcessQueue(ctx)
	report.Queue = summary
	if err != nil {
		return report, err
	}

	if !a.Settings.Features.Pull || summary.Offline || !a.Session.SignedIn() {
		return report, nil
	}
	pull, err := a.Pull(ctx)
	if err != nil {
		// the upload pass itself succeeded
		a.Log.Warn("Reconcile after sync failed", logger.Error(err))
		return report, nil
	}
	report.Pull = &pull
	report.Pulled = true
	return report, nil
}

// ErrPassInProgress is returned by Pull while an upload pass holds the store
var ErrPassInProgress = errors.NewStd("sync pass in progress")

// Pull reconciles the local store with the signed-in user's observations.
// It shares the upload queue's pass guard, so a pull and a queue pass never
// overlap.
func (a *App) Pull(ctx context.Context) (reconcile.PullReport, error) {
	if !a.Session.SignedIn() {
		return reconcile.PullReport{}, errors.Newf("pull requires a signed-in session").
			Component("app").
			Category(errors.CategoryAuth).
			Build()
	}
	var report reconcile.PullReport
	ran, err := a.Processor.Exclusive(func() error {
		var err error
		report, err = a.Puller.Pull(ctx, a.Session.UserID)
		return err
	})
	if !ran {
		return report, ErrPassInProgress
	}
	if err != nil {
		return report, err
	}
	a.RefreshRecordGauges(ctx)
	return report, nil
}

// RunDaemon starts the upload queue runner and, when enabled, the local HTTP
// API, and blocks until ctx is cancelled.
func (a *App) RunDaemon(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		return err
	}

	a.Processor.Start(ctx)
	defer a.Processor.Stop()

	var server *httpserver.Server
	if a.Settings.Server.Enabled {
		opts := []httpserver.Option{
			httpserver.WithStoreEngine(a.Store.Engine()),
			httpserver.WithLogger(a.Log),
		}
		if a.Metrics != nil {
			opts = append(opts, httpserver.WithMetrics(a.Metrics))
		}
		server = httpserver.New(httpserver.Config{Listen: a.Settings.Server.Listen}, a.Service, a.Processor, opts...)
		server.Start()
	}

	gaugeTicker := time.NewTicker(time.Minute)
	defer gaugeTicker.Stop()
	a.RefreshRecordGauges(ctx)

	var pullTicker <-chan time.Time
	if a.Settings.Features.Pull && a.Session.SignedIn() {
		t := time.NewTicker(a.Settings.Sync.Interval * 6)
		defer t.Stop()
		pullTicker = t.C
	}

	for {
		select {
		case <-ctx.Done():
			a.Log.Info("Shutting down sync daemon")
			if server != nil {
				shutdownCtx, cancel := shutdownContext()
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return err
				}
			}
			return nil
		case <-gaugeTicker.C:
			a.RefreshRecordGauges(ctx)
		case <-pullTicker:
			if report, err := a.Pull(ctx); errors.Is(err, ErrPassInProgress) {
				a.Log.Debug("Periodic reconcile skipped, queue pass running")
			} else if err != nil {
				a.Log.Warn("Periodic reconcile failed", logger.Error(err))
			} else {
				a.Log.Info("Periodic reconcile finished",
					logger.Int("fetched", report.Fetched),
					logger.Int("inserted", report.Inserted),
					logger.Int("updated", report.Updated),
					logger.Int("pruned", report.Pruned))
			}
		}
	}
}
