// Package app assembles the sync engine from configuration: the record
// store, the API client, the worker bridge, the upload queue, the
// observation service and, for the daemon, the local HTTP API.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tphakala/wow-sync/internal/codec"
	"github.com/tphakala/wow-sync/internal/conf"
	"github.com/tphakala/wow-sync/internal/datastore"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/httpclient"
	"github.com/tphakala/wow-sync/internal/inat"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/observability"
	"github.com/tphakala/wow-sync/internal/observation"
	"github.com/tphakala/wow-sync/internal/reconcile"
	"github.com/tphakala/wow-sync/internal/uploadqueue"
	"github.com/tphakala/wow-sync/internal/worker"
)

// App holds the wired components. Build it with New and release it with Close.
type App struct {
	Settings *conf.Settings
	Log      logger.Logger

	Store     *datastore.Store
	Client    *inat.Client
	Session   *inat.Session
	Bridge    *worker.Bridge
	Processor *uploadqueue.Processor
	Service   *observation.Service
	Puller    *reconcile.Puller
	Metrics   *observability.Metrics

	closeOnce sync.Once
	closers   []func() error
}

// Option adjusts how New wires the application
type Option func(*options)

type options struct {
	log        logger.Logger
	httpClient *httpclient.Client
	online     func(ctx context.Context) bool
}

// WithLogger uses log instead of building one from the logging settings
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithHTTPClient replaces the HTTP client of the API client
func WithHTTPClient(c *httpclient.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithOnlineCheck replaces the connectivity probe of the upload queue
func WithOnlineCheck(fn func(ctx context.Context) bool) Option {
	return func(o *options) { o.online = fn }
}

// New wires every component from settings. The worker bridge is started
// here; the upload queue runner is not.
func New(ctx context.Context, settings *conf.Settings, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Settings: settings}

	if o.log == nil {
		central, err := newCentralLogger(settings)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, central.Close)
		o.log = central.Module("wowsync")
	}
	a.Log = o.log

	if settings.Sentry.Enabled {
		flush, err := initSentry(settings.Sentry.DSN, settings.Build.Release(), a.Log)
		if err != nil {
			a.Log.Warn("Error telemetry disabled", logger.Error(err))
		} else {
			a.closers = append(a.closers, flush)
		}
	}

	if settings.Metrics.Enabled {
		m, err := observability.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		a.Metrics = m
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	taxa, err := loadTaxa(settings.Taxa.Path)
	if err != nil {
		a.Log.Warn("Species lookup disabled", logger.String("path", settings.Taxa.Path), logger.Error(err))
	}

	a.Session = loadSession(settings.Session.Path, a.Log)
	tokens := a.tokenSource()

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = httpclient.New(&httpclient.Config{
			DefaultTimeout: settings.API.Timeout,
			UserAgent:      settings.Build.UserAgent(),
		})
		a.closers = append(a.closers, func() error { httpClient.Close(); return nil })
	}
	a.Client = inat.NewClient(inat.Config{
		BaseURL:           settings.API.BaseURL,
		PerPage:           settings.API.PerPage,
		RequestsPerSecond: settings.API.RequestsPerSecond,
		Burst:             settings.API.Burst,
		HTTP:              httpClient,
	}, tokens, a.Log)

	var compressor uploadqueue.Compressor
	if settings.Features.Compression {
		a.Bridge = worker.NewBridge(worker.Config{
			Workers:   settings.Worker.Workers,
			QueueSize: settings.Worker.QueueSize,
		}, a.Log)
		a.Bridge.Start(ctx)
		a.closers = append(a.closers, func() error { a.Bridge.Stop(); return nil })
		compressor = a.Bridge
	}

	procOpts := []uploadqueue.Option{uploadqueue.WithSessionCheck(a.Session.SignedIn)}
	if a.Metrics != nil {
		procOpts = append(procOpts, uploadqueue.WithObserver(newSyncObserver(a.Metrics.Sync)))
	}
	if o.online != nil {
		procOpts = append(procOpts, uploadqueue.WithOnlineCheck(o.online))
	}
	a.Processor = uploadqueue.New(a.Store, a.Client, compressor, uploadqueue.Config{
		Retry: uploadqueue.RetryPolicy{
			BaseDelay:   settings.Sync.BaseDelay,
			MaxDelay:    settings.Sync.MaxDelay,
			MaxAttempts: settings.Sync.MaxAttempts,
		},
		CallTimeout:  settings.Sync.CallTimeout,
		Interval:     settings.Sync.Interval,
		MaxDimension: settings.Worker.MaxDimension,
		Quality:      settings.Worker.Quality,
		ServerFields: settings.Sync.ServerFields,
	}, a.Log, procOpts...)

	serviceOpts := []observation.Option{observation.WithOnChange(a.Processor.Trigger)}
	if taxa != nil {
		serviceOpts = append(serviceOpts, observation.WithTaxa(taxa))
	}
	a.Service = observation.NewService(a.Store, a.Log, serviceOpts...)

	a.Puller = reconcile.NewPuller(a.Store, a.Client, reconcile.NewMerger(settings.Sync.ServerFields), a.Log)

	a.Log.Info("Sync engine ready",
		logger.String("store_engine", a.Store.Engine()),
		logger.Bool("store_degraded", a.Store.Degraded()),
		logger.Bool("signed_in", a.Session.SignedIn()),
		logger.Bool("compression", settings.Features.Compression),
		logger.Bool("pull", settings.Features.Pull))
	return a, nil
}

func newCentralLogger(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = string(logger.LogLevelDebug)
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = string(logger.LogLevelDebug)
			cfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(central)
	return central, nil
}

func (a *App) openStore(ctx context.Context) error {
	s := a.Settings.Store
	opts := datastore.Options{
		Engine:       s.Engine,
		Path:         s.Path,
		MinFreeBytes: s.MinFreeBytes,
		MaxRecords:   s.MaxRecords,
		MaxBlobBytes: s.MaxBlobBytes,
		SnapshotPath: s.SnapshotPath,
		Debug:        s.Debug || a.Settings.Debug,
	}
	if a.Metrics != nil {
		opts.Metrics = a.Metrics.Datastore
	}

	store, err := datastore.Open(ctx, opts, a.Log)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)

	if a.Metrics != nil {
		a.Metrics.Datastore.SetDegraded(store.Degraded())
	}
	if store.Degraded() {
		a.Log.Warn("Record store running on the in-memory fallback, records will not survive a restart",
			logger.String("path", s.Path))
	}
	return nil
}

func loadTaxa(path string) (*codec.TaxaIndex, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return codec.DecodeTaxa(data)
}

// loadSession returns the stored session or nil when nobody is signed in
func loadSession(path string, log logger.Logger) *inat.Session {
	if path == "" {
		return nil
	}
	session, err := inat.LoadSession(path)
	if err != nil {
		log.Warn("No usable session, uploads will fail until signed in",
			logger.String("path", path),
			logger.Error(err))
		return nil
	}
	return session
}

func (a *App) tokenSource() oauth2.TokenSource {
	if a.Session == nil {
		return nil
	}
	return a.Session.TokenSource()
}

// RefreshRecordGauges publishes the per-state record counts
func (a *App) RefreshRecordGauges(ctx context.Context) {
	if a.Metrics == nil {
		return
	}
	stats, err := a.Service.Stats(ctx)
	if err != nil {
		a.Log.Warn("Failed to count records", logger.Error(err))
		return
	}
	counts := make(map[string]int, len(stats.ByState))
	for state, n := range stats.ByState {
		counts[string(state)] = n
	}
	a.Metrics.Sync.SetRecordStates(counts)
}

// Close releases every component in reverse wiring order
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// shutdownContext bounds the graceful shutdown of the daemon
func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Run wires the application, calls fn and closes everything afterwards
func Run(ctx context.Context, settings *conf.Settings, fn func(a *App) error) error {
	a, err := New(ctx, settings)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.Close(); err != nil {
		a.Log.Warn("Failed to close cleanly", logger.Error(err))
	}
	return runErr
}
