// Package uploadqueue drives queued observation records to the server.
//
// The queue is not stored anywhere: every pass scans the record store for
// records with outstanding actions, oldest first, and uploads them one at a
// time. Only one pass runs at a time and only one record is Uploading at any
// moment.
package uploadqueue

import (
	"context"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tphakala/wow-sync/internal/datastore"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/inat"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
	"github.com/tphakala/wow-sync/internal/reconcile"
)

const defaultCallTimeout = 2 * time.Minute

// Remote is the server API used by the processor
type Remote interface {
	CreateObservation(ctx context.Context, uuid string, fields map[string]any) (*inat.Observation, error)
	UpdateObservation(ctx context.Context, id int64, fields map[string]any) (*inat.Observation, error)
	DeleteObservation(ctx context.Context, id int64) error
	AddPhoto(ctx context.Context, observationID int64, photoUUID, mimeType string, data []byte) (*inat.ObservationPhoto, error)
	DeletePhoto(ctx context.Context, observationPhotoID int64) error
	Ping(ctx context.Context) error
}

// Compressor shrinks photo bytes
type Compressor interface {
	Resize(ctx context.Context, image []byte, maxDimension, quality int) ([]byte, error)
}

// Store is the record and blob storage the processor works on
type Store interface {
	Get(ctx context.Context, key string) (*model.Record, error)
	GetAll(ctx context.Context) ([]*model.Record, error)
	Update(ctx context.Context, key string, fn func(r *model.Record) error) (*model.Record, error)
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, data []byte) error
	DeleteBlob(ctx context.Context, key string) error
}

// Observer receives processing events, e.g. for metrics
type Observer interface {
	ActionDone(kind model.ActionKind, err error, elapsed time.Duration)
	PassDone(s Summary)
	PhotoCompressed(fallback bool, before, after int)
}

type nopObserver struct{}

func (nopObserver) ActionDone(model.ActionKind, error, time.Duration) {}
func (nopObserver) PassDone(Summary)                                  {}
func (nopObserver) PhotoCompressed(bool, int, int)                    {}

// Config tunes the processor
type Config struct {
	Retry RetryPolicy
	// CallTimeout bounds a single network exchange
	CallTimeout time.Duration
	// Interval between periodic passes of a started processor
	Interval time.Duration
	// MaxDimension and Quality are handed to the compressor
	MaxDimension int
	Quality      int
	// ServerFields are server-computed fields adopted after an exchange
	ServerFields []string
}

// Summary describes one ProcessQueue pass
type Summary struct {
	// Succeeded records finished the pass with every attempted action confirmed
	Succeeded int
	// Failed records hit a failing action; Retried of them stay queued
	Failed  int
	Retried int
	// Skipped records were eligible at snapshot time but could not be claimed,
	// or were released when the pass was cancelled
	Skipped int
	// Actions counts confirmed network actions
	Actions int

	AlreadyRunning bool
	Offline        bool
	// SignedOut passes were skipped because no user session is available
	SignedOut bool
	Duration  time.Duration
}

// Processor uploads queued records
type Processor struct {
	store    Store
	remote   Remote
	bridge   Compressor
	merger   *reconcile.Merger
	clock    Clock
	cfg      Config
	observer Observer
	log      logger.Logger

	running atomic.Bool

	// online checks connectivity before a pass; defaults to remote.Ping
	online func(ctx context.Context) bool
	// signedIn reports whether writes can be authorized
	signedIn func() bool

	runner runnerState
}

// Option configures a Processor
type Option func(*Processor)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithObserver registers an event observer
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// WithSessionCheck skips passes while fn reports that nobody is signed in.
// Without it every pass assumes a session.
func WithSessionCheck(fn func() bool) Option {
	return func(p *Processor) { p.signedIn = fn }
}

// WithOnlineCheck replaces the default connectivity probe
func WithOnlineCheck(fn func(ctx context.Context) bool) Option {
	return func(p *Processor) { p.online = fn }
}

// New creates a processor. bridge may be nil, in which case photos are
// uploaded as captured.
func New(store Store, remote Remote, bridge Compressor, cfg Config, log logger.Logger, opts ...Option) *Processor {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	p := &Processor{
		store:    store,
		remote:   remote,
		bridge:   bridge,
		merger:   reconcile.NewMerger(cfg.ServerFields),
		clock:    realClock{},
		cfg:      cfg,
		observer: nopObserver{},
		signedIn: func() bool { return true },
		log:      log.Module("uploadqueue"),
	}
	p.online = func(ctx context.Context) bool {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return p.remote.Ping(pingCtx) == nil
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Running reports whether a pass is in progress
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Exclusive runs fn while holding the pass guard, so no queue pass starts
// until fn returns. It reports false without calling fn when a pass is
// already running.
func (p *Processor) Exclusive(fn func() error) (bool, error) {
	if !p.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer p.running.Store(false)
	return true, fn()
}

// ProcessQueue runs one upload pass. It returns immediately when a pass is
// already running or the network is offline. Per-record failures are
// recorded on the records; the returned error is reserved for store failures
// that make continuing pointless.
func (p *Processor) ProcessQueue(ctx context.Context) (Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug("Queue pass already running")
		skipped := Summary{AlreadyRunning: true}
		p.observer.PassDone(skipped)
		return skipped, nil
	}
	defer p.running.Store(false)

	start := p.clock.Now()
	var summary Summary

	queue, err := p.snapshot(ctx, start)
	if err != nil {
		return summary, err
	}
	if len(queue) == 0 {
		return summary, nil
	}

	if !p.signedIn() {
		p.log.Info("Not signed in, queue pass skipped", logger.Int("queued", len(queue)))
		signedOut := Summary{SignedOut: true}
		p.observer.PassDone(signedOut)
		return signedOut, nil
	}

	if !p.online(ctx) {
		p.log.Info("Network offline, queue pass skipped", logger.Int("queued", len(queue)))
		offline := Summary{Offline: true}
		p.observer.PassDone(offline)
		return offline, nil
	}

	p.log.Info("Starting queue pass", logger.Int("queued", len(queue)))

	for _, key := range queue {
		if ctx.Err() != nil {
			p.log.Info("Queue pass interrupted", logger.Error(ctx.Err()))
			break
		}

		res, err := p.processRecord(ctx, key)
		if err != nil {
			summary.Duration = p.clock.Now().Sub(start)
			p.observer.PassDone(summary)
			return summary, err
		}
		summary.Actions += res.actions
		switch res.outcome {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomeRetry:
			summary.Failed++
			summary.Retried++
		case outcomeFatal:
			summary.Failed++
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	summary.Duration = p.clock.Now().Sub(start)
	p.observer.PassDone(summary)
	p.log.Info("Queue pass completed",
		logger.Int("succeeded", summary.Succeeded),
		logger.Int("failed", summary.Failed),
		logger.Int("retried", summary.Retried),
		logger.Int("skipped", summary.Skipped),
		logger.Int("actions", summary.Actions),
		logger.Duration("duration", summary.Duration))
	return summary, nil
}

// snapshot returns the keys of eligible records, oldest-updated first
func (p *Processor) snapshot(ctx context.Context, now time.Time) ([]string, error) {
	all, err := p.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	eligible := slices.DeleteFunc(all, func(r *model.Record) bool { return !r.IsEligible(now) })
	slices.SortFunc(eligible, model.CompareQueueOrder)

	keys := make([]string, len(eligible))
	for i, r := range eligible {
		keys[i] = r.UUID
	}
	return keys, nil
}

type recordOutcome int

const (
	outcomeSucceeded recordOutcome = iota
	outcomeRetry
	outcomeFatal
	outcomeSkipped
)

type recordResult struct {
	outcome recordOutcome
	actions int
}

// processRecord claims one record and runs its actions in order until one
// fails. Only store errors are returned.
func (p *Processor) processRecord(ctx context.Context, key string) (recordResult, error) {
	log := p.log.With(logger.String("record_uuid", key))

	rec, err := p.store.Update(ctx, key, func(r *model.Record) error {
		return r.Claim(p.clock.Now())
	})
	if err != nil {
		if isStoreFatal(err) {
			return recordResult{}, err
		}
		log.Debug("Record not claimed", logger.Error(err))
		return recordResult{outcome: outcomeSkipped}, nil
	}

	// once claimed, the record is always released even if ctx is cancelled
	work := context.WithoutCancel(ctx)

	res := recordResult{outcome: outcomeSucceeded}
	attempted := make(map[model.Action]bool)

	for {
		action, ok := nextAction(rec, attempted)
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return p.release(work, key, log, res)
		}
		attempted[action] = true

		if awaitingCompression(rec, action) {
			log.Debug("Photo upload deferred until compressed", logger.String("photo_uuid", action.Target))
			continue
		}

		started := p.clock.Now()
		next, removed, err := p.runAction(work, rec, action)
		p.observer.ActionDone(action.Kind, err, p.clock.Now().Sub(started))

		if err != nil {
			if isStoreFatal(err) {
				return res, err
			}
			return p.fail(work, key, action, err, log, res)
		}
		res.actions++
		if removed {
			log.Info("Record deleted on server and removed locally")
			return res, nil
		}
		rec = next
	}

	if _, err := p.store.Update(work, key, func(r *model.Record) error {
		r.FinishPass(p.clock.Now())
		return nil
	}); err != nil {
		if isStoreFatal(err) {
			return res, err
		}
		log.Warn("Failed to finish record pass", logger.Error(err))
	}
	log.Debug("Record pass succeeded", logger.Int("actions", res.actions))
	return res, nil
}

// release hands an interrupted record back to the queue. Its retry count is
// kept and the record counts as skipped.
func (p *Processor) release(ctx context.Context, key string, log logger.Logger, res recordResult) (recordResult, error) {
	if _, err := p.store.Update(ctx, key, func(r *model.Record) error {
		r.Release()
		return nil
	}); err != nil {
		if isStoreFatal(err) {
			return res, err
		}
		log.Warn("Failed to release interrupted record", logger.Error(err))
	}
	log.Info("Record pass interrupted", logger.Int("actions", res.actions))
	res.outcome = outcomeSkipped
	return res, nil
}

// awaitingCompression reports whether a photo upload must wait for the
// local processing pass, as for photos attached while the record uploads
func awaitingCompression(r *model.Record, a model.Action) bool {
	if a.Kind != model.ActionAddPhoto {
		return false
	}
	ph, ok := r.Photo(a.Target)
	if !ok {
		return false
	}
	return ph.UploadState == model.PhotoNotStarted || ph.UploadState == model.PhotoCompressing
}

// nextAction returns the first outstanding action not yet tried in this pass
func nextAction(r *model.Record, attempted map[model.Action]bool) (model.Action, bool) {
	for _, a := range r.SortedActions() {
		if !attempted[a] {
			return a, true
		}
	}
	return model.Action{}, false
}

// fail records a failed action and releases the record
func (p *Processor) fail(ctx context.Context, key string, action model.Action, cause error, log logger.Logger, res recordResult) (recordResult, error) {
	now := p.clock.Now()
	fatal := false

	_, err := p.store.Update(ctx, key, func(r *model.Record) error {
		fatal = p.cfg.Retry.Fatal(cause, r.Meta.RetryCount)
		delay := max(p.cfg.Retry.Delay(r.Meta.RetryCount), inat.RetryAfter(cause))
		r.FailAction(action, cause, fatal, now.Add(delay), now)
		return nil
	})
	if err != nil {
		if isStoreFatal(err) {
			return res, err
		}
		log.Warn("Failed to record action failure", logger.Error(err))
	}

	if fatal {
		log.Warn("Action failed, record parked in error state",
			logger.String("action", action.String()),
			logger.String("category", string(errors.CategoryOf(cause))),
			logger.Error(cause))
		res.outcome = outcomeFatal
	} else {
		log.Info("Action failed, will retry",
			logger.String("action", action.String()),
			logger.String("category", string(errors.CategoryOf(cause))),
			logger.Error(cause))
		res.outcome = outcomeRetry
	}
	return res, nil
}

// callContext bounds a single network exchange
func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}

// runAction performs one network exchange and merges its result. It returns
// the stored record afterwards, or removed when the record was deleted.
func (p *Processor) runAction(ctx context.Context, rec *model.Record, a model.Action) (*model.Record, bool, error) {
	switch a.Kind {
	case model.ActionCreate:
		return p.runCreate(ctx, rec)
	case model.ActionUpdateField:
		return p.runUpdateField(ctx, rec, a.Target)
	case model.ActionAddPhoto:
		return p.runAddPhoto(ctx, rec, a.Target)
	case model.ActionDeletePhoto:
		return p.runDeletePhoto(ctx, rec, a.Target)
	case model.ActionDelete:
		return p.runDelete(ctx, rec)
	default:
		return nil, false, errors.ValidationError("unknown action " + a.String())
	}
}

func (p *Processor) requireServerID(rec *model.Record, a model.Action) (int64, error) {
	if rec.InatID == nil {
		return 0, errors.ConsistencyError(a.String()+" requires a server id but the record was never created", rec.UUID)
	}
	return *rec.InatID, nil
}

func (p *Processor) runCreate(ctx context.Context, rec *model.Record) (*model.Record, bool, error) {
	d := reconcile.NewDispatch(rec)

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	obs, err := p.remote.CreateObservation(callCtx, rec.UUID, d.Payload(rec))
	if err != nil {
		return nil, false, err
	}

	// the server id is written back before any dependent action runs
	next, err := p.store.Update(ctx, rec.UUID, func(r *model.Record) error {
		return p.merger.ApplyCreate(r, d, obs)
	})
	if err != nil {
		return nil, false, err
	}
	p.log.Info("Observation created",
		logger.String("record_uuid", rec.UUID),
		logger.Int64("inat_id", obs.ID))
	return next, false, nil
}

func (p *Processor) runUpdateField(ctx context.Context, rec *model.Record, key string) (*model.Record, bool, error) {
	id, err := p.requireServerID(rec, model.Action{Kind: model.ActionUpdateField, Target: key})
	if err != nil {
		return nil, false, err
	}
	d := reconcile.NewDispatch(rec, key)
	payload := map[string]any{key: rec.Fields[key]}

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	obs, err := p.remote.UpdateObservation(callCtx, id, payload)
	if err != nil {
		return nil, false, err
	}

	next, err := p.store.Update(ctx, rec.UUID, func(r *model.Record) error {
		return p.merger.ApplyFieldUpdate(r, key, d, obs)
	})
	return next, false, err
}

func (p *Processor) runAddPhoto(ctx context.Context, rec *model.Record, photoUUID string) (*model.Record, bool, error) {
	action := model.Action{Kind: model.ActionAddPhoto, Target: photoUUID}
	id, err := p.requireServerID(rec, action)
	if err != nil {
		return nil, false, err
	}

	photo, ok := rec.Photo(photoUUID)
	if !ok {
		next, err := p.store.Update(ctx, rec.UUID, func(r *model.Record) error {
			r.CompleteAction(action)
			return nil
		})
		return next, false, err
	}

	data, err := p.store.GetBlob(ctx, photo.LocalBlobKey)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, errors.ConsistencyError("photo "+photoUUID+" has no stored image data", rec.UUID)
	}

	if _, err := p.store.Update(ctx, rec.UUID, func(r *model.Record) error {
		if ph, ok := r.Photo(photoUUID); ok {
			ph.UploadState = model.PhotoUploading
		}
		return nil
	}); err != nil {
		return nil, false, err
	}

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	op, err := p.remote.AddPhoto(callCtx, id, photoUUID, photo.MIMEType, data)
	if err != nil {
		return nil, false, err
	}

	next, err := p.store.Update(ctx, rec.UUID, func(r *model.Record) error {
		return p.merger.ApplyPhoto(r, photoUUID, op)
	})
	return next, false, err
}

func (p *Processor) runDeletePhoto(ctx context.Context, rec *model.Record, target string) (*model.Record, bool, error) {
	photoID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, false, errors.ValidationError("invalid remote photo id " + strconv.Quote(target))
	}

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	if err := p.remote.DeletePhoto(callCtx, photoID); err != nil {
		return nil, false, err
	}

	next, err := p.store.Update(ctx, rec.UUID, func(r *model.Record) error {
		p.merger.ApplyPhotoDelete(r, target)
		return nil
	})
	return next, false, err
}

func (p *Processor) runDelete(ctx context.Context, rec *model.Record) (*model.Record, bool, error) {
	id, err := p.requireServerID(rec, model.Action{Kind: model.ActionDelete})
	if err != nil {
		return nil, false, err
	}

	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	if err := p.remote.DeleteObservation(callCtx, id); err != nil {
		return nil, false, err
	}

	var blobs []string
	if _, err := p.store.Update(ctx, rec.UUID, func(r *model.Record) error {
		for _, ph := range r.Photos {
			if ph.LocalBlobKey != "" {
				blobs = append(blobs, ph.LocalBlobKey)
			}
		}
		return datastore.ErrDeleteRecord
	}); err != nil {
		return nil, false, err
	}
	for _, b := range blobs {
		if err := p.store.DeleteBlob(ctx, b); err != nil {
			p.log.Warn("Failed to delete photo blob",
				logger.String("record_uuid", rec.UUID),
				logger.String("blob_key", b),
				logger.Error(err))
		}
	}
	return nil, true, nil
}

// isStoreFatal reports whether err means the store itself is failing
func isStoreFatal(err error) bool {
	return errors.IsCategory(err, errors.CategoryStorage)
}
