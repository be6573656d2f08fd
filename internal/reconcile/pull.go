package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/wow-sync/internal/datastore"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/inat"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
)

// remoteNamespace derives stable local UUIDs for server objects that carry none
var remoteNamespace = uuid.MustParse("4b0f6f3e-5a43-4f0e-9c59-0d2b7c6f1e21")

// Lister fetches every observation of a user
type Lister interface {
	AllObservations(ctx context.Context, userID int64) ([]inat.Observation, error)
}

// Store is the subset of the record store a pull needs
type Store interface {
	GetAll(ctx context.Context) ([]*model.Record, error)
	Update(ctx context.Context, key string, fn func(r *model.Record) error) (*model.Record, error)
	SetIfAbsent(ctx context.Context, key string, r *model.Record) (bool, error)
	DeleteBlob(ctx context.Context, key string) error
}

// PullReport summarizes one pull
type PullReport struct {
	Fetched    int
	Duplicates int
	Linked     int
	Updated    int
	Inserted   int
	Pruned     int
	Skipped    int
}

// Puller brings the local store in line with the server listing
type Puller struct {
	store  Store
	remote Lister
	merger *Merger
	now    func() time.Time
	log    logger.Logger
}

// NewPuller creates a puller. A nil merger uses the default server fields.
func NewPuller(store Store, remote Lister, merger *Merger, log logger.Logger) *Puller {
	if merger == nil {
		merger = NewMerger(nil)
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Puller{
		store:  store,
		remote: remote,
		merger: merger,
		now:    time.Now,
		log:    log.Module("reconcile"),
	}
}

// Pull fetches the user's observations and merges them into the store.
// Local records are linked by UUID, so a create that reached the server but
// whose response was lost is never sent twice. Unknown server observations
// are inserted as Synced and synced local records that vanished from the
// server are pruned.
func (p *Puller) Pull(ctx context.Context, userID int64) (PullReport, error) {
	var report PullReport
	started := p.now()

	// snapshot before listing, records linked while the listing runs are not
	// candidates for pruning
	local, err := p.store.GetAll(ctx)
	if err != nil {
		return report, err
	}

	fetched, err := p.remote.AllObservations(ctx, userID)
	if err != nil {
		return report, err
	}
	remote := Dedupe(fetched)
	report.Fetched = len(fetched)
	report.Duplicates = len(fetched) - len(remote)

	byUUID := make(map[string]*model.Record, len(local))
	byID := make(map[int64]*model.Record, len(local))
	for _, r := range local {
		byUUID[r.UUID] = r
		if r.InatID != nil {
			byID[*r.InatID] = r
		}
	}

	seen := make(map[int64]bool, len(remote))
	for i := range remote {
		obs := &remote[i]
		seen[obs.ID] = true

		match := byID[obs.ID]
		if match == nil && obs.UUID != "" {
			match = byUUID[obs.UUID]
		}
		if match == nil {
			inserted, err := p.store.SetIfAbsent(ctx, localKey(obs), fromRemote(obs, p.now()))
			if err != nil {
				return report, err
			}
			if inserted {
				report.Inserted++
			}
			continue
		}

		outcome, err := p.mergeOne(ctx, match.UUID, obs)
		if err != nil {
			if errors.IsCategory(err, errors.CategoryStorage) {
				return report, err
			}
			p.log.Warn("Skipping record during pull",
				logger.String("record_uuid", match.UUID),
				logger.Int64("inat_id", obs.ID),
				logger.Error(err))
			report.Skipped++
			continue
		}
		switch outcome {
		case outcomeLinked:
			report.Linked++
		case outcomeUpdated:
			report.Updated++
		case outcomeSkipped:
			report.Skipped++
		}
	}

	for _, r := range local {
		if r.InatID == nil || seen[*r.InatID] {
			continue
		}
		pruned, err := p.prune(ctx, r.UUID, started)
		if err != nil {
			return report, err
		}
		if pruned {
			report.Pruned++
		}
	}

	p.log.Info("Pull completed",
		logger.Int64("user_id", userID),
		logger.Int("fetched", report.Fetched),
		logger.Int("duplicates", report.Duplicates),
		logger.Int("linked", report.Linked),
		logger.Int("updated", report.Updated),
		logger.Int("inserted", report.Inserted),
		logger.Int("pruned", report.Pruned),
		logger.Int("skipped", report.Skipped))
	return report, nil
}

type mergeOutcome int

const (
	outcomeUnchanged mergeOutcome = iota
	outcomeLinked
	outcomeUpdated
	outcomeSkipped
)

func (p *Puller) mergeOne(ctx context.Context, key string, obs *inat.Observation) (mergeOutcome, error) {
	outcome := outcomeUnchanged
	_, err := p.store.Update(ctx, key, func(r *model.Record) error {
		if err := r.CheckMutable(); err != nil {
			return err
		}
		// the queue owns records mid-upload
		if r.Meta.RecordState == model.StateUploading {
			outcome = outcomeSkipped
			return datastore.ErrNoChange
		}

		linked, changed, err := p.merger.MergeRemote(r, obs)
		if err != nil {
			return err
		}
		if !linked && !changed {
			return datastore.ErrNoChange
		}
		r.Reconciled(p.now())
		if linked {
			outcome = outcomeLinked
		} else {
			outcome = outcomeUpdated
		}
		return nil
	})
	return outcome, err
}

// prune removes a record the server no longer has, if it has no local work
// left or was waiting only for its own remote deletion. A record synced after
// the pull started is kept, the listing predates it.
func (p *Puller) prune(ctx context.Context, key string, started time.Time) (bool, error) {
	var blobs []string
	pruned := false
	_, err := p.store.Update(ctx, key, func(r *model.Record) error {
		switch {
		case r.Meta.RecordState == model.StateSynced && len(r.Meta.OutstandingActions) == 0 &&
			r.Meta.LastSyncedAt.Before(started):
		case r.Meta.RecordState == model.StateDeleted:
		default:
			return datastore.ErrNoChange
		}
		for _, ph := range r.Photos {
			if ph.LocalBlobKey != "" {
				blobs = append(blobs, ph.LocalBlobKey)
			}
		}
		pruned = true
		return datastore.ErrDeleteRecord
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	for _, b := range blobs {
		if err := p.store.DeleteBlob(ctx, b); err != nil {
			p.log.Warn("Failed to delete photo blob of pruned record",
				logger.String("record_uuid", key),
				logger.String("blob_key", b),
				logger.Error(err))
		}
	}
	return pruned, nil
}

// MergeRemote folds a server observation into a local record that matches it
// by UUID or id. It reports whether r was newly linked and whether anything
// else changed. Fields with a pending local update keep their local value;
// actions the server state makes obsolete are dropped.
func (m *Merger) MergeRemote(r *model.Record, obs *inat.Observation) (linked, changed bool, err error) {
	if r.InatID == nil {
		if err := r.LinkServerID(obs.ID); err != nil {
			return false, false, err
		}
		linked = true
		if r.RemoveAction(model.Action{Kind: model.ActionCreate}) {
			// the server never acknowledged these values, queue the differing ones
			for k, v := range r.Fields {
				if rv, ok := obs.Fields[k]; !ok || !fieldsEqual(v, rv) {
					r.AddAction(model.Action{Kind: model.ActionUpdateField, Target: k})
				}
			}
		}
	} else if err := checkLinked(r, obs); err != nil {
		return false, false, err
	}

	if r.Meta.RecordState == model.StateDeleted {
		return linked, false, nil
	}

	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	for k, rv := range obs.Fields {
		pending := model.Action{Kind: model.ActionUpdateField, Target: k}
		lv, present := r.Fields[k]
		switch {
		case present && fieldsEqual(lv, rv):
			if r.RemoveAction(pending) {
				changed = true
			}
		case r.HasAction(pending):
		case !present && rv == nil:
		default:
			r.Fields[k] = model.NormalizeValue(rv)
			changed = true
		}
	}

	if m.mergePhotos(r, obs.Photos) {
		changed = true
	}
	return linked, changed, nil
}

func (m *Merger) mergePhotos(r *model.Record, remote []inat.ObservationPhoto) bool {
	changed := false
	remoteIDs := make(map[int64]bool, len(remote))
	for _, op := range remote {
		remoteIDs[op.ID] = true
		if op.UUID == "" {
			continue
		}
		p, ok := r.Photo(op.UUID)
		if !ok {
			continue
		}
		if p.RemotePhotoID == nil || *p.RemotePhotoID != op.ID || p.UploadState != model.PhotoDone {
			id := op.ID
			p.RemotePhotoID = &id
			p.UploadState = model.PhotoDone
			changed = true
		}
		if op.URL != "" && p.RemoteURL != op.URL {
			p.RemoteURL = op.URL
			changed = true
		}
	}

	for _, a := range r.SortedActions() {
		switch a.Kind {
		case model.ActionAddPhoto:
			p, ok := r.Photo(a.Target)
			if !ok || p.UploadState == model.PhotoDone {
				r.RemoveAction(a)
				changed = true
			}
		case model.ActionDeletePhoto:
			id, err := strconv.ParseInt(a.Target, 10, 64)
			if err != nil || !remoteIDs[id] {
				r.RemoveAction(a)
				changed = true
			}
		}
	}
	return changed
}

// localKey is the store key for a server observation without a local record
func localKey(obs *inat.Observation) string {
	if obs.UUID != "" {
		return obs.UUID
	}
	return uuid.NewSHA1(remoteNamespace, []byte("observation:"+strconv.FormatInt(obs.ID, 10))).String()
}

// fromRemote builds a Synced local record for a server observation
func fromRemote(obs *inat.Observation, now time.Time) *model.Record {
	id := obs.ID
	key := localKey(obs)
	r := &model.Record{
		UUID:          key,
		InatID:        &id,
		SchemaVersion: model.CurrentRecordVersion,
		Fields:        make(map[string]any, len(obs.Fields)),
		Photos:        make([]model.PhotoRef, 0, len(obs.Photos)),
		Meta: model.WowMeta{
			RecordState:        model.StateSynced,
			OutstandingActions: []model.Action{},
			Errors:             []model.ErrorEntry{},
			FieldRevisions:     map[string]uint64{},
			LastSyncedAt:       now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range obs.Fields {
		if v != nil {
			r.Fields[k] = model.NormalizeValue(v)
		}
	}
	for _, op := range obs.Photos {
		photoID := op.ID
		photoUUID := op.UUID
		if photoUUID == "" {
			photoUUID = uuid.NewSHA1(remoteNamespace, []byte("photo:"+strconv.FormatInt(op.ID, 10))).String()
		}
		r.Photos = append(r.Photos, model.PhotoRef{
			UUID:            photoUUID,
			ObservationUUID: key,
			UploadState:     model.PhotoDone,
			RemotePhotoID:   &photoID,
			RemoteURL:       op.URL,
		})
	}
	return r
}
