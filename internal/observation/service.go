// Package observation is the user-facing side of the sync engine: it creates
// and edits observation records and hands them to the upload queue.
package observation

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/wow-sync/internal/codec"
	"github.com/tphakala/wow-sync/internal/datastore"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
)

// Field keys with special handling
const (
	FieldSpeciesGuess = "species_guess"
	FieldTaxonID      = "taxon_id"
)

// Store is the persistence the service needs
type Store interface {
	Get(ctx context.Context, key string) (*model.Record, error)
	Set(ctx context.Context, key string, r *model.Record) error
	GetAll(ctx context.Context) ([]*model.Record, error)
	Update(ctx context.Context, key string, fn func(r *model.Record) error) (*model.Record, error)
	PutBlob(ctx context.Context, key string, data []byte) error
	DeleteBlob(ctx context.Context, key string) error
}

// Photo is image data supplied by the user
type Photo struct {
	Data     []byte
	MIMEType string
}

// CreateInput describes a new observation
type CreateInput struct {
	Fields map[string]any
	Photos []Photo
	// Draft keeps the record LocalOnly until Submit
	Draft bool
}

// Service applies user operations to stored records
type Service struct {
	store    Store
	taxa     *codec.TaxaIndex
	log      logger.Logger
	now      func() time.Time
	onChange func()
}

// Option configures a Service
type Option func(*Service)

// WithTaxa enables filling taxon_id from species names
func WithTaxa(idx *codec.TaxaIndex) Option {
	return func(s *Service) { s.taxa = idx }
}

// WithOnChange registers a callback run after every change that queues
// network work, typically the upload processor's Trigger.
func WithOnChange(fn func()) Option {
	return func(s *Service) { s.onChange = fn }
}

// WithNow overrides the time source
func WithNow(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService creates a service over store
func NewService(store Store, log logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	s := &Service{
		store:    store,
		log:      log.Module("observation"),
		now:      time.Now,
		onChange: func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func notFound(id string) error {
	return errors.Newf("observation %s not found", id).
		Component("observation").
		Category(errors.CategoryNotFound).
		Context("record_uuid", id).
		Build()
}

// Create stores a new observation with its photos. Unless in.Draft is set
// the record is handed to the upload queue right away.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Record, error) {
	fields := make(map[string]any, len(in.Fields)+1)
	for k, v := range in.Fields {
		if k == "" {
			return nil, errors.ValidationError("field key is empty")
		}
		fields[k] = v
	}
	s.resolveTaxon(fields)

	now := s.now()
	r := model.NewRecord(uuid.NewString(), fields, now)

	var written []string
	cleanup := func() {
		for _, key := range written {
			if err := s.store.DeleteBlob(ctx, key); err != nil {
				s.log.Warn("Failed to remove orphaned photo", logger.String("photo_uuid", key), logger.Error(err))
			}
		}
	}

	for _, p := range in.Photos {
		ref, err := s.storePhoto(ctx, p)
		if err != nil {
			cleanup()
			return nil, err
		}
		written = append(written, ref.LocalBlobKey)
		if err := r.AttachPhoto(ref, now); err != nil {
			cleanup()
			return nil, err
		}
	}

	if !in.Draft {
		if err := r.Submit(now); err != nil {
			cleanup()
			return nil, err
		}
	}

	if err := s.store.Set(ctx, r.UUID, r); err != nil {
		cleanup()
		return nil, err
	}

	s.log.Info("Observation created",
		logger.String("record_uuid", r.UUID),
		logger.String("state", string(r.Meta.RecordState)),
		logger.Int("photos", len(r.Photos)))
	if !in.Draft {
		s.onChange()
	}
	return r, nil
}

func (s *Service) storePhoto(ctx context.Context, p Photo) (model.PhotoRef, error) {
	if len(p.Data) == 0 {
		return model.PhotoRef{}, errors.ValidationError("photo has no image data")
	}
	mimeType := p.MIMEType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	id := uuid.NewString()
	if err := s.store.PutBlob(ctx, id, p.Data); err != nil {
		return model.PhotoRef{}, err
	}
	return model.PhotoRef{UUID: id, LocalBlobKey: id, MIMEType: mimeType}, nil
}

// resolveTaxon fills taxon_id from a recognised species name unless the
// caller supplied one
func (s *Service) resolveTaxon(fields map[string]any) {
	if s.taxa == nil {
		return
	}
	if _, set := fields[FieldTaxonID]; set {
		return
	}
	name, ok := fields[FieldSpeciesGuess].(string)
	if !ok {
		return
	}
	if taxon, found := s.taxa.Lookup(name); found {
		fields[FieldTaxonID] = taxon.ID
	}
}

// Get returns the record stored under id
func (s *Service) Get(ctx context.Context, id string) (*model.Record, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFound(id)
	}
	return r, nil
}

// List returns all records, optionally only those in one of states, oldest first
func (s *Service) List(ctx context.Context, states ...model.RecordState) ([]*model.Record, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if len(states) == 0 || slices.Contains(states, r.Meta.RecordState) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b *model.Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *Service) update(ctx context.Context, id string, fn func(r *model.Record) error) (*model.Record, error) {
	r, err := s.store.Update(ctx, id, fn)
	if errors.IsNotFound(err) {
		return nil, notFound(id)
	}
	return r, err
}

// SetField changes one attribute. Setting the species name also sets
// taxon_id when the name is known.
func (s *Service) SetField(ctx context.Context, id, key string, value any) (*model.Record, error) {
	now := s.now()
	r, err := s.update(ctx, id, func(r *model.Record) error {
		if err := r.SetField(key, value, now); err != nil {
			return err
		}
		if key != FieldSpeciesGuess || s.taxa == nil {
			return nil
		}
		name, _ := value.(string)
		taxon, found := s.taxa.Lookup(name)
		if !found {
			return nil
		}
		if current, ok := r.Fields[FieldTaxonID]; ok && reflect.DeepEqual(model.NormalizeValue(current), model.NormalizeValue(taxon.ID)) {
			return nil
		}
		return r.SetField(FieldTaxonID, taxon.ID, now)
	})
	if err != nil {
		return nil, err
	}
	s.queued(r)
	return r, nil
}

// AttachPhoto stores a photo and attaches it to the record
func (s *Service) AttachPhoto(ctx context.Context, id string, p Photo) (*model.Record, error) {
	ref, err := s.storePhoto(ctx, p)
	if err != nil {
		return nil, err
	}
	r, err := s.update(ctx, id, func(r *model.Record) error {
		return r.AttachPhoto(ref, s.now())
	})
	if err != nil {
		if derr := s.store.DeleteBlob(ctx, ref.LocalBlobKey); derr != nil {
			s.log.Warn("Failed to remove orphaned photo", logger.String("photo_uuid", ref.UUID), logger.Error(derr))
		}
		return nil, err
	}
	s.queued(r)
	return r, nil
}

// RemovePhoto detaches a photo and drops its local bytes
func (s *Service) RemovePhoto(ctx context.Context, id, photoUUID string) (*model.Record, error) {
	var removed model.PhotoRef
	r, err := s.update(ctx, id, func(r *model.Record) error {
		ref, err := r.RemovePhoto(photoUUID, s.now())
		if err != nil {
			return err
		}
		removed = ref
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteBlob(ctx, removed.LocalBlobKey); err != nil {
		s.log.Warn("Failed to remove photo data",
			logger.String("record_uuid", id),
			logger.String("photo_uuid", photoUUID),
			logger.Error(err))
	}
	s.queued(r)
	return r, nil
}

// Submit hands a draft to the upload queue
func (s *Service) Submit(ctx context.Context, id string) (*model.Record, error) {
	r, err := s.update(ctx, id, func(r *model.Record) error {
		return r.Submit(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Observation submitted",
		logger.String("record_uuid", id),
		logger.String("state", string(r.Meta.RecordState)))
	s.onChange()
	return r, nil
}

// Delete removes an observation. Records that never reached the server
// are removed with their photos immediately and Delete returns nil; synced
// records are tombstoned until the server confirms the deletion.
func (s *Service) Delete(ctx context.Context, id string) (*model.Record, error) {
	var blobs []string
	r, err := s.update(ctx, id, func(r *model.Record) error {
		immediate, err := r.MarkDeleted(s.now())
		if err != nil {
			return err
		}
		if !immediate {
			return nil
		}
		for _, p := range r.Photos {
			blobs = append(blobs, p.LocalBlobKey)
		}
		return datastore.ErrDeleteRecord
	})
	if err != nil {
		return nil, err
	}

	if r == nil {
		for _, key := range blobs {
			if err := s.store.DeleteBlob(ctx, key); err != nil {
				s.log.Warn("Failed to remove photo data", logger.String("photo_uuid", key), logger.Error(err))
			}
		}
		s.log.Info("Unsynced observation removed", logger.String("record_uuid", id))
		return nil, nil
	}

	s.log.Info("Observation marked for deletion", logger.String("record_uuid", id))
	s.onChange()
	return r, nil
}

// Retry re-queues a record parked in Error
func (s *Service) Retry(ctx context.Context, id string) (*model.Record, error) {
	r, err := s.update(ctx, id, func(r *model.Record) error {
		return r.Resubmit(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Observation resubmitted", logger.String("record_uuid", id))
	s.onChange()
	return r, nil
}

// RecoverInterrupted restores records left mid-pass by a crash or kill. It
// must run before the upload queue starts.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, snapshot := range all {
		if snapshot.CheckMutable() != nil || !snapshot.Clone().RecoverInterrupted() {
			continue
		}
		_, err := s.store.Update(ctx, snapshot.UUID, func(r *model.Record) error {
			if !r.RecoverInterrupted() {
				return datastore.ErrNoChange
			}
			return nil
		})
		if err != nil {
			return recovered, err
		}
		recovered++
		s.log.Info("Recovered interrupted record",
			logger.String("record_uuid", snapshot.UUID),
			logger.String("previous_state", string(snapshot.Meta.RecordState)))
	}
	return recovered, nil
}

func (s *Service) queued(r *model.Record) {
	if r == nil {
		return
	}
	switch r.Meta.RecordState {
	case model.StatePendingSync, model.StateWithLocalProcessing, model.StateDeleted:
		s.onChange()
	}
}

// String formats the record for logs and the CLI
func String(r *model.Record) string {
	id := "-"
	if r.InatID != nil {
		id = fmt.Sprintf("%d", *r.InatID)
	}
	return fmt.Sprintf("%s %-19s inat=%s photos=%d actions=%d", r.UUID, r.Meta.RecordState, id, len(r.Photos), len(r.Meta.OutstandingActions))
}
