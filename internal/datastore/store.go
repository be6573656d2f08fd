// Package datastore persists observation records and photo blobs.
//
// Two engines implement the same contract: a sqlite database (preferred,
// durable, limited only by free disk space) and an in-memory go-cache engine
// with bounded capacity that is used when sqlite cannot be opened. Records are
// stored in their compact encoded form, so every read decodes a fresh value
// and callers never share memory with the store.
package datastore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/wow-sync/internal/codec"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
)

// RecordStore is a key-indexed store of observation records
type RecordStore interface {
	// Get returns an independent copy of the record, or nil when key holds none
	Get(ctx context.Context, key string) (*model.Record, error)
	// Set creates or fully overwrites the record stored under key
	Set(ctx context.Context, key string, r *model.Record) error
	// Delete removes the record; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error
	// GetAll returns copies of every stored record ordered by key
	GetAll(ctx context.Context) ([]*model.Record, error)
	// Clear removes all records and photo blobs
	Clear(ctx context.Context) error
}

// BlobStore holds photo bytes keyed by photo UUID
type BlobStore interface {
	// GetBlob returns a copy of the blob, or nil when key holds none
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutBlob(ctx context.Context, key string, data []byte) error
	DeleteBlob(ctx context.Context, key string) error
}

// Engine names
const (
	EngineSQLite = "sqlite"
	EngineMemory = "memory"
)

// Options selects and sizes the backing engine
type Options struct {
	// Engine is the preferred engine, EngineSQLite unless set
	Engine string
	// Path is the sqlite database file
	Path string
	// MinFreeBytes rejects sqlite writes when the volume has less free space
	MinFreeBytes uint64
	// MaxRecords and MaxBlobBytes bound the memory engine; zero means unbounded
	MaxRecords   int
	MaxBlobBytes int64
	// SnapshotPath lets the memory engine load and save its contents
	SnapshotPath string
	// ForceFallback skips the preferred engine
	ForceFallback bool
	// Debug logs every SQL statement
	Debug bool
	// Metrics receives operation outcomes, optional
	Metrics Recorder
}

// recordRow is the engine-level representation of one stored record
type recordRow struct {
	Key           string
	State         string
	SchemaVersion int
	UpdatedAtUnix int64
	Payload       []byte
}

// legacyRow is a record stored under the old auto-increment key
type legacyRow struct {
	ID      uint
	Payload []byte
}

// engine is implemented by the sqlite and memory backends. Byte slices passed
// in or returned are owned by the caller.
type engine interface {
	name() string
	getRecord(ctx context.Context, key string) ([]byte, bool, error)
	putRecord(ctx context.Context, row recordRow) error
	deleteRecord(ctx context.Context, key string) error
	allRecords(ctx context.Context) ([]recordRow, error)
	getBlob(ctx context.Context, key string) ([]byte, bool, error)
	putBlob(ctx context.Context, key string, data []byte) error
	deleteBlob(ctx context.Context, key string) error
	clear(ctx context.Context) error
	legacyRecords(ctx context.Context) ([]legacyRow, error)
	deleteLegacy(ctx context.Context, id uint) error
	close() error
}

// Store implements RecordStore and BlobStore on top of the selected engine
type Store struct {
	eng      engine
	degraded bool
	log      logger.Logger
	metrics  Recorder

	// mu serializes writers so Update is an atomic read-modify-write
	mu sync.Mutex
}

var (
	_ RecordStore = (*Store)(nil)
	_ BlobStore   = (*Store)(nil)
)

// Open opens the preferred engine and falls back to the memory engine when
// it is unavailable or when opts.ForceFallback is set.
func Open(ctx context.Context, opts Options, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.Module("datastore")
	rec := opts.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}

	preferred := opts.Engine
	if preferred == "" {
		preferred = EngineSQLite
	}

	if preferred == EngineSQLite && !opts.ForceFallback {
		eng, err := openSQLite(ctx, opts, log)
		if err == nil {
			log.Info("Record store opened",
				logger.String("engine", EngineSQLite),
				logger.String("path", opts.Path))
			return &Store{eng: eng, log: log, metrics: rec}, nil
		}
		log.Warn("Preferred storage engine unavailable, falling back to memory engine",
			logger.String("engine", EngineSQLite),
			logger.Error(err))
	}

	eng, err := openMemory(opts, log)
	if err != nil {
		return nil, storageError(err, "open_fallback_engine", errors.PriorityCritical)
	}
	degraded := preferred == EngineSQLite
	log.Info("Record store opened",
		logger.String("engine", EngineMemory),
		logger.Bool("degraded", degraded),
		logger.Int("max_records", opts.MaxRecords))
	return &Store{eng: eng, degraded: degraded, log: log, metrics: rec}, nil
}

// Engine returns the name of the active engine
func (s *Store) Engine() string {
	return s.eng.name()
}

// Degraded reports whether the store runs on the fallback engine
func (s *Store) Degraded() bool {
	return s.degraded
}

// Close releases the engine
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.eng.close(); err != nil {
		return storageError(err, "close", "", "engine", s.eng.name())
	}
	return nil
}

// Get returns a freshly decoded copy of the record under key
func (s *Store) Get(ctx context.Context, key string) (_ *model.Record, err error) {
	defer func(start time.Time) { s.observe("get", start, err) }(time.Now())
	data, ok, err := s.eng.getRecord(ctx, key)
	if err != nil {
		return nil, storageError(err, "get_record", "", "key", key)
	}
	if !ok {
		return nil, nil
	}
	return codec.DecodeRecord(key, data)
}

// Set encodes r and stores it under key, replacing any previous value
func (s *Store) Set(ctx context.Context, key string, r *model.Record) (err error) {
	defer func(start time.Time) { s.observe("set", start, err) }(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(ctx, key, r)
}

func (s *Store) setLocked(ctx context.Context, key string, r *model.Record) error {
	if key == "" {
		return errors.ValidationError("record key is empty")
	}
	if r == nil {
		return errors.ValidationError("cannot store nil record")
	}
	if r.UUID != key {
		return errors.ValidationError("record uuid " + r.UUID + " does not match key " + key)
	}
	if err := r.Validate(); err != nil {
		return err
	}

	data, err := codec.EncodeRecord(r)
	if err != nil {
		return err
	}

	row := recordRow{
		Key:           key,
		State:         string(r.Meta.RecordState),
		SchemaVersion: r.SchemaVersion,
		UpdatedAtUnix: r.UpdatedAt.UnixNano(),
		Payload:       data,
	}
	if err := s.eng.putRecord(ctx, row); err != nil {
		if errors.IsCategory(err, errors.CategoryStorage) {
			return err
		}
		return storageError(err, "set_record", "", "key", key)
	}
	return nil
}

// Delete removes the record under key
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.eng.deleteRecord(ctx, key); err != nil {
		return storageError(err, "delete_record", "", "key", key)
	}
	return nil
}

// GetAll decodes every stored record. A single malformed record fails the
// whole call since it means the store is corrupt.
func (s *Store) GetAll(ctx context.Context) (_ []*model.Record, err error) {
	defer func(start time.Time) { s.observe("get_all", start, err) }(time.Now())
	rows, err := s.eng.allRecords(ctx)
	if err != nil {
		return nil, storageError(err, "get_all_records", "")
	}

	slices.SortFunc(rows, func(a, b recordRow) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})

	out := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		r, err := codec.DecodeRecord(row.Key, row.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Clear removes every record and blob
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.eng.clear(ctx); err != nil {
		return storageError(err, "clear", errors.PriorityHigh)
	}
	s.log.Info("Record store cleared", logger.String("engine", s.eng.name()))
	return nil
}

// Update applies fn to the current record under key and writes the result
// back atomically with respect to other writers. fn receives a private copy;
// returning ErrNoChange skips the write and returning ErrDeleteRecord removes
// the record, in which case Update returns nil. Otherwise the returned record
// is a copy of what is stored after the call.
func (s *Store) Update(ctx context.Context, key string, fn func(r *model.Record) error) (_ *model.Record, err error) {
	defer func(start time.Time) { s.observe("update", start, err) }(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, notFoundError(key)
	}

	if err := fn(r); err != nil {
		switch {
		case errors.Is(err, ErrNoChange):
			return r, nil
		case errors.Is(err, ErrDeleteRecord):
			if err := s.eng.deleteRecord(ctx, key); err != nil {
				return nil, storageError(err, "delete_record", "", "key", key)
			}
			return nil, nil
		}
		return nil, err
	}

	if err := s.setLocked(ctx, key, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// SetIfAbsent stores r under key only when no record exists there yet. It
// reports whether r was written.
func (s *Store) SetIfAbsent(ctx context.Context, key string, r *model.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := s.setLocked(ctx, key, r); err != nil {
		return false, err
	}
	return true, nil
}

// GetBlob returns a copy of the photo bytes stored under key
func (s *Store) GetBlob(ctx context.Context, key string) (_ []byte, err error) {
	defer func(start time.Time) { s.observe("get_blob", start, err) }(time.Now())
	data, ok, err := s.eng.getBlob(ctx, key)
	if err != nil {
		return nil, storageError(err, "get_blob", "", "key", key)
	}
	if !ok {
		return nil, nil
	}
	return data, nil
}

// PutBlob stores photo bytes under key
func (s *Store) PutBlob(ctx context.Context, key string, data []byte) (err error) {
	defer func(start time.Time) { s.observe("put_blob", start, err) }(time.Now())
	if key == "" {
		return errors.ValidationError("blob key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.eng.putBlob(ctx, key, slices.Clone(data)); err != nil {
		if errors.IsCategory(err, errors.CategoryStorage) {
			return err
		}
		return storageError(err, "put_blob", "", "key", key, "size", len(data))
	}
	return nil
}

// DeleteBlob removes the photo bytes stored under key
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.eng.deleteBlob(ctx, key); err != nil {
		return storageError(err, "delete_blob", "", "key", key)
	}
	return nil
}
