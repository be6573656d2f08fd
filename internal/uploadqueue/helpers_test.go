package uploadqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/wow-sync/internal/datastore"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/inat"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
)

var t0 = time.Date(2026, 7, 14, 6, 0, 0, 0, time.UTC)

// fakeRemote records calls and answers with configurable hooks
type fakeRemote struct {
	mu     sync.Mutex
	calls  []string
	nextID int64
	photo  int64

	onCreate   func(uuid string, fields map[string]any) (*inat.Observation, error)
	onUpdate   func(id int64, fields map[string]any) (*inat.Observation, error)
	onAddPhoto func(id int64, photoUUID string, data []byte) (*inat.ObservationPhoto, error)
	onDelete   func(id int64) error
	pingErr    error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{nextID: 555, photo: 900}
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRemote) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeRemote) CreateObservation(_ context.Context, uuid string, fields map[string]any) (*inat.Observation, error) {
	f.record("create")
	if f.onCreate != nil {
		return f.onCreate(uuid, fields)
	}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.mu.Unlock()
	return &inat.Observation{ID: id, UUID: uuid, Fields: fields}, nil
}

func (f *fakeRemote) UpdateObservation(_ context.Context, id int64, fields map[string]any) (*inat.Observation, error) {
	f.record("update")
	if f.onUpdate != nil {
		return f.onUpdate(id, fields)
	}
	return &inat.Observation{ID: id, Fields: fields}, nil
}

func (f *fakeRemote) DeleteObservation(_ context.Context, id int64) error {
	f.record("delete")
	if f.onDelete != nil {
		return f.onDelete(id)
	}
	return nil
}

func (f *fakeRemote) AddPhoto(_ context.Context, id int64, photoUUID, _ string, data []byte) (*inat.ObservationPhoto, error) {
	f.record("addPhoto")
	if f.onAddPhoto != nil {
		return f.onAddPhoto(id, photoUUID, data)
	}
	f.mu.Lock()
	pid := f.photo
	f.photo++
	f.mu.Unlock()
	return &inat.ObservationPhoto{ID: pid, UUID: photoUUID, URL: "https://static.example.test/photo.jpg"}, nil
}

func (f *fakeRemote) DeletePhoto(_ context.Context, _ int64) error {
	f.record("deletePhoto")
	return nil
}

func (f *fakeRemote) Ping(_ context.Context) error {
	f.record("ping")
	return f.pingErr
}

func retriableErr(msg string) error {
	return errors.Newf("%s", msg).Category(errors.CategoryServer).Build()
}

func validationErr(msg string) error {
	return errors.Newf("%s", msg).Category(errors.CategoryValidation).Build()
}

type fixture struct {
	store  *datastore.Store
	remote *fakeRemote
	clock  *MockClock
	proc   *Processor
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	store, err := datastore.Open(t.Context(), datastore.Options{ForceFallback: true}, logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 5}
	}

	f := &fixture{store: store, remote: newFakeRemote(), clock: NewMockClock(t0)}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	f.proc = New(store, f.remote, nil, cfg, nil, opts...)
	return f
}

// queue stores a submitted record updated at the given time
func (f *fixture) queue(t *testing.T, id string, fields map[string]any, at time.Time) *model.Record {
	t.Helper()
	r := model.NewRecord(id, fields, at)
	require.NoError(t, r.Submit(at))
	require.NoError(t, f.store.Set(t.Context(), id, r))
	return r
}

func (f *fixture) get(t *testing.T, id string) *model.Record {
	t.Helper()
	r, err := f.store.Get(t.Context(), id)
	require.NoError(t, err)
	return r
}
