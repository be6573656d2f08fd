package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/inat"
	"github.com/tphakala/wow-sync/internal/model"
)

var t0 = time.Date(2026, 6, 2, 8, 30, 0, 0, time.UTC)

func claimedRecord(t *testing.T, fields map[string]any) *model.Record {
	t.Helper()
	r := model.NewRecord("A", fields, t0)
	require.NoError(t, r.Submit(t0))
	require.NoError(t, r.Claim(t0))
	return r
}

func TestApplyCreateLinksServerID(t *testing.T) {
	t.Parallel()

	r := claimedRecord(t, map[string]any{"name": "Orchid"})
	d := NewDispatch(r)
	m := NewMerger(nil)

	obs := &inat.Observation{ID: 555, UUID: "A", Fields: map[string]any{
		"name":          "Orchid",
		"quality_grade": "casual",
		"faves_count":   0.0,
	}}
	require.NoError(t, m.ApplyCreate(r, d, obs))
	r.FinishPass(t0)

	require.NotNil(t, r.InatID)
	assert.Equal(t, int64(555), *r.InatID)
	assert.Empty(t, r.Meta.OutstandingActions)
	assert.Equal(t, model.StateSynced, r.Meta.RecordState)
	assert.Equal(t, "casual", r.Fields["quality_grade"], "server-computed field is adopted")
	assert.NotContains(t, r.Fields, "faves_count", "unlisted server fields are not adopted")
}

func TestApplyCreateKeepsConcurrentLocalEdits(t *testing.T) {
	t.Parallel()

	r := claimedRecord(t, map[string]any{"name": "Orchid", "note": "first"})
	d := NewDispatch(r)
	payload := d.Payload(r)
	assert.Equal(t, "first", payload["note"])

	// the user edits while the create is in flight
	require.NoError(t, r.SetField("note", "second", t0.Add(time.Second)))
	require.NoError(t, r.SetField("habitat", "fen", t0.Add(time.Second)))

	obs := &inat.Observation{ID: 7, UUID: "A", Fields: map[string]any{"name": "Orchid (server)", "note": "first"}}
	require.NoError(t, NewMerger(nil).ApplyCreate(r, d, obs))

	assert.Equal(t, "Orchid (server)", r.Fields["name"], "server wins for untouched dispatched fields")
	assert.Equal(t, "second", r.Fields["note"], "local wins for fields edited after dispatch")
	assert.False(t, r.HasAction(model.Action{Kind: model.ActionCreate}))
	assert.True(t, r.HasAction(model.Action{Kind: model.ActionUpdateField, Target: "note"}))
	assert.True(t, r.HasAction(model.Action{Kind: model.ActionUpdateField, Target: "habitat"}))
	assert.False(t, r.HasAction(model.Action{Kind: model.ActionUpdateField, Target: "name"}))

	r.FinishPass(t0)
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
}

func TestApplyCreateRejectsForeignObservation(t *testing.T) {
	t.Parallel()

	r := claimedRecord(t, nil)
	err := NewMerger(nil).ApplyCreate(r, NewDispatch(r), &inat.Observation{ID: 1, UUID: "B"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConsistency))
	assert.Nil(t, r.InatID)
}

func TestApplyFieldUpdate(t *testing.T) {
	t.Parallel()

	r := claimedRecord(t, map[string]any{"note": "a"})
	require.NoError(t, NewMerger(nil).ApplyCreate(r, NewDispatch(r), &inat.Observation{ID: 1, UUID: "A"}))
	r.FinishPass(t0)

	require.NoError(t, r.SetField("note", "b", t0))
	require.NoError(t, r.Claim(t0))
	action := model.Action{Kind: model.ActionUpdateField, Target: "note"}

	d := NewDispatch(r, "note")
	require.NoError(t, r.SetField("note", "c", t0))
	m := NewMerger(nil)
	require.NoError(t, m.ApplyFieldUpdate(r, "note", d, &inat.Observation{ID: 1, Fields: map[string]any{"note": "b"}}))
	assert.True(t, r.HasAction(action), "edited again after dispatch, stays queued")
	assert.Equal(t, "c", r.Fields["note"])

	d = NewDispatch(r, "note")
	require.NoError(t, m.ApplyFieldUpdate(r, "note", d, &inat.Observation{ID: 1, Fields: map[string]any{"note": "c"}}))
	assert.False(t, r.HasAction(action))

	err := m.ApplyFieldUpdate(r, "note", d, &inat.Observation{ID: 2})
	assert.True(t, errors.IsCategory(err, errors.CategoryConsistency))
}

func TestApplyPhoto(t *testing.T) {
	t.Parallel()

	r := model.NewRecord("A", nil, t0)
	require.NoError(t, r.AttachPhoto(model.PhotoRef{UUID: "p1", LocalBlobKey: "p1"}, t0))
	require.NoError(t, r.AttachPhoto(model.PhotoRef{UUID: "p2", LocalBlobKey: "p2"}, t0))
	require.NoError(t, r.PhotoCompressed("p1", t0))
	require.NoError(t, r.PhotoCompressed("p2", t0))

	m := NewMerger(nil)
	require.NoError(t, m.ApplyPhoto(r, "p1", &inat.ObservationPhoto{ID: 901, URL: "https://static.example.test/1.jpg"}))
	p, ok := r.Photo("p1")
	require.True(t, ok)
	assert.Equal(t, model.PhotoDone, p.UploadState)
	require.NotNil(t, p.RemotePhotoID)
	assert.Equal(t, int64(901), *p.RemotePhotoID)
	assert.Equal(t, "https://static.example.test/1.jpg", p.RemoteURL)
	assert.False(t, r.HasAction(model.Action{Kind: model.ActionAddPhoto, Target: "p1"}))

	// removed locally while the upload was in flight
	_, err := r.RemovePhoto("p2", t0)
	require.NoError(t, err)
	require.NoError(t, m.ApplyPhoto(r, "p2", &inat.ObservationPhoto{ID: 902}))
	assert.True(t, r.HasAction(model.Action{Kind: model.ActionDeletePhoto, Target: "902"}))

	m.ApplyPhotoDelete(r, "902")
	assert.False(t, r.HasActionKind(model.ActionDeletePhoto))
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	in := []inat.Observation{{ID: 1}, {ID: 1}, {ID: 2}}
	out := Dedupe(in)
	assert.Len(t, out, 2)

	latest := Dedupe([]inat.Observation{
		{ID: 1, Fields: map[string]any{"v": "old"}},
		{ID: 2},
		{ID: 1, Fields: map[string]any{"v": "new"}},
	})
	require.Len(t, latest, 2)
	assert.Equal(t, int64(1), latest[0].ID)
	assert.Equal(t, "new", latest[0].Fields["v"])
	assert.Equal(t, int64(2), latest[1].ID)
}
