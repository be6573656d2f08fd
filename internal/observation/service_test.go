package observation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/wow-sync/internal/codec"
	"github.com/tphakala/wow-sync/internal/datastore"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
)

var t0 = time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)

const taxaJSON = `{"version": 4, "taxa": [
	[47217, "Orchis mascula", "Early-purple Orchid", "species"],
	[120371, "Ophrys apifera", "Bee Orchid", "species"]
]}`

type harness struct {
	store   *datastore.Store
	svc     *Service
	changes int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := datastore.Open(t.Context(), datastore.Options{ForceFallback: true}, logger.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	taxa, err := codec.DecodeTaxa([]byte(taxaJSON))
	require.NoError(t, err)

	h := &harness{store: store}
	h.svc = NewService(store, nil,
		WithTaxa(taxa),
		WithNow(func() time.Time { return t0 }),
		WithOnChange(func() { h.changes++ }))
	return h
}

// put stores a record built by fn from a fresh submitted record
func (h *harness) put(t *testing.T, id string, fn func(r *model.Record)) {
	t.Helper()
	r := model.NewRecord(id, map[string]any{"description": "seen"}, t0)
	require.NoError(t, r.Submit(t0))
	fn(r)
	require.NoError(t, h.store.Set(t.Context(), id, r))
}

func synced(t *testing.T, serverID int64) func(r *model.Record) {
	return func(r *model.Record) {
		require.NoError(t, r.Claim(t0))
		require.NoError(t, r.LinkServerID(serverID))
		r.CompleteAction(model.Action{Kind: model.ActionCreate})
		r.FinishPass(t0)
		require.Equal(t, model.StateSynced, r.Meta.RecordState)
	}
}

func TestCreateQueuesRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r, err := h.svc.Create(t.Context(), CreateInput{Fields: map[string]any{"description": "meadow"}})
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.True(t, r.HasAction(model.Action{Kind: model.ActionCreate}))
	assert.Equal(t, 1, h.changes)

	stored, err := h.svc.Get(t.Context(), r.UUID)
	require.NoError(t, err)
	assert.Equal(t, "meadow", stored.Fields["description"])
}

func TestCreateWithPhotosNeedsLocalProcessing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	r, err := h.svc.Create(ctx, CreateInput{
		Photos: []Photo{{Data: []byte("one")}, {Data: []byte("two"), MIMEType: "image/png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateWithLocalProcessing, r.Meta.RecordState)
	assert.Equal(t, 2, r.Meta.PendingPhotoCount)
	require.Len(t, r.Photos, 2)
	assert.Equal(t, "image/jpeg", r.Photos[0].MIMEType)
	assert.Equal(t, "image/png", r.Photos[1].MIMEType)

	for i, want := range []string{"one", "two"} {
		data, err := h.store.GetBlob(ctx, r.Photos[i].LocalBlobKey)
		require.NoError(t, err)
		assert.Equal(t, []byte(want), data)
	}
}

func TestCreateDraftAndSubmit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	r, err := h.svc.Create(ctx, CreateInput{Fields: map[string]any{"description": "draft"}, Draft: true})
	require.NoError(t, err)
	assert.Equal(t, model.StateLocalOnly, r.Meta.RecordState)
	assert.Zero(t, h.changes, "drafts are not queued")

	r, err = h.svc.Submit(ctx, r.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.Equal(t, 1, h.changes)

	_, err = h.svc.Submit(ctx, r.UUID)
	require.Error(t, err, "only drafts can be submitted")
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

func TestCreateRejectsEmptyPhoto(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.Create(t.Context(), CreateInput{Photos: []Photo{{Data: []byte("ok")}, {}}})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	all, err := h.svc.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSpeciesNameFillsTaxon(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	r, err := h.svc.Create(ctx, CreateInput{Fields: map[string]any{FieldSpeciesGuess: "  orchis MASCULA "}})
	require.NoError(t, err)
	stored, err := h.svc.Get(ctx, r.UUID)
	require.NoError(t, err)
	assert.Equal(t, float64(47217), stored.Fields[FieldTaxonID])

	r, err = h.svc.Create(ctx, CreateInput{Fields: map[string]any{FieldSpeciesGuess: "Bee Orchid", FieldTaxonID: 1}})
	require.NoError(t, err)
	assert.Equal(t, float64(1), r.Fields[FieldTaxonID], "explicit taxon wins")

	r, err = h.svc.Create(ctx, CreateInput{Fields: map[string]any{FieldSpeciesGuess: "unknown orchid"}})
	require.NoError(t, err)
	assert.NotContains(t, r.Fields, FieldTaxonID)
}

func TestSetFieldOnSyncedRecordQueuesUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.put(t, "S", synced(t, 7))

	r, err := h.svc.SetField(t.Context(), "S", FieldSpeciesGuess, "Bee Orchid")
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.Equal(t, []model.Action{
		{Kind: model.ActionUpdateField, Target: FieldSpeciesGuess},
		{Kind: model.ActionUpdateField, Target: FieldTaxonID},
	}, r.SortedActions())
	assert.Equal(t, float64(120371), r.Fields[FieldTaxonID])
	assert.Equal(t, 1, h.changes)

	r, err = h.svc.SetField(t.Context(), "S", FieldSpeciesGuess, "ophrys apifera")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.FieldRevision(FieldTaxonID), "unchanged taxon is not rewritten")
}

func TestSetFieldUnknownRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.SetField(t.Context(), "missing", "description", "x")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = h.svc.Get(t.Context(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestAttachAndRemovePhoto(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()
	h.put(t, "A", func(*model.Record) {})

	r, err := h.svc.AttachPhoto(ctx, "A", Photo{Data: []byte("jpeg")})
	require.NoError(t, err)
	require.Len(t, r.Photos, 1)
	assert.Equal(t, model.StateWithLocalProcessing, r.Meta.RecordState)
	key := r.Photos[0].LocalBlobKey

	r, err = h.svc.RemovePhoto(ctx, "A", r.Photos[0].UUID)
	require.NoError(t, err)
	assert.Empty(t, r.Photos)
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.False(t, r.HasActionKind(model.ActionAddPhoto))

	data, err := h.store.GetBlob(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestAttachPhotoToMissingRecordLeavesNoBlob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.svc.AttachPhoto(t.Context(), "missing", Photo{Data: []byte("jpeg")})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteUnsyncedRemovesEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	r, err := h.svc.Create(ctx, CreateInput{Photos: []Photo{{Data: []byte("p")}}})
	require.NoError(t, err)
	key := r.Photos[0].LocalBlobKey

	got, err := h.svc.Delete(ctx, r.UUID)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := h.store.Get(ctx, r.UUID)
	require.NoError(t, err)
	assert.Nil(t, stored)
	data, err := h.store.GetBlob(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDeleteSyncedTombstones(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.put(t, "S", synced(t, 9))

	r, err := h.svc.Delete(t.Context(), "S")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, model.StateDeleted, r.Meta.RecordState)
	assert.Equal(t, []model.Action{{Kind: model.ActionDelete}}, r.Meta.OutstandingActions)
	assert.Equal(t, 1, h.changes)

	_, err = h.svc.SetField(t.Context(), "S", "description", "late edit")
	require.Error(t, err, "deleted records are read-only")
}

func TestDeleteRefusedWhileUploading(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.put(t, "U", func(r *model.Record) { require.NoError(t, r.Claim(t0)) })

	_, err := h.svc.Delete(t.Context(), "U")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

func TestRetryResubmitsErroredRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.put(t, "E", func(r *model.Record) {
		require.NoError(t, r.Claim(t0))
		r.FailAction(model.Action{Kind: model.ActionCreate}, errors.ValidationError("bad date"), true, time.Time{}, t0)
	})

	r, err := h.svc.Retry(t.Context(), "E")
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.Zero(t, r.Meta.RetryCount)
	assert.Len(t, r.Meta.Errors, 1, "history is kept")

	_, err = h.svc.Retry(t.Context(), "E")
	require.Error(t, err)
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()
	h.put(t, "U", func(r *model.Record) { require.NoError(t, r.Claim(t0)) })
	h.put(t, "P", func(*model.Record) {})

	n, err := h.svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := h.svc.Get(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)

	n, err = h.svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatsAndList(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, "S", synced(t, 3))
	h.put(t, "P", func(r *model.Record) { r.Meta.NextAttemptAt = t0.Add(time.Minute) })
	h.put(t, "Q", func(r *model.Record) { r.Meta.NextAttemptAt = t0.Add(time.Hour) })
	_, err := h.svc.Create(ctx, CreateInput{Draft: true, Photos: []Photo{{Data: []byte("x")}}})
	require.NoError(t, err)

	st, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.ByState[model.StateSynced])
	assert.Equal(t, 2, st.ByState[model.StatePendingSync])
	assert.Equal(t, 1, st.ByState[model.StateLocalOnly])
	assert.Zero(t, st.ByState[model.StateError])
	assert.Equal(t, 1, st.PendingPhotos)
	assert.Equal(t, 4, st.PendingActions, "creates plus the draft photo upload")
	assert.Equal(t, t0.Add(time.Minute), st.NextAttemptAt)
	assert.Equal(t, t0, st.LastSyncedAt)

	pending, err := h.svc.List(ctx, model.StatePendingSync)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}
