package uploadqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/inat"
	"github.com/tphakala/wow-sync/internal/model"
)

func TestEmptyQueueMakesNoNetworkCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	// a draft is not queued
	require.NoError(t, f.store.Set(t.Context(), "draft", model.NewRecord("draft", nil, t0)))

	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
	assert.Empty(t, f.remote.Calls())
}

func TestCreateSyncsRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", map[string]any{"name": "Orchid"}, t0)

	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Actions)

	r := f.get(t, "A")
	require.NotNil(t, r.InatID)
	assert.Equal(t, int64(555), *r.InatID)
	assert.Empty(t, r.Meta.OutstandingActions)
	assert.Equal(t, model.StateSynced, r.Meta.RecordState)
	assert.Zero(t, r.Meta.RetryCount)
	assert.Equal(t, t0, r.Meta.LastSyncedAt)
}

func TestCreateIsNotRepeatedAfterPhotoFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	r := model.NewRecord("A", map[string]any{"name": "Orchid"}, t0)
	require.NoError(t, r.AttachPhoto(model.PhotoRef{UUID: "p1", LocalBlobKey: "p1", MIMEType: "image/jpeg"}, t0))
	require.NoError(t, r.PhotoCompressed("p1", t0))
	require.NoError(t, r.Submit(t0))
	require.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	require.NoError(t, f.store.Set(ctx, "A", r))
	require.NoError(t, f.store.PutBlob(ctx, "p1", []byte("jpeg-bytes")))

	failPhoto := true
	f.remote.onAddPhoto = func(_ int64, photoUUID string, data []byte) (*inat.ObservationPhoto, error) {
		if failPhoto {
			return nil, retriableErr("photo service unavailable")
		}
		assert.Equal(t, []byte("jpeg-bytes"), data)
		return &inat.ObservationPhoto{ID: 901, UUID: photoUUID}, nil
	}

	summary, err := f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Retried)

	after := f.get(t, "A")
	require.NotNil(t, after.InatID, "create is confirmed despite the photo failure")
	assert.Equal(t, []model.Action{{Kind: model.ActionAddPhoto, Target: "p1"}}, after.Meta.OutstandingActions)
	assert.Equal(t, model.StatePendingSync, after.Meta.RecordState)
	assert.Equal(t, 1, after.Meta.RetryCount)
	assert.Equal(t, t0.Add(time.Minute), after.Meta.NextAttemptAt)
	require.Len(t, after.Meta.Errors, 1)
	assert.Equal(t, "addPhoto:p1", after.Meta.Errors[0].Action)
	assert.True(t, after.Meta.Errors[0].Retriable)

	failPhoto = false
	f.clock.Advance(time.Minute)
	summary, err = f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	assert.Equal(t, 1, f.remote.count("create"), "no duplicate create")
	assert.Equal(t, 2, f.remote.count("addPhoto"))

	final := f.get(t, "A")
	assert.Equal(t, model.StateSynced, final.Meta.RecordState)
	assert.Zero(t, final.Meta.RetryCount)
	photo, ok := final.Photo("p1")
	require.True(t, ok)
	assert.Equal(t, model.PhotoDone, photo.UploadState)
	require.NotNil(t, photo.RemotePhotoID)
	assert.Equal(t, int64(901), *photo.RemotePhotoID)
}

func TestRetryCountIncrementsOncePerPass(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Retry: RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 10}})
	f.queue(t, "A", map[string]any{"name": "Orchid"}, t0)
	f.remote.onCreate = func(string, map[string]any) (*inat.Observation, error) {
		return nil, retriableErr("gateway timeout")
	}

	for pass := 1; pass <= 3; pass++ {
		_, err := f.proc.ProcessQueue(t.Context())
		require.NoError(t, err)

		r := f.get(t, "A")
		assert.Equal(t, pass, r.Meta.RetryCount)
		assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
		assert.Equal(t, []model.Action{{Kind: model.ActionCreate}}, r.Meta.OutstandingActions)
		f.clock.Advance(time.Hour)
	}
	assert.Equal(t, 3, f.remote.count("create"))
}

func TestBackoffDefersRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", nil, t0)
	f.remote.onCreate = func(string, map[string]any) (*inat.Observation, error) {
		return nil, retriableErr("server error")
	}

	_, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), f.get(t, "A").Meta.NextAttemptAt)

	calls := len(f.remote.Calls())
	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary, "record waits for its backoff")
	assert.Len(t, f.remote.Calls(), calls)

	// second failure doubles the delay
	f.clock.Advance(time.Minute)
	_, err = f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute+2*time.Minute), f.get(t, "A").Meta.NextAttemptAt)
}

func TestRetryAfterExtendsBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", nil, t0)
	f.remote.onCreate = func(string, map[string]any) (*inat.Observation, error) {
		return nil, errors.New(&inat.APIError{StatusCode: 429, RetryAfter: 45 * time.Minute}).
			Category(errors.CategoryRateLimit).
			Build()
	}

	_, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	r := f.get(t, "A")
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.Equal(t, t0.Add(45*time.Minute), r.Meta.NextAttemptAt)
}

func TestFatalFailureParksRecordInError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", map[string]any{"observed_on": "not a date"}, t0)
	f.remote.onCreate = func(string, map[string]any) (*inat.Observation, error) {
		return nil, validationErr("observed_on is invalid")
	}

	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Retried)

	r := f.get(t, "A")
	assert.Equal(t, model.StateError, r.Meta.RecordState)
	require.Len(t, r.Meta.Errors, 1)
	assert.Equal(t, string(errors.CategoryValidation), r.Meta.Errors[0].Category)
	assert.False(t, r.Meta.Errors[0].Retriable)

	f.clock.Advance(24 * time.Hour)
	summary, err = f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary, "no automatic retries")
	assert.Equal(t, 1, f.remote.count("create"))
}

func TestMaxAttemptsReclassifiesAsFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{Retry: RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 2}})
	f.queue(t, "A", nil, t0)
	f.remote.onCreate = func(string, map[string]any) (*inat.Observation, error) {
		return nil, retriableErr("still down")
	}

	_, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, model.StatePendingSync, f.get(t, "A").Meta.RecordState)

	f.clock.Advance(time.Hour)
	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Retried)

	r := f.get(t, "A")
	assert.Equal(t, model.StateError, r.Meta.RecordState)
	assert.Equal(t, 2, r.Meta.RetryCount)
}

func TestFailureDoesNotHaltQueue(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "newer", map[string]any{"n": 2}, t0.Add(time.Minute))
	f.queue(t, "older", map[string]any{"n": 1}, t0)

	var order []string
	f.remote.onCreate = func(uuid string, fields map[string]any) (*inat.Observation, error) {
		order = append(order, uuid)
		if uuid == "older" {
			return nil, validationErr("rejected")
		}
		return &inat.Observation{ID: 42, UUID: uuid, Fields: fields}, nil
	}

	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"older", "newer"}, order, "oldest-updated first")
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, model.StateError, f.get(t, "older").Meta.RecordState)
	assert.Equal(t, model.StateSynced, f.get(t, "newer").Meta.RecordState)
}

func TestActionsRunInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	r := model.NewRecord("A", map[string]any{"name": "Orchid"}, t0)
	require.NoError(t, r.Submit(t0))
	require.NoError(t, r.Claim(t0))
	require.NoError(t, r.LinkServerID(7))
	r.CompleteAction(model.Action{Kind: model.ActionCreate})
	r.FinishPass(t0)

	require.NoError(t, r.AttachPhoto(model.PhotoRef{UUID: "p1", LocalBlobKey: "p1"}, t0))
	require.NoError(t, r.PhotoCompressed("p1", t0))
	require.NoError(t, r.SetField("note", "fen", t0))
	r.AddAction(model.Action{Kind: model.ActionDeletePhoto, Target: "300"})
	require.NoError(t, f.store.Set(ctx, "A", r))
	require.NoError(t, f.store.PutBlob(ctx, "p1", []byte("img")))

	var updates []map[string]any
	f.remote.onUpdate = func(id int64, fields map[string]any) (*inat.Observation, error) {
		assert.Equal(t, int64(7), id)
		updates = append(updates, fields)
		return &inat.Observation{ID: id, Fields: fields}, nil
	}

	summary, err := f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Actions)
	assert.Equal(t, []string{"ping", "update", "addPhoto", "deletePhoto"}, f.remote.Calls())
	assert.Equal(t, []map[string]any{{"note": "fen"}}, updates)
	assert.Equal(t, model.StateSynced, f.get(t, "A").Meta.RecordState)
}

func TestDeleteRemovesRecordAfterConfirmation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()

	r := model.NewRecord("A", nil, t0)
	require.NoError(t, r.AttachPhoto(model.PhotoRef{UUID: "p1", LocalBlobKey: "p1"}, t0))
	require.NoError(t, r.PhotoCompressed("p1", t0))
	require.NoError(t, r.Submit(t0))
	require.NoError(t, f.store.Set(ctx, "A", r))
	require.NoError(t, f.store.PutBlob(ctx, "p1", []byte("img")))

	_, err := f.proc.ProcessQueue(ctx)
	require.NoError(t, err)

	_, err = f.store.Update(ctx, "A", func(r *model.Record) error {
		_, err := r.MarkDeleted(t0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateDeleted, f.get(t, "A").Meta.RecordState)

	deleteFails := true
	f.remote.onDelete = func(id int64) error {
		assert.Equal(t, int64(555), id)
		if deleteFails {
			return retriableErr("timeout")
		}
		return nil
	}

	_, err = f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StateDeleted, f.get(t, "A").Meta.RecordState, "tombstone kept until confirmed")

	deleteFails = false
	f.clock.Advance(time.Hour)
	_, err = f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Nil(t, f.get(t, "A"))

	blob, err := f.store.GetBlob(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestConcurrentEditDuringCreateIsQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", map[string]any{"note": "v1"}, t0)

	f.remote.onCreate = func(uuid string, fields map[string]any) (*inat.Observation, error) {
		// the user edits while the request is in flight
		_, err := f.store.Update(context.Background(), uuid, func(r *model.Record) error {
			return r.SetField("note", "v2", t0)
		})
		require.NoError(t, err)
		return &inat.Observation{ID: 1, UUID: uuid, Fields: fields}, nil
	}

	_, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)

	r := f.get(t, "A")
	assert.Equal(t, "v2", r.Fields["note"])
	assert.Equal(t, 1, f.remote.count("update"), "edit is sent in the same pass")
	assert.Equal(t, model.StateSynced, r.Meta.RecordState)
}

func TestReentrancyGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", nil, t0)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.onCreate = func(uuid string, _ map[string]any) (*inat.Observation, error) {
		close(entered)
		<-release
		return &inat.Observation{ID: 1, UUID: uuid}, nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var first Summary
	go func() {
		defer wg.Done()
		first, _ = f.proc.ProcessQueue(context.Background())
	}()

	<-entered
	assert.True(t, f.proc.Running())
	second, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.True(t, second.AlreadyRunning)

	uploading := f.get(t, "A")
	assert.Equal(t, model.StateUploading, uploading.Meta.RecordState)

	close(release)
	wg.Wait()
	assert.Equal(t, 1, first.Succeeded)
	assert.False(t, f.proc.Running())
}

func TestOfflineSkipsPass(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, WithOnlineCheck(func(context.Context) bool { return false }))
	f.queue(t, "A", nil, t0)

	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.True(t, summary.Offline)
	assert.Empty(t, f.remote.Calls())
	assert.Equal(t, model.StatePendingSync, f.get(t, "A").Meta.RecordState)
}

func TestDefaultOnlineCheckPings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.remote.pingErr = errors.NewStd("no route to host")
	f.queue(t, "A", nil, t0)

	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.True(t, summary.Offline)
	assert.Equal(t, []string{"ping"}, f.remote.Calls())
}

func TestCancelledPassReleasesClaim(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", map[string]any{"n": 1}, t0)

	ctx, cancel := context.WithCancel(t.Context())
	f.remote.onCreate = func(uuid string, fields map[string]any) (*inat.Observation, error) {
		_, err := f.store.Update(context.Background(), uuid, func(rec *model.Record) error {
			return rec.SetField("n", 2, t0)
		})
		require.NoError(t, err)
		cancel()
		return &inat.Observation{ID: 3, UUID: uuid, Fields: fields}, nil
	}

	_, err := f.store.Update(t.Context(), "A", func(rec *model.Record) error {
		rec.Meta.RetryCount = 2
		return nil
	})
	require.NoError(t, err)

	summary, err := f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Succeeded)
	assert.Equal(t, 1, summary.Actions)

	r := f.get(t, "A")
	require.NotNil(t, r.InatID, "in-flight exchange completes")
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.Equal(t, []model.Action{{Kind: model.ActionUpdateField, Target: "n"}}, r.Meta.OutstandingActions)
	assert.Equal(t, 2, r.Meta.RetryCount, "an interrupted pass is not a successful one")
	assert.Zero(t, f.remote.count("update"))
}

func TestPhotoAttachedDuringUploadWaitsForCompression(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := t.Context()
	f.queue(t, "A", map[string]any{"name": "Orchid"}, t0)
	require.NoError(t, f.store.PutBlob(ctx, "late", []byte("raw-original")))

	f.remote.onCreate = func(uuid string, fields map[string]any) (*inat.Observation, error) {
		_, err := f.store.Update(context.Background(), uuid, func(rec *model.Record) error {
			return rec.AttachPhoto(model.PhotoRef{UUID: "late", LocalBlobKey: "late", MIMEType: "image/jpeg"}, t0)
		})
		require.NoError(t, err)
		return &inat.Observation{ID: 555, UUID: uuid, Fields: fields}, nil
	}

	summary, err := f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []string{"ping", "create"}, f.remote.Calls())

	r := f.get(t, "A")
	assert.Equal(t, model.StateWithLocalProcessing, r.Meta.RecordState)
	assert.Equal(t, 1, r.Meta.PendingPhotoCount)
	assert.Equal(t, []model.Action{{Kind: model.ActionAddPhoto, Target: "late"}}, r.Meta.OutstandingActions)
	photo, ok := r.Photo("late")
	require.True(t, ok)
	assert.Equal(t, model.PhotoNotStarted, photo.UploadState)

	local, err := f.proc.ProcessLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, local.Records)

	f.remote.onCreate = nil
	_, err = f.proc.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.remote.count("addPhoto"))
	assert.Equal(t, model.StateSynced, f.get(t, "A").Meta.RecordState)
}

func TestSignedOutSkipsPass(t *testing.T) {
	t.Parallel()
	signedIn := false
	f := newFixture(t, Config{}, WithSessionCheck(func() bool { return signedIn }))
	f.queue(t, "A", nil, t0)

	summary, err := f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.True(t, summary.SignedOut)
	assert.Empty(t, f.remote.Calls())

	r := f.get(t, "A")
	assert.Equal(t, model.StatePendingSync, r.Meta.RecordState)
	assert.Zero(t, r.Meta.RetryCount)
	assert.Empty(t, r.Meta.Errors)

	signedIn = true
	summary, err = f.proc.ProcessQueue(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestExclusiveBlocksPasses(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.queue(t, "A", nil, t0)

	ran, err := f.proc.Exclusive(func() error {
		summary, err := f.proc.ProcessQueue(t.Context())
		require.NoError(t, err)
		assert.True(t, summary.AlreadyRunning)

		nested, _ := f.proc.Exclusive(func() error { return nil })
		assert.False(t, nested)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, f.proc.Running())
	assert.Empty(t, f.remote.Calls())
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3}
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, time.Minute},
		{500, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.retries), "retries=%d", tt.retries)
	}

	assert.False(t, p.Fatal(retriableErr("x"), 0))
	assert.False(t, p.Fatal(retriableErr("x"), 1))
	assert.True(t, p.Fatal(retriableErr("x"), 2))
	assert.True(t, p.Fatal(validationErr("x"), 0))

	unlimited := RetryPolicy{BaseDelay: time.Second}
	assert.False(t, unlimited.Fatal(retriableErr("x"), 1000))
}

func TestRetryPolicyDelayNeverOverflows(t *testing.T) {
	t.Parallel()

	huge := RetryPolicy{BaseDelay: time.Duration(1 << 62)}
	assert.Equal(t, time.Duration(1<<62), huge.Delay(1))

	uncapped := RetryPolicy{BaseDelay: time.Nanosecond}
	for _, retries := range []int{61, 62, 63, 64, 1000} {
		assert.Positive(t, uncapped.Delay(retries), "retries=%d", retries)
	}
	assert.Equal(t, time.Duration(1<<62), uncapped.Delay(62))
}
