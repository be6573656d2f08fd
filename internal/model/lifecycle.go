package model

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/tphakala/wow-sync/internal/errors"
)

// Sentinel errors for lifecycle transitions
var (
	ErrInvalidTransition = errors.NewStd("invalid lifecycle transition")
	ErrPhotoNotFound     = errors.NewStd("photo not found")
	ErrNotEligible       = errors.NewStd("record not eligible for upload")
)

func transitionError(r *Record, op string) error {
	return errors.New(fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, r.Meta.RecordState)).
		Component("model").
		Category(errors.CategoryState).
		Context("record_uuid", r.UUID).
		Context("operation", op).
		Build()
}

// NewRecord creates a local draft with a pending create action
func NewRecord(id string, fields map[string]any, now time.Time) *Record {
	r := &Record{
		UUID:          id,
		SchemaVersion: CurrentRecordVersion,
		Fields:        make(map[string]any, len(fields)),
		Photos:        []PhotoRef{},
		Meta: WowMeta{
			RecordState:        StateLocalOnly,
			OutstandingActions: []Action{{Kind: ActionCreate}},
			Errors:             []ErrorEntry{},
			FieldRevisions:     make(map[string]uint64, len(fields)),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range fields {
		r.Fields[k] = NormalizeValue(v)
		r.Meta.FieldRevisions[k] = 1
	}
	return r
}

// CheckMutable refuses lifecycle mutation of records written by another schema version
func (r *Record) CheckMutable() error {
	if r.SchemaVersion != CurrentRecordVersion {
		return errors.New(fmt.Errorf("record %s has schema version %d, expected %d: locked pending migration",
			r.UUID, r.SchemaVersion, CurrentRecordVersion)).
			Component("model").
			Category(errors.CategoryConsistency).
			Context("record_uuid", r.UUID).
			Context("schema_version", r.SchemaVersion).
			Build()
	}
	return nil
}

// Validate checks the record invariants
func (r *Record) Validate() error {
	if r.UUID == "" {
		return errors.ValidationError("record uuid is empty")
	}
	if !slices.Contains(AllStates, r.Meta.RecordState) {
		return errors.ValidationError(fmt.Sprintf("record %s has unknown state %q", r.UUID, r.Meta.RecordState))
	}
	if r.InatID != nil && r.Meta.RecordState == StateLocalOnly {
		return errors.ConsistencyError(fmt.Sprintf("record %s has server id %d but is LocalOnly", r.UUID, *r.InatID), r.UUID)
	}
	for k, v := range r.Fields {
		if !storedForm(v) {
			return errors.ValidationError(fmt.Sprintf("record %s field %s holds %T, normalize it with NormalizeValue", r.UUID, k, v))
		}
	}
	return nil
}

// storedForm reports whether v reads back unchanged from the store: JSON
// numbers decode as float64, so other numeric types would not.
func storedForm(v any) bool {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return true
	case map[string]any:
		for _, e := range t {
			if !storedForm(e) {
				return false
			}
		}
		return true
	case []any:
		for _, e := range t {
			if !storedForm(e) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// settle derives the resting state from outstanding work
func (r *Record) settle() {
	switch {
	case r.HasActionKind(ActionDelete):
		r.Meta.RecordState = StateDeleted
	case r.Meta.PendingPhotoCount > 0:
		r.Meta.RecordState = StateWithLocalProcessing
	case len(r.Meta.OutstandingActions) > 0:
		r.Meta.RecordState = StatePendingSync
	case r.InatID != nil:
		r.Meta.RecordState = StateSynced
	default:
		r.Meta.RecordState = StateLocalOnly
	}
}

// settleIfQueued re-derives the state for records already handed to the queue.
// Drafts, errored, uploading and deleted records keep their state.
func (r *Record) settleIfQueued() {
	switch r.Meta.RecordState {
	case StateWithLocalProcessing, StatePendingSync, StateSynced:
		r.settle()
	}
}

func (r *Record) recountPending() {
	n := 0
	for _, p := range r.Photos {
		if p.UploadState == PhotoNotStarted || p.UploadState == PhotoCompressing {
			n++
		}
	}
	r.Meta.PendingPhotoCount = n
}

func (r *Record) touch(now time.Time) {
	r.UpdatedAt = now
}

func (r *Record) checkEditable(op string) error {
	if err := r.CheckMutable(); err != nil {
		return err
	}
	if r.Meta.RecordState == StateDeleted {
		return transitionError(r, op)
	}
	return nil
}

// AttachPhoto adds a photo awaiting compression and queues its upload
func (r *Record) AttachPhoto(p PhotoRef, now time.Time) error {
	if err := r.checkEditable("attach_photo"); err != nil {
		return err
	}
	if _, exists := r.Photo(p.UUID); exists {
		return errors.ValidationError(fmt.Sprintf("photo %s already attached", p.UUID))
	}

	p.ObservationUUID = r.UUID
	p.UploadState = PhotoNotStarted
	p.RemotePhotoID = nil
	p.RemoteURL = ""
	r.Photos = append(r.Photos, p)
	r.AddAction(Action{Kind: ActionAddPhoto, Target: p.UUID})
	r.recountPending()
	r.settleIfQueued()
	r.touch(now)
	return nil
}

// Submit hands a draft to the queue. Photos still waiting for compression
// park it in WithLocalProcessing.
func (r *Record) Submit(now time.Time) error {
	if err := r.CheckMutable(); err != nil {
		return err
	}
	if r.Meta.RecordState != StateLocalOnly {
		return transitionError(r, "submit")
	}
	r.recountPending()
	r.settle()
	r.touch(now)
	return nil
}

// StartCompressing marks a photo as being compressed
func (r *Record) StartCompressing(photoUUID string) error {
	p, ok := r.Photo(photoUUID)
	if !ok {
		return ErrPhotoNotFound
	}
	if p.UploadState != PhotoNotStarted {
		return nil
	}
	p.UploadState = PhotoCompressing
	return nil
}

// PhotoCompressed marks a photo ready for upload. When the last pending photo
// completes, a record in WithLocalProcessing moves to PendingSync.
func (r *Record) PhotoCompressed(photoUUID string, now time.Time) error {
	p, ok := r.Photo(photoUUID)
	if !ok {
		return ErrPhotoNotFound
	}
	if p.UploadState != PhotoNotStarted && p.UploadState != PhotoCompressing {
		return nil
	}
	p.UploadState = PhotoCompressed
	r.recountPending()
	if r.Meta.RecordState == StateWithLocalProcessing {
		r.settle()
	}
	r.touch(now)
	return nil
}

// SetField changes one attribute and bumps its revision. Once the create
// action has been confirmed the change is queued as an updateField action.
func (r *Record) SetField(key string, value any, now time.Time) error {
	if err := r.checkEditable("set_field"); err != nil {
		return err
	}
	if key == "" {
		return errors.ValidationError("field key is empty")
	}

	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[key] = NormalizeValue(value)
	r.bumpRevision(key)

	if !r.HasAction(Action{Kind: ActionCreate}) {
		r.AddAction(Action{Kind: ActionUpdateField, Target: key})
	}
	r.settleIfQueued()
	r.touch(now)
	return nil
}

// RemovePhoto detaches a photo. Unsent photos simply disappear; photos
// already on the server are queued for remote deletion.
func (r *Record) RemovePhoto(photoUUID string, now time.Time) (PhotoRef, error) {
	if err := r.checkEditable("remove_photo"); err != nil {
		return PhotoRef{}, err
	}

	idx := slices.IndexFunc(r.Photos, func(p PhotoRef) bool { return p.UUID == photoUUID })
	if idx < 0 {
		return PhotoRef{}, ErrPhotoNotFound
	}
	removed := r.Photos[idx]
	r.Photos = slices.Delete(r.Photos, idx, idx+1)

	r.RemoveAction(Action{Kind: ActionAddPhoto, Target: photoUUID})
	if removed.RemotePhotoID != nil {
		r.AddAction(Action{Kind: ActionDeletePhoto, Target: strconv.FormatInt(*removed.RemotePhotoID, 10)})
	}

	r.recountPending()
	r.settleIfQueued()
	r.touch(now)
	return removed, nil
}

// MarkDeleted tombstones the record. It reports true when the record has
// never reached the server and can be removed from the store right away.
func (r *Record) MarkDeleted(now time.Time) (bool, error) {
	if err := r.CheckMutable(); err != nil {
		return false, err
	}
	switch r.Meta.RecordState {
	case StateUploading:
		return false, transitionError(r, "delete")
	case StateDeleted:
		return false, nil
	}

	if r.InatID == nil {
		return true, nil
	}

	r.Meta.OutstandingActions = []Action{{Kind: ActionDelete}}
	r.Meta.RetryCount = 0
	r.Meta.NextAttemptAt = time.Time{}
	r.settle()
	r.touch(now)
	return false, nil
}

// Claim marks the record as the single record currently uploading
func (r *Record) Claim(now time.Time) error {
	if err := r.CheckMutable(); err != nil {
		return err
	}
	if !r.IsEligible(now) {
		return ErrNotEligible
	}
	r.Meta.RecordState = StateUploading
	return nil
}

// LinkServerID records the server-assigned id. The id is immutable once set.
func (r *Record) LinkServerID(id int64) error {
	if r.InatID != nil {
		if *r.InatID == id {
			return nil
		}
		return errors.ConsistencyError(
			fmt.Sprintf("record %s already linked to server id %d, got %d", r.UUID, *r.InatID, id), r.UUID)
	}
	r.InatID = &id
	return nil
}

// CompleteAction removes a confirmed action
func (r *Record) CompleteAction(a Action) {
	r.RemoveAction(a)
}

// FailAction records a failed action. Retriable failures wait until
// nextAttempt; fatal failures park the record in Error.
func (r *Record) FailAction(a Action, cause error, fatal bool, nextAttempt, now time.Time) {
	r.appendError(ErrorEntry{
		At:        now,
		Action:    a.String(),
		Category:  string(errors.CategoryOf(cause)),
		Message:   cause.Error(),
		Retriable: !fatal,
	})
	r.Meta.RetryCount++

	if a.Kind == ActionAddPhoto {
		if p, ok := r.Photo(a.Target); ok {
			p.UploadState = PhotoFailed
		}
	}

	if fatal {
		r.Meta.RecordState = StateError
		r.Meta.NextAttemptAt = time.Time{}
	} else {
		r.Meta.NextAttemptAt = nextAttempt
		r.settle()
	}
	r.touch(now)
}

// Release returns a claimed record to the queue after an interrupted pass.
// Retry bookkeeping is left as it was.
func (r *Record) Release() {
	if r.Meta.RecordState != StateUploading {
		return
	}
	r.recountPending()
	r.settle()
}

// FinishPass closes a pass in which every attempted action succeeded
func (r *Record) FinishPass(now time.Time) {
	if r.Meta.RecordState != StateUploading {
		return
	}
	r.Meta.RetryCount = 0
	r.Meta.NextAttemptAt = time.Time{}
	if r.InatID != nil {
		r.Meta.LastSyncedAt = now
	}
	r.recountPending()
	r.settle()
	r.touch(now)
}

// Resubmit re-queues a record parked in Error after the user reviewed it
func (r *Record) Resubmit(now time.Time) error {
	if err := r.CheckMutable(); err != nil {
		return err
	}
	if r.Meta.RecordState != StateError {
		return transitionError(r, "resubmit")
	}
	r.Meta.RetryCount = 0
	r.Meta.NextAttemptAt = time.Time{}
	for i := range r.Photos {
		if r.Photos[i].UploadState == PhotoFailed {
			r.Photos[i].UploadState = PhotoCompressed
		}
	}
	r.recountPending()
	r.settle()
	r.touch(now)
	return nil
}

// RecoverInterrupted undoes the effects of a crash mid-pass: an Uploading
// record goes back to the queue and half-compressed photos restart.
func (r *Record) RecoverInterrupted() bool {
	changed := false
	for i := range r.Photos {
		switch r.Photos[i].UploadState {
		case PhotoCompressing:
			r.Photos[i].UploadState = PhotoNotStarted
			changed = true
		case PhotoUploading:
			r.Photos[i].UploadState = PhotoCompressed
			changed = true
		}
	}
	if changed {
		r.recountPending()
	}
	if r.Meta.RecordState == StateUploading {
		r.settle()
		changed = true
	}
	return changed
}

// Reconciled re-derives the resting state after server state was merged into
// r. A draft that turned out to exist on the server leaves LocalOnly.
func (r *Record) Reconciled(now time.Time) {
	r.recountPending()
	switch r.Meta.RecordState {
	case StateLocalOnly:
		if r.InatID != nil {
			r.settle()
		}
	case StateWithLocalProcessing, StatePendingSync, StateSynced:
		r.settle()
	}
	if r.InatID != nil && len(r.Meta.OutstandingActions) == 0 && r.Meta.RecordState == StateSynced {
		r.Meta.LastSyncedAt = now
	}
}
