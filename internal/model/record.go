// Package model defines the observation record, its photos and sync bookkeeping,
// and the lifecycle state machine that moves a record from local draft to a
// confirmed remote copy.
package model

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// CurrentRecordVersion is the schema version written by this build. Records
// carrying any other version are locked until Migrate upgrades them.
const CurrentRecordVersion = 2

// MaxErrorEntries bounds the per-record failure history
const MaxErrorEntries = 10

// RecordState is the lifecycle state of an observation record
type RecordState string

const (
	StateLocalOnly           RecordState = "LocalOnly"
	StateWithLocalProcessing RecordState = "WithLocalProcessing"
	StatePendingSync         RecordState = "PendingSync"
	StateUploading           RecordState = "Uploading"
	StateSynced              RecordState = "Synced"
	StateError               RecordState = "Error"
	StateDeleted             RecordState = "Deleted"
)

// AllStates lists every state in lifecycle order
var AllStates = []RecordState{
	StateLocalOnly, StateWithLocalProcessing, StatePendingSync,
	StateUploading, StateSynced, StateError, StateDeleted,
}

// PhotoState tracks compression and upload progress of a single photo
type PhotoState string

const (
	PhotoNotStarted  PhotoState = "NotStarted"
	PhotoCompressing PhotoState = "Compressing"
	PhotoCompressed  PhotoState = "Compressed"
	PhotoUploading   PhotoState = "Uploading"
	PhotoDone        PhotoState = "Done"
	PhotoFailed      PhotoState = "Failed"
)

// ActionKind is a pending network operation type
type ActionKind string

const (
	ActionCreate      ActionKind = "create"
	ActionUpdateField ActionKind = "updateField"
	ActionAddPhoto    ActionKind = "addPhoto"
	ActionDeletePhoto ActionKind = "deletePhoto"
	ActionDelete      ActionKind = "delete"
)

// actionRank gives the processing order of action kinds
var actionRank = map[ActionKind]int{
	ActionCreate:      0,
	ActionUpdateField: 1,
	ActionAddPhoto:    2,
	ActionDeletePhoto: 3,
	ActionDelete:      4,
}

// Action is an outstanding network operation. Target names the field key for
// updateField, the photo UUID for addPhoto and the remote photo id for deletePhoto.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
}

func (a Action) String() string {
	if a.Target == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.Target
}

// CompareActions orders actions by processing order, then by target
func CompareActions(a, b Action) int {
	if ra, rb := actionRank[a.Kind], actionRank[b.Kind]; ra != rb {
		return ra - rb
	}
	return strings.Compare(a.Target, b.Target)
}

// ErrorEntry is one recorded sync failure
type ErrorEntry struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

// PhotoRef references a photo attached to an observation. The image bytes
// live in the blob store under LocalBlobKey.
type PhotoRef struct {
	UUID            string     `json:"uuid"`
	ObservationUUID string     `json:"observation_uuid"`
	LocalBlobKey    string     `json:"local_blob_key"`
	MIMEType        string     `json:"mime_type"`
	UploadState     PhotoState `json:"upload_state"`
	RemotePhotoID   *int64     `json:"remote_photo_id,omitempty"`
	RemoteURL       string     `json:"remote_url,omitempty"`
}

// WowMeta is the sync bookkeeping carried by every record
type WowMeta struct {
	RecordState        RecordState       `json:"record_state"`
	OutstandingActions []Action          `json:"outstanding_actions"`
	Errors             []ErrorEntry      `json:"errors"`
	RetryCount         int               `json:"retry_count"`
	PendingPhotoCount  int               `json:"pending_photo_count"`
	NextAttemptAt      time.Time         `json:"next_attempt_at"`
	LastSyncedAt       time.Time         `json:"last_synced_at"`
	FieldRevisions     map[string]uint64 `json:"field_revisions"`
}

// Record is an observation, the unit of sync
type Record struct {
	UUID          string         `json:"uuid"`
	InatID        *int64         `json:"inat_id,omitempty"`
	SchemaVersion int            `json:"schema_version"`
	Fields        map[string]any `json:"fields"`
	Photos        []PhotoRef     `json:"photos"`
	Meta          WowMeta        `json:"wow_meta"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy sharing no mutable memory with r
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r
	if r.InatID != nil {
		id := *r.InatID
		out.InatID = &id
	}
	out.Fields = cloneFields(r.Fields)

	if r.Photos != nil {
		out.Photos = make([]PhotoRef, len(r.Photos))
		for i, p := range r.Photos {
			if p.RemotePhotoID != nil {
				id := *p.RemotePhotoID
				p.RemotePhotoID = &id
			}
			out.Photos[i] = p
		}
	}

	out.Meta.OutstandingActions = slices.Clone(r.Meta.OutstandingActions)
	out.Meta.Errors = slices.Clone(r.Meta.Errors)
	if r.Meta.FieldRevisions != nil {
		out.Meta.FieldRevisions = maps.Clone(r.Meta.FieldRevisions)
	}

	return &out
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// NormalizeValue converts a field value into its JSON-compatible form so it
// survives a store round trip unchanged: integers become float64, nested
// maps and slices are normalized recursively.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = NormalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

// HasAction reports whether a is outstanding
func (r *Record) HasAction(a Action) bool {
	return slices.Contains(r.Meta.OutstandingActions, a)
}

// HasActionKind reports whether any action of kind k is outstanding
func (r *Record) HasActionKind(k ActionKind) bool {
	return slices.ContainsFunc(r.Meta.OutstandingActions, func(a Action) bool { return a.Kind == k })
}

// AddAction adds a to the outstanding set, keeping it sorted and unique
func (r *Record) AddAction(a Action) {
	if r.HasAction(a) {
		return
	}
	r.Meta.OutstandingActions = append(r.Meta.OutstandingActions, a)
	slices.SortFunc(r.Meta.OutstandingActions, CompareActions)
}

// RemoveAction drops a from the outstanding set; it reports whether a was present
func (r *Record) RemoveAction(a Action) bool {
	before := len(r.Meta.OutstandingActions)
	r.Meta.OutstandingActions = slices.DeleteFunc(r.Meta.OutstandingActions, func(x Action) bool { return x == a })
	return len(r.Meta.OutstandingActions) != before
}

// SortedActions returns the outstanding actions in processing order
func (r *Record) SortedActions() []Action {
	out := slices.Clone(r.Meta.OutstandingActions)
	slices.SortFunc(out, CompareActions)
	return out
}

// Photo returns the photo with the given UUID
func (r *Record) Photo(photoUUID string) (*PhotoRef, bool) {
	for i := range r.Photos {
		if r.Photos[i].UUID == photoUUID {
			return &r.Photos[i], true
		}
	}
	return nil, false
}

// FieldRevision returns the local revision counter of a field
func (r *Record) FieldRevision(key string) uint64 {
	return r.Meta.FieldRevisions[key]
}

// FieldRevisionsSnapshot returns a copy of all field revisions
func (r *Record) FieldRevisionsSnapshot() map[string]uint64 {
	return maps.Clone(r.Meta.FieldRevisions)
}

func (r *Record) bumpRevision(key string) {
	if r.Meta.FieldRevisions == nil {
		r.Meta.FieldRevisions = make(map[string]uint64)
	}
	r.Meta.FieldRevisions[key]++
}

// appendError records a failure, keeping only the most recent MaxErrorEntries
func (r *Record) appendError(e ErrorEntry) {
	r.Meta.Errors = append(r.Meta.Errors, e)
	if over := len(r.Meta.Errors) - MaxErrorEntries; over > 0 {
		r.Meta.Errors = slices.Delete(r.Meta.Errors, 0, over)
	}
}

// IsEligible reports whether the queue processor should pick r up at now
func (r *Record) IsEligible(now time.Time) bool {
	if len(r.Meta.OutstandingActions) == 0 {
		return false
	}
	if r.Meta.RecordState != StatePendingSync && r.Meta.RecordState != StateDeleted {
		return false
	}
	return !r.Meta.NextAttemptAt.After(now)
}

// CompareQueueOrder orders records oldest-updated first, ties broken by UUID
func CompareQueueOrder(a, b *Record) int {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.UUID, b.UUID)
}
