// Package reconcile merges authoritative server state into local records.
//
// Merging is last-writer-wins per field. Before an exchange the caller takes
// a Dispatch snapshot of the field revisions it is about to send; when the
// response arrives, a field whose local revision still matches the snapshot
// takes the server value, while a field the user changed in the meantime
// keeps its local value and is queued for another update.
package reconcile

import (
	"maps"
	"reflect"
	"slices"
	"strconv"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/inat"
	"github.com/tphakala/wow-sync/internal/model"
)

// DefaultServerFields are computed by the server and adopted into local
// records even though the client never writes them.
var DefaultServerFields = []string{"quality_grade", "uri", "place_guess", "taxon_geoprivacy"}

// Dispatch captures what was sent in one exchange
type Dispatch struct {
	// Fields maps each dispatched field key to its revision at send time
	Fields map[string]uint64
}

// NewDispatch snapshots the revisions of keys. With no keys every field of r
// is included.
func NewDispatch(r *model.Record, keys ...string) Dispatch {
	if len(keys) == 0 {
		keys = slices.Sorted(maps.Keys(r.Fields))
	}
	d := Dispatch{Fields: make(map[string]uint64, len(keys))}
	for _, k := range keys {
		d.Fields[k] = r.FieldRevision(k)
	}
	return d
}

// Payload returns the current values of the dispatched fields
func (d Dispatch) Payload(r *model.Record) map[string]any {
	out := make(map[string]any, len(d.Fields))
	for k := range d.Fields {
		if v, ok := r.Fields[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Merger applies server responses to records
type Merger struct {
	serverFields []string
}

// NewMerger creates a merger adopting the given server-computed fields. A nil
// slice selects DefaultServerFields.
func NewMerger(serverFields []string) *Merger {
	if serverFields == nil {
		serverFields = DefaultServerFields
	}
	return &Merger{serverFields: slices.Clone(serverFields)}
}

// mergeFields applies field-level last-writer-wins and reports the keys that
// changed locally after dispatch and therefore still need sending.
func (m *Merger) mergeFields(r *model.Record, d Dispatch, remote map[string]any) []string {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}

	var stale []string
	for _, k := range slices.Sorted(maps.Keys(d.Fields)) {
		if r.FieldRevision(k) != d.Fields[k] {
			stale = append(stale, k)
			continue
		}
		if v, ok := remote[k]; ok {
			r.Fields[k] = model.NormalizeValue(v)
		}
	}

	for _, k := range m.serverFields {
		if _, dispatched := d.Fields[k]; dispatched {
			continue
		}
		if r.FieldRevision(k) > 0 {
			continue
		}
		if v, ok := remote[k]; ok && v != nil {
			r.Fields[k] = model.NormalizeValue(v)
		}
	}
	return stale
}

// ApplyCreate links r to the newly created server observation and merges
// the server fields. Fields edited while the create was in flight are queued
// as updateField actions.
func (m *Merger) ApplyCreate(r *model.Record, d Dispatch, obs *inat.Observation) error {
	if obs == nil {
		return errors.ConsistencyError("create returned no observation", r.UUID)
	}
	if obs.UUID != "" && obs.UUID != r.UUID {
		return errors.ConsistencyError(
			"create returned observation "+strconv.FormatInt(obs.ID, 10)+" for uuid "+obs.UUID, r.UUID)
	}
	if err := r.LinkServerID(obs.ID); err != nil {
		return err
	}

	for _, k := range m.mergeFields(r, d, obs.Fields) {
		r.AddAction(model.Action{Kind: model.ActionUpdateField, Target: k})
	}
	// keys first set after dispatch
	for k := range r.Fields {
		if _, dispatched := d.Fields[k]; !dispatched && r.FieldRevision(k) > 0 {
			r.AddAction(model.Action{Kind: model.ActionUpdateField, Target: k})
		}
	}
	r.CompleteAction(model.Action{Kind: model.ActionCreate})
	return nil
}

// ApplyFieldUpdate merges the response to an updateField action. The action
// completes only if the field was not edited again after dispatch.
func (m *Merger) ApplyFieldUpdate(r *model.Record, key string, d Dispatch, obs *inat.Observation) error {
	if err := checkLinked(r, obs); err != nil {
		return err
	}
	var remote map[string]any
	if obs != nil {
		remote = obs.Fields
	}
	stale := m.mergeFields(r, d, remote)
	if !slices.Contains(stale, key) {
		r.CompleteAction(model.Action{Kind: model.ActionUpdateField, Target: key})
	}
	return nil
}

// ApplyPhoto records a confirmed photo upload. A photo removed locally
// while the upload was in flight is queued for remote deletion instead.
func (m *Merger) ApplyPhoto(r *model.Record, photoUUID string, op *inat.ObservationPhoto) error {
	if op == nil {
		return errors.ConsistencyError("photo upload returned no observation photo", r.UUID)
	}
	action := model.Action{Kind: model.ActionAddPhoto, Target: photoUUID}

	p, ok := r.Photo(photoUUID)
	if !ok {
		r.CompleteAction(action)
		r.AddAction(model.Action{Kind: model.ActionDeletePhoto, Target: strconv.FormatInt(op.ID, 10)})
		return nil
	}

	id := op.ID
	p.RemotePhotoID = &id
	if op.URL != "" {
		p.RemoteURL = op.URL
	}
	p.UploadState = model.PhotoDone
	r.CompleteAction(action)
	return nil
}

// ApplyPhotoDelete records a confirmed remote photo deletion
func (m *Merger) ApplyPhotoDelete(r *model.Record, target string) {
	r.CompleteAction(model.Action{Kind: model.ActionDeletePhoto, Target: target})
}

func checkLinked(r *model.Record, obs *inat.Observation) error {
	if obs == nil || r.InatID == nil {
		return nil
	}
	if *r.InatID != obs.ID {
		return errors.ConsistencyError(
			"server returned observation "+strconv.FormatInt(obs.ID, 10)+
				", record is linked to "+strconv.FormatInt(*r.InatID, 10), r.UUID)
	}
	return nil
}

// Dedupe drops repeated server observations, keeping the first position of
// each id and the last payload seen for it. Pagination over a changing
// listing can return the same observation on two pages.
func Dedupe(in []inat.Observation) []inat.Observation {
	index := make(map[int64]int, len(in))
	out := make([]inat.Observation, 0, len(in))
	for _, o := range in {
		if i, seen := index[o.ID]; seen {
			out[i] = o
			continue
		}
		index[o.ID] = len(out)
		out = append(out, o)
	}
	return out
}

// fieldsEqual compares a local and a remote value after normalisation
func fieldsEqual(local, remote any) bool {
	return reflect.DeepEqual(model.NormalizeValue(local), model.NormalizeValue(remote))
}
