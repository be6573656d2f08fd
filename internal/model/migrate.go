package model

import (
	"fmt"
	"slices"

	"github.com/tphakala/wow-sync/internal/errors"
)

// LegacyRecordVersion is the first schema version. It stored outstanding
// actions as bare kind names without targets.
const LegacyRecordVersion = 1

// Migrate upgrades r in place to CurrentRecordVersion and reports whether it changed.
// Records from a newer build cannot be downgraded and stay locked.
func Migrate(r *Record) (bool, error) {
	switch {
	case r.SchemaVersion == CurrentRecordVersion:
		return false, nil
	case r.SchemaVersion > CurrentRecordVersion:
		return false, errors.ConsistencyError(
			fmt.Sprintf("record %s was written by a newer version (schema %d)", r.UUID, r.SchemaVersion), r.UUID)
	case r.SchemaVersion < LegacyRecordVersion:
		return false, errors.ValidationError(fmt.Sprintf("record %s has invalid schema version %d", r.UUID, r.SchemaVersion))
	}

	migrateV1Actions(r)

	if r.Meta.FieldRevisions == nil {
		r.Meta.FieldRevisions = make(map[string]uint64, len(r.Fields))
	}
	for k := range r.Fields {
		if r.Meta.FieldRevisions[k] == 0 {
			r.Meta.FieldRevisions[k] = 1
		}
	}
	if r.Meta.Errors == nil {
		r.Meta.Errors = []ErrorEntry{}
	}
	for i := range r.Photos {
		if r.Photos[i].ObservationUUID == "" {
			r.Photos[i].ObservationUUID = r.UUID
		}
		if r.Photos[i].UploadState == "" {
			r.Photos[i].UploadState = PhotoNotStarted
		}
	}

	r.recountPending()
	if r.Meta.RecordState == "" {
		r.settle()
	}
	r.SchemaVersion = CurrentRecordVersion
	return true, nil
}

// migrateV1Actions expands target-less actions into one action per photo or field
func migrateV1Actions(r *Record) {
	var out []Action
	for _, a := range r.Meta.OutstandingActions {
		if a.Target != "" {
			out = append(out, a)
			continue
		}
		switch a.Kind {
		case ActionAddPhoto:
			for _, p := range r.Photos {
				if p.RemotePhotoID == nil {
					out = append(out, Action{Kind: ActionAddPhoto, Target: p.UUID})
				}
			}
		case ActionUpdateField:
			for k := range r.Fields {
				out = append(out, Action{Kind: ActionUpdateField, Target: k})
			}
		case ActionDeletePhoto:
			// v1 never tracked which photo to delete remotely
		default:
			out = append(out, a)
		}
	}

	slices.SortFunc(out, CompareActions)
	r.Meta.OutstandingActions = slices.Compact(out)
	if r.Meta.OutstandingActions == nil {
		r.Meta.OutstandingActions = []Action{}
	}
}
