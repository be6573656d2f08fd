// Package codec converts observation records to and from the compact
// representation persisted by the record store, and decodes the prebuilt
// taxa lookup dataset that ships in the same compact style.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/model"
)

// recordWire is the persisted shape of a record. Keys are kept short since
// every record is rewritten on each lifecycle transition.
type recordWire struct {
	Version   int            `json:"v"`
	UUID      string         `json:"u"`
	InatID    *int64         `json:"i,omitempty"`
	Fields    map[string]any `json:"f"`
	Photos    []photoWire    `json:"p"`
	Meta      metaWire       `json:"m"`
	CreatedAt time.Time      `json:"c"`
	UpdatedAt time.Time      `json:"t"`
}

type photoWire struct {
	UUID            string           `json:"u"`
	ObservationUUID string           `json:"o"`
	BlobKey         string           `json:"b"`
	MIMEType        string           `json:"mt"`
	State           model.PhotoState `json:"s"`
	RemoteID        *int64           `json:"r,omitempty"`
	RemoteURL       string           `json:"url,omitempty"`
}

type metaWire struct {
	State          model.RecordState  `json:"s"`
	Actions        []actionWire       `json:"a"`
	Errors         []model.ErrorEntry `json:"e"`
	RetryCount     int                `json:"r"`
	PendingPhotos  int                `json:"pp"`
	NextAttemptAt  time.Time          `json:"n"`
	LastSyncedAt   time.Time          `json:"ls"`
	FieldRevisions map[string]uint64  `json:"fr"`
}

// actionWire is an action. Schema v1 wrote bare kind strings, v2 writes
// objects; both decode.
type actionWire struct {
	Kind   model.ActionKind `json:"k"`
	Target string           `json:"t,omitempty"`
}

func (a *actionWire) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var kind string
		if err := json.Unmarshal(data, &kind); err != nil {
			return err
		}
		*a = actionWire{Kind: model.ActionKind(kind)}
		return nil
	}

	type plain actionWire
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = actionWire(p)
	return nil
}

func malformed(err error, key string) error {
	return errors.New(fmt.Errorf("malformed record data: %w", err)).
		Component("codec").
		Category(errors.CategoryStorage).
		Context("operation", "decode_record").
		Context("key", key).
		Build()
}

// EncodeRecord serializes r into its persisted form
func EncodeRecord(r *model.Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New(errors.NewStd("cannot encode nil record")).
			Component("codec").
			Category(errors.CategoryValidation).
			Build()
	}

	w := recordWire{
		Version:   r.SchemaVersion,
		UUID:      r.UUID,
		InatID:    r.InatID,
		Fields:    r.Fields,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Meta: metaWire{
			State:          r.Meta.RecordState,
			Errors:         r.Meta.Errors,
			RetryCount:     r.Meta.RetryCount,
			PendingPhotos:  r.Meta.PendingPhotoCount,
			NextAttemptAt:  r.Meta.NextAttemptAt,
			LastSyncedAt:   r.Meta.LastSyncedAt,
			FieldRevisions: r.Meta.FieldRevisions,
		},
	}

	if r.Photos != nil {
		w.Photos = make([]photoWire, len(r.Photos))
		for i, p := range r.Photos {
			w.Photos[i] = photoWire{
				UUID:            p.UUID,
				ObservationUUID: p.ObservationUUID,
				BlobKey:         p.LocalBlobKey,
				MIMEType:        p.MIMEType,
				State:           p.UploadState,
				RemoteID:        p.RemotePhotoID,
				RemoteURL:       p.RemoteURL,
			}
		}
	}

	if r.Meta.OutstandingActions != nil {
		w.Meta.Actions = make([]actionWire, len(r.Meta.OutstandingActions))
		for i, a := range r.Meta.OutstandingActions {
			w.Meta.Actions[i] = actionWire{Kind: a.Kind, Target: a.Target}
		}
	}

	data, err := json.Marshal(&w)
	if err != nil {
		return nil, errors.New(fmt.Errorf("encode record %s: %w", r.UUID, err)).
			Component("codec").
			Category(errors.CategoryValidation).
			Context("record_uuid", r.UUID).
			Build()
	}
	return data, nil
}

// DecodeRecord parses a persisted record. Every call returns a fresh value
// that shares no memory with data or with previous results.
func DecodeRecord(key string, data []byte) (*model.Record, error) {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed(err, key)
	}
	if w.UUID == "" {
		return nil, malformed(errors.NewStd("missing uuid"), key)
	}

	r := &model.Record{
		UUID:          w.UUID,
		InatID:        w.InatID,
		SchemaVersion: w.Version,
		Fields:        w.Fields,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		Meta: model.WowMeta{
			RecordState:       w.Meta.State,
			Errors:            w.Meta.Errors,
			RetryCount:        w.Meta.RetryCount,
			PendingPhotoCount: w.Meta.PendingPhotos,
			NextAttemptAt:     w.Meta.NextAttemptAt,
			LastSyncedAt:      w.Meta.LastSyncedAt,
			FieldRevisions:    w.Meta.FieldRevisions,
		},
	}

	if w.Photos != nil {
		r.Photos = make([]model.PhotoRef, len(w.Photos))
		for i, p := range w.Photos {
			r.Photos[i] = model.PhotoRef{
				UUID:            p.UUID,
				ObservationUUID: p.ObservationUUID,
				LocalBlobKey:    p.BlobKey,
				MIMEType:        p.MIMEType,
				UploadState:     p.State,
				RemotePhotoID:   p.RemoteID,
				RemoteURL:       p.RemoteURL,
			}
		}
	}

	if w.Meta.Actions != nil {
		r.Meta.OutstandingActions = make([]model.Action, len(w.Meta.Actions))
		for i, a := range w.Meta.Actions {
			r.Meta.OutstandingActions[i] = model.Action{Kind: a.Kind, Target: a.Target}
		}
	}

	return r, nil
}
