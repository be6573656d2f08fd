package inat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/antonholmquist/jason"
)

// Observation is the server's copy of an observation
type Observation struct {
	ID     int64
	UUID   string
	Fields map[string]any
	Photos []ObservationPhoto
}

// ObservationPhoto links a photo to an observation on the server. ID is the
// observation photo id used for deletion.
type ObservationPhoto struct {
	ID      int64
	UUID    string
	PhotoID int64
	URL     string
}

// ObservationPage is one page of a paginated listing
type ObservationPage struct {
	TotalResults int
	Page         int
	PerPage      int
	Results      []Observation
}

// reservedKeys are server bookkeeping, not observation attributes
var reservedKeys = map[string]bool{
	"id":                 true,
	"uuid":               true,
	"user":               true,
	"user_id":            true,
	"photos":             true,
	"observation_photos": true,
	"created_at":         true,
	"updated_at":         true,
}

// decodeObservation maps a server observation object
func decodeObservation(obj *jason.Object) (Observation, error) {
	id, err := obj.GetInt64("id")
	if err != nil {
		return Observation{}, fmt.Errorf("observation id: %w", err)
	}
	uuid, _ := obj.GetString("uuid")

	o := Observation{ID: id, UUID: uuid, Fields: make(map[string]any)}
	for k, v := range obj.Map() {
		if reservedKeys[k] {
			continue
		}
		val, err := fieldValue(v)
		if err != nil {
			return Observation{}, fmt.Errorf("observation field %s: %w", k, err)
		}
		o.Fields[k] = val
	}

	if photos, err := obj.GetObjectArray("observation_photos"); err == nil {
		for _, p := range photos {
			op, err := decodeObservationPhoto(p)
			if err != nil {
				return Observation{}, err
			}
			o.Photos = append(o.Photos, op)
		}
	}
	return o, nil
}

// decodeObservationPhoto maps {"id", "uuid", "photo": {"id", "url"}}
func decodeObservationPhoto(obj *jason.Object) (ObservationPhoto, error) {
	id, err := obj.GetInt64("id")
	if err != nil {
		return ObservationPhoto{}, fmt.Errorf("observation photo id: %w", err)
	}
	op := ObservationPhoto{ID: id}
	op.UUID, _ = obj.GetString("uuid")
	if photo, err := obj.GetObject("photo"); err == nil {
		op.PhotoID, _ = photo.GetInt64("id")
		op.URL, _ = photo.GetString("url")
	}
	return op, nil
}

// fieldValue converts a jason value into plain Go values, keeping numbers as
// json.Number until plainValue normalizes them
func fieldValue(v *jason.Value) (any, error) {
	data, err := v.Marshal()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return plainValue(out), nil
}

// plainValue converts jason's json.Number values into float64 so that server
// values compare equal to locally normalized field values.
func plainValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plainValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}
