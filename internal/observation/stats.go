package observation

import (
	"context"
	"time"

	"github.com/tphakala/wow-sync/internal/model"
)

// Stats summarizes the local store for status reporting
type Stats struct {
	Total          int                       `json:"total"`
	ByState        map[model.RecordState]int `json:"by_state"`
	PendingActions int                       `json:"pending_actions"`
	PendingPhotos  int                       `json:"pending_photos"`
	// Locked records carry another schema version and wait for migration
	Locked int `json:"locked"`
	// NextAttemptAt is the earliest scheduled retry, zero when none is waiting
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
	// LastSyncedAt is the most recent confirmed sync of any record
	LastSyncedAt time.Time `json:"last_synced_at,omitzero"`
}

// Stats counts records per lifecycle state
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Total:   len(all),
		ByState: make(map[model.RecordState]int, len(model.AllStates)),
	}
	for _, state := range model.AllStates {
		st.ByState[state] = 0
	}

	for _, r := range all {
		st.ByState[r.Meta.RecordState]++
		st.PendingActions += len(r.Meta.OutstandingActions)
		st.PendingPhotos += r.Meta.PendingPhotoCount
		if r.CheckMutable() != nil {
			st.Locked++
		}
		if next := r.Meta.NextAttemptAt; !next.IsZero() && r.Meta.RecordState == model.StatePendingSync {
			if st.NextAttemptAt.IsZero() || next.Before(st.NextAttemptAt) {
				st.NextAttemptAt = next
			}
		}
		if r.Meta.LastSyncedAt.After(st.LastSyncedAt) {
			st.LastSyncedAt = r.Meta.LastSyncedAt
		}
	}
	return st, nil
}
