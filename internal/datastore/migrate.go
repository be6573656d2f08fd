package datastore

import (
	"context"
	"strconv"

	"github.com/tphakala/wow-sync/internal/codec"
	"github.com/tphakala/wow-sync/internal/errors"
	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/model"
)

// MigrationReport summarizes a MigrateLegacy run
type MigrationReport struct {
	// Moved counts rows copied from the auto-increment legacy table
	Moved int
	// Upgraded counts records rewritten to the current schema version
	Upgraded int
	// Skipped counts legacy rows whose UUID already had a newer record
	Skipped int
	// Failed lists keys that could not be migrated and stay locked
	Failed []string
}

// MigrateLegacy moves rows from the legacy auto-increment table into the
// UUID-keyed table and upgrades records written by older schema versions.
// Records that fail to migrate are left in place, locked.
func (s *Store) MigrateLegacy(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport

	legacy, err := s.eng.legacyRecords(ctx)
	if err != nil {
		return report, storageError(err, "read_legacy_records", "")
	}

	for _, row := range legacy {
		key := "legacy:" + strconv.FormatUint(uint64(row.ID), 10)
		r, err := codec.DecodeRecord(key, row.Payload)
		if err != nil {
			s.log.Warn("Legacy record is unreadable",
				logger.String("key", key),
				logger.Error(err))
			report.Failed = append(report.Failed, key)
			continue
		}

		moved, err := s.moveLegacy(ctx, row.ID, r)
		switch {
		case err != nil:
			s.log.Warn("Failed to migrate legacy record",
				logger.String("key", key),
				logger.String("record_uuid", r.UUID),
				logger.Error(err))
			report.Failed = append(report.Failed, key)
		case moved:
			report.Moved++
		default:
			report.Skipped++
		}
	}

	records, err := s.GetAll(ctx)
	if err != nil {
		return report, err
	}
	for _, r := range records {
		if r.SchemaVersion == model.CurrentRecordVersion {
			continue
		}
		_, err := s.Update(ctx, r.UUID, func(cur *model.Record) error {
			changed, err := model.Migrate(cur)
			if err != nil {
				return err
			}
			if !changed {
				return ErrNoChange
			}
			return nil
		})
		if err != nil {
			s.log.Warn("Failed to upgrade record schema",
				logger.String("record_uuid", r.UUID),
				logger.Int("schema_version", r.SchemaVersion),
				logger.Error(err))
			report.Failed = append(report.Failed, r.UUID)
			continue
		}
		report.Upgraded++
	}

	s.log.Info("Legacy migration finished",
		logger.Int("moved", report.Moved),
		logger.Int("upgraded", report.Upgraded),
		logger.Int("skipped", report.Skipped),
		logger.Int("failed", len(report.Failed)))
	return report, nil
}

// moveLegacy copies one legacy record into the UUID table unless a record
// with that UUID already exists there, then drops the legacy row.
func (s *Store) moveLegacy(ctx context.Context, id uint, r *model.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(ctx, r.UUID)
	if err != nil {
		return false, err
	}

	moved := false
	if existing == nil {
		if _, err := model.Migrate(r); err != nil {
			return false, err
		}
		if err := s.setLocked(ctx, r.UUID, r); err != nil {
			return false, err
		}
		moved = true
	}

	if err := s.eng.deleteLegacy(ctx, id); err != nil {
		return moved, storageError(err, "delete_legacy_record", "", "legacy_id", id)
	}
	return moved, nil
}

// IsQuotaError reports whether err was caused by exhausted storage
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
