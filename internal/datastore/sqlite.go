package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/wow-sync/internal/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// sqliteEngine stores records and blobs in a sqlite database file
type sqliteEngine struct {
	db           *gorm.DB
	path         string
	minFreeBytes uint64
}

func openSQLite(ctx context.Context, opts Options, log logger.Logger) (*sqliteEngine, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite path is not configured")
	}

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormLog := logger.NewGormLoggerAdapter(log.Module("sqlite"), slowQueryThreshold)

	// Build DSN with recommended SQLite pragmas
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", opts.Path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY churn
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&ObservationRow{}, &LegacyObservationRow{}, &PhotoBlobRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}

	return &sqliteEngine{
		db:           db,
		path:         opts.Path,
		minFreeBytes: opts.MinFreeBytes,
	}, nil
}

func (e *sqliteEngine) name() string { return EngineSQLite }

// checkQuota rejects writes when the database volume is nearly full
func (e *sqliteEngine) checkQuota(operation string) error {
	if e.minFreeBytes == 0 {
		return nil
	}
	usage, err := disk.Usage(filepath.Dir(e.path))
	if err != nil {
		// free space unknown
		return nil
	}
	if usage.Free < e.minFreeBytes {
		return quotaError(EngineSQLite, operation,
			fmt.Sprintf("%d bytes free, %d required", usage.Free, e.minFreeBytes))
	}
	return nil
}

func (e *sqliteEngine) wrapWrite(operation string, err error) error {
	if isDiskFull(err) {
		return quotaError(EngineSQLite, operation, err.Error())
	}
	return err
}

func (e *sqliteEngine) getRecord(ctx context.Context, key string) ([]byte, bool, error) {
	var rows []ObservationRow
	if err := e.db.WithContext(ctx).Where("uuid = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0].Payload, true, nil
}

func (e *sqliteEngine) putRecord(ctx context.Context, row recordRow) error {
	if err := e.checkQuota("set_record"); err != nil {
		return err
	}
	obs := ObservationRow{
		UUID:          row.Key,
		RecordState:   row.State,
		SchemaVersion: row.SchemaVersion,
		ModifiedAt:    row.UpdatedAtUnix,
		Payload:       row.Payload,
	}
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "uuid"}}, UpdateAll: true}).
		Create(&obs).Error
	return e.wrapWrite("set_record", err)
}

func (e *sqliteEngine) deleteRecord(ctx context.Context, key string) error {
	return e.db.WithContext(ctx).Where("uuid = ?", key).Delete(&ObservationRow{}).Error
}

func (e *sqliteEngine) allRecords(ctx context.Context) ([]recordRow, error) {
	var rows []ObservationRow
	if err := e.db.WithContext(ctx).Order("uuid").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]recordRow, len(rows))
	for i, r := range rows {
		out[i] = recordRow{
			Key:           r.UUID,
			State:         r.RecordState,
			SchemaVersion: r.SchemaVersion,
			UpdatedAtUnix: r.ModifiedAt,
			Payload:       r.Payload,
		}
	}
	return out, nil
}

func (e *sqliteEngine) getBlob(ctx context.Context, key string) ([]byte, bool, error) {
	var rows []PhotoBlobRow
	if err := e.db.WithContext(ctx).Where("uuid = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0].Data, true, nil
}

func (e *sqliteEngine) putBlob(ctx context.Context, key string, data []byte) error {
	if err := e.checkQuota("put_blob"); err != nil {
		return err
	}
	blob := PhotoBlobRow{UUID: key, Size: int64(len(data)), Data: data}
	err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uuid"}},
			DoUpdates: clause.AssignmentColumns([]string{"size", "data"}),
		}).
		Create(&blob).Error
	return e.wrapWrite("put_blob", err)
}

func (e *sqliteEngine) deleteBlob(ctx context.Context, key string) error {
	return e.db.WithContext(ctx).Where("uuid = ?", key).Delete(&PhotoBlobRow{}).Error
}

func (e *sqliteEngine) clear(ctx context.Context) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&ObservationRow{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&PhotoBlobRow{}).Error
	})
}

func (e *sqliteEngine) legacyRecords(ctx context.Context) ([]legacyRow, error) {
	var rows []LegacyObservationRow
	if err := e.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]legacyRow, len(rows))
	for i, r := range rows {
		out[i] = legacyRow{ID: r.ID, Payload: r.Payload}
	}
	return out, nil
}

func (e *sqliteEngine) deleteLegacy(ctx context.Context, id uint) error {
	return e.db.WithContext(ctx).Delete(&LegacyObservationRow{}, id).Error
}

func (e *sqliteEngine) close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
