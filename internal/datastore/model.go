package datastore

import "time"

// ObservationRow is one encoded record in the observations table. RecordState
// and ModifiedAt mirror fields inside Payload so they can be indexed.
type ObservationRow struct {
	UUID          string `gorm:"primaryKey;size:64"`
	RecordState   string `gorm:"index;size:32;not null"`
	SchemaVersion int    `gorm:"not null;default:0"`
	ModifiedAt    int64  `gorm:"index;not null"`
	Payload       []byte `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (ObservationRow) TableName() string {
	return "observations"
}

// LegacyObservationRow is a record written by older releases, keyed by an
// auto-increment id instead of the record UUID.
type LegacyObservationRow struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Payload []byte `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (LegacyObservationRow) TableName() string {
	return "legacy_observations"
}

// PhotoBlobRow holds the bytes of one photo
type PhotoBlobRow struct {
	UUID      string    `gorm:"primaryKey;size:64"`
	Size      int64     `gorm:"not null"`
	Data      []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for GORM.
func (PhotoBlobRow) TableName() string {
	return "photo_blobs"
}
