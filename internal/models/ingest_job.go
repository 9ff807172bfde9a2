package models

import "time"

type IngestStatus string

const (
	IngestQueued    IngestStatus = "queued"
	IngestRunning   IngestStatus = "running"
	IngestSucceeded IngestStatus = "succeeded"
	IngestFailed    IngestStatus = "failed"
)

// IngestJob tracks one best-effort indexing notification sent to the
// inference service after a report extraction.
type IngestJob struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID uint64 `gorm:"index;not null"`
	Source string `gorm:"type:varchar(32);not null"`
	Text   string `gorm:"type:longtext;not null"`

	Status IngestStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (IngestJob) TableName() string { return "ingest_jobs" }
