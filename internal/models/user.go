package models

import (
	"time"

	"gorm.io/datatypes"
)

type User struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null"`
	Username     string `gorm:"type:varchar(32);uniqueIndex;not null"`
	PasswordHash string `gorm:"type:varchar(255);not null"`

	// Demographics forwarded to the assistant as user_profile.
	Name       string `gorm:"type:varchar(128)"`
	Age        *int
	Gender     string `gorm:"type:varchar(16)"`
	HeightCm   *float64
	WeightKg   *float64
	Conditions string `gorm:"type:text"`

	// Medical report. Cleared together on report deletion.
	MedicalReportURL        *string `gorm:"type:varchar(500)"`
	MedicalReportUploadedAt *time.Time
	ProcessingResult        datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

// HasProcessingResult reports whether an extraction result is stored.
// A NULL column scans as the literal "null".
func (u *User) HasProcessingResult() bool {
	return IsJSONSet(u.ProcessingResult)
}

// IsJSONSet reports whether j holds a non-null JSON document.
func IsJSONSet(j datatypes.JSON) bool {
	return len(j) > 0 && string(j) != "null"
}
