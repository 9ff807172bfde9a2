package models

import (
	"time"

	"gorm.io/datatypes"
)

// Conversation is one chatbot exchange. Rows are append-only.
type Conversation struct {
	ID            string         `gorm:"primaryKey;size:26" json:"id"` // ULID
	UserID        *uint64        `gorm:"index" json:"user_id"`
	Query         string         `gorm:"type:text;not null" json:"query"`
	Response      string         `gorm:"type:text;not null" json:"response"`
	GeneratedJSON datatypes.JSON `gorm:"column:generated_json" json:"generated_json,omitempty"`
	ModelName     string         `gorm:"type:varchar(64);not null" json:"model_name"`
	Confidence    float64        `gorm:"not null" json:"confidence"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
}

func (Conversation) TableName() string { return "chatbot_conversations" }
