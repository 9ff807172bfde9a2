package db

import (
	"context"

	"github.com/suPer8Hu/healthsphere/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Capabilities records which optional tables and columns exist. It is
// probed once at startup so request paths never introspect the schema.
type Capabilities struct {
	ProcessingResult bool // users.processing_result
	MedicalReport    bool // users.medical_report_url + medical_report_uploaded_at
	ConversationLog  bool // chatbot_conversations
	IngestJobs       bool // ingest_jobs
}

// AllCapabilities is a fully migrated schema.
func AllCapabilities() Capabilities {
	return Capabilities{ProcessingResult: true, MedicalReport: true, ConversationLog: true, IngestJobs: true}
}

func Probe(ctx context.Context, gdb *gorm.DB, log *zap.Logger) Capabilities {
	m := gdb.WithContext(ctx).Migrator()

	var caps Capabilities
	if m.HasTable(&models.User{}) {
		caps.ProcessingResult = m.HasColumn(&models.User{}, "processing_result")
		caps.MedicalReport = m.HasColumn(&models.User{}, "medical_report_url") &&
			m.HasColumn(&models.User{}, "medical_report_uploaded_at")
	}
	caps.ConversationLog = m.HasTable(&models.Conversation{})
	caps.IngestJobs = m.HasTable(&models.IngestJob{})

	log.Info("schema capabilities",
		zap.Bool("processing_result", caps.ProcessingResult),
		zap.Bool("medical_report", caps.MedicalReport),
		zap.Bool("conversation_log", caps.ConversationLog),
		zap.Bool("ingest_jobs", caps.IngestJobs),
	)
	if !caps.ConversationLog {
		log.Warn("chatbot_conversations table missing; conversation log writes will be skipped")
	}
	if !caps.ProcessingResult {
		log.Warn("users.processing_result column missing; extraction results will not be persisted")
	}
	return caps
}
