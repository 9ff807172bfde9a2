package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/healthsphere/internal/chat"
	"github.com/suPer8Hu/healthsphere/internal/config"
	"github.com/suPer8Hu/healthsphere/internal/db"
	"github.com/suPer8Hu/healthsphere/internal/docstore"
	"github.com/suPer8Hu/healthsphere/internal/httpapi/middleware"
	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/ingest"
	"github.com/suPer8Hu/healthsphere/internal/report"
	"github.com/suPer8Hu/healthsphere/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StatusCache holds the last inference status probe. redisstore.Store
// implements it.
type StatusCache interface {
	GetStatus(ctx context.Context) (json.RawMessage, bool, error)
	SetStatus(ctx context.Context, status json.RawMessage, ttl time.Duration) error
}

type StatusProber interface {
	Status(ctx context.Context) (json.RawMessage, error)
}

// Deps are the process-wide handles built in main. Status and Ingest may be
// nil.
type Deps struct {
	DB        *gorm.DB
	Cfg       config.Config
	Caps      db.Capabilities
	Inference *inference.Client
	Docs      *docstore.Store
	Status    StatusCache
	Ingest    ingest.Queue
	Log       *zap.Logger
}

type Handler struct {
	Cfg     config.Config
	Caps    db.Capabilities
	Users   *users.Repo
	Docs    *docstore.Store
	Reports *report.Processor
	ChatSvc *chat.Service
	Prober  StatusProber
	Status  StatusCache
	Log     *zap.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	userRepo := users.NewRepo(d.DB)

	var notifier report.IngestNotifier
	if d.Ingest != nil {
		var jobs *ingest.Repo
		if d.Caps.IngestJobs {
			jobs = ingest.NewRepo(d.DB)
		}
		notifier = ingest.NewNotifier(jobs, d.Ingest, log)
	}

	var results report.ResultStore
	if d.Caps.ProcessingResult {
		results = userRepo
	}
	reports := report.NewProcessor(d.Docs, d.Inference, results, notifier, d.Caps, log)

	// an absent table must reach the service as a nil interface
	var convLog chat.ConversationLog
	if d.Caps.ConversationLog {
		convLog = chat.NewRepo(d.DB)
	}
	chatSvc := chat.NewService(d.Inference, userRepo, convLog, chat.Options{
		InferenceEnabled: d.Cfg.InferenceEnabled,
		FallbackEnabled:  d.Cfg.ChatFallbackEnabled,
	}, log)

	return &Handler{
		Cfg:     d.Cfg,
		Caps:    d.Caps,
		Users:   userRepo,
		Docs:    d.Docs,
		Reports: reports,
		ChatSvc: chatSvc,
		Prober:  d.Inference,
		Status:  d.Status,
		Log:     log.Named("http"),
	}
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	return middleware.UserID(c)
}

// optionalUserID is nil for guests.
func optionalUserID(c *gin.Context) *uint64 {
	uid, ok := userIDFromContext(c)
	if !ok {
		return nil
	}
	return &uid
}
