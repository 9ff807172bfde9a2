package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/metrics"
	"go.uber.org/zap"
)

type Ingester interface {
	Ingest(ctx context.Context, req inference.IngestRequest) error
}

// Runner executes tasks. repo may be nil when the ingest_jobs table is absent.
type Runner struct {
	repo   *Repo
	client Ingester
	log    *zap.Logger
}

func NewRunner(repo *Repo, client Ingester, log *zap.Logger) *Runner {
	return &Runner{repo: repo, client: client, log: log.Named("ingest")}
}

func (r *Runner) Run(ctx context.Context, t Task) error {
	start := time.Now()
	log := r.log.With(zap.String("job_id", t.JobID), zap.Uint64("user_id", t.UserID))

	tracked := r.repo != nil && t.JobID != ""
	if tracked {
		claimed, err := r.repo.MarkRunning(ctx, t.JobID)
		if err != nil {
			log.Warn("mark ingest job running failed", zap.Error(err))
		} else if !claimed {
			log.Info("ingest job already claimed, skipping")
			metrics.RecordIngestJob("skipped")
			return nil
		}
	}

	err := r.client.Ingest(ctx, inference.IngestRequest{
		UserID:   t.UserID,
		Text:     t.Text,
		Metadata: map[string]any{"source": t.Source},
	})
	if err != nil {
		metrics.RecordIngestJob("failed")
		log.Warn("ingest notification failed", zap.Duration("cost", time.Since(start)), zap.Error(err))
		if tracked {
			if mErr := r.repo.MarkFailed(context.WithoutCancel(ctx), t.JobID, err.Error()); mErr != nil {
				log.Warn("mark ingest job failed", zap.Error(mErr))
			}
		}
		return fmt.Errorf("ingest user %d: %w", t.UserID, err)
	}

	metrics.RecordIngestJob("succeeded")
	log.Debug("ingest notification delivered", zap.Duration("cost", time.Since(start)))
	if tracked {
		if err := r.repo.MarkSucceeded(context.WithoutCancel(ctx), t.JobID); err != nil {
			log.Warn("mark ingest job succeeded", zap.Error(err))
		}
	}
	return nil
}
