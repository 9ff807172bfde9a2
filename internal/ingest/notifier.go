package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/suPer8Hu/healthsphere/internal/common"
	"github.com/suPer8Hu/healthsphere/internal/metrics"
	"github.com/suPer8Hu/healthsphere/internal/models"
	"go.uber.org/zap"
)

const bookkeepingTimeout = 5 * time.Second

// Notifier records an ingest job and hands it to a Queue. It never blocks on
// the remote call and never reports failure to its caller.
type Notifier struct {
	repo  *Repo
	queue Queue
	log   *zap.Logger
}

// NewNotifier builds a notifier. repo may be nil when the ingest_jobs table is
// absent; tasks are then queued without a tracking row.
func NewNotifier(repo *Repo, queue Queue, log *zap.Logger) *Notifier {
	return &Notifier{repo: repo, queue: queue, log: log.Named("ingest")}
}

// Notify schedules indexing of an extraction result for userID. Cancelling
// ctx after Notify returns does not affect the scheduled task.
func (n *Notifier) Notify(ctx context.Context, userID uint64, result json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	task := Task{
		UserID: userID,
		Source: SourceProcessingResult,
		Text:   string(result),
	}
	log := n.log.With(zap.Uint64("user_id", userID))

	if n.repo != nil {
		id, err := common.NewULID()
		if err == nil {
			err = n.repo.CreateJob(ctx, &models.IngestJob{
				ID:     id,
				UserID: userID,
				Source: task.Source,
				Text:   task.Text,
				Status: models.IngestQueued,
			})
		}
		if err != nil {
			metrics.RecordPersistenceDegraded("ingest_jobs")
			log.Warn("create ingest job failed; queueing untracked", zap.Error(err))
		} else {
			task.JobID = id
		}
	}

	if err := n.queue.Enqueue(ctx, task); err != nil {
		metrics.RecordIngestJob("dropped")
		log.Warn("ingest notification dropped", zap.String("job_id", task.JobID), zap.Error(err))
		if task.JobID != "" {
			if mErr := n.repo.MarkFailed(ctx, task.JobID, "enqueue: "+err.Error()); mErr != nil {
				log.Warn("mark ingest job failed", zap.Error(mErr))
			}
		}
		return
	}
	log.Debug("ingest notification queued", zap.String("job_id", task.JobID))
}
