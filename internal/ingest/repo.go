package ingest

import (
	"context"

	"github.com/suPer8Hu/healthsphere/internal/models"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateJob(ctx context.Context, job *models.IngestJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*models.IngestJob, error) {
	var j models.IngestJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkRunning claims a queued job. It reports false when the job was already
// claimed, which keeps redelivered messages from running twice.
func (r *Repo) MarkRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.IngestJob{}).
		Where("id = ? AND status = ?", id, models.IngestQueued).
		Update("status", models.IngestRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repo) MarkSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.IngestJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": models.IngestSucceeded,
			"error":  nil,
		}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.IngestJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": models.IngestFailed,
			"error":  errMsg,
		}).Error
}
