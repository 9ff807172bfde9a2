package users

import (
	"context"
	"encoding/json"
	"time"

	"github.com/suPer8Hu/healthsphere/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, u *models.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetByID(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&cnt).Error; err != nil {
		return false, err
	}
	return cnt > 0, nil
}

// GetProcessingResult returns the stored extraction result, or nil when the
// user has none.
func (r *Repo) GetProcessingResult(ctx context.Context, id uint64) (json.RawMessage, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Select("id", "processing_result").First(&u, id).Error; err != nil {
		return nil, err
	}
	if !models.IsJSONSet(u.ProcessingResult) {
		return nil, nil
	}
	return json.RawMessage(u.ProcessingResult), nil
}

// SetProcessingResult overwrites the stored result wholesale. Last writer wins.
func (r *Repo) SetProcessingResult(ctx context.Context, id uint64, result json.RawMessage) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("processing_result", datatypes.JSON(result)).Error
}

func (r *Repo) SetMedicalReport(ctx context.Context, id uint64, name string, uploadedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"medical_report_url":         name,
			"medical_report_uploaded_at": uploadedAt,
		}).Error
}

// ClearMedicalReport resets the report columns in one statement.
// processing_result is only touched when withResult is set, so a schema
// without that column can still drop its report.
func (r *Repo) ClearMedicalReport(ctx context.Context, id uint64, withResult bool) error {
	cols := map[string]any{
		"medical_report_url":         nil,
		"medical_report_uploaded_at": nil,
	}
	if withResult {
		cols["processing_result"] = nil
	}
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Updates(cols).Error
}
