package chat

import (
	"context"

	"github.com/suPer8Hu/healthsphere/internal/models"
	"gorm.io/gorm"
)

// Repo is the conversation log. Rows are only ever inserted.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) InsertConversation(ctx context.Context, c *models.Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// ListConversations returns a user's exchanges newest first. beforeID is a
// ULID cursor; empty means start from the newest.
func (r *Repo) ListConversations(ctx context.Context, userID uint64, limit int, beforeID string) ([]models.Conversation, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit)

	if beforeID != "" {
		q = q.Where("id < ?", beforeID)
	}

	var out []models.Conversation
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
