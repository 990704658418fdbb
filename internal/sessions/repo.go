package sessions

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
)

// Repository reads upload sessions and deletes expired rows. Session
// creation and mutation belong to the upload surface, not this core.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByToken(ctx context.Context, token string) (*models.Session, error)
	ListExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error)
	DeleteWithTx(tx *gorm.DB, token string) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository builds a sessions repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByToken(ctx context.Context, token string) (*models.Session, error) {
	var session models.Session
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *repository) ListExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Session
	err := r.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) DeleteWithTx(tx *gorm.DB, token string) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.Where("token = ?", token).Delete(&models.Session{}).Error
}
