package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("payment_reference = ?", reference).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByDownloadToken(ctx context.Context, token string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("download_token = ?", token).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindBySessionToken(ctx context.Context, sessionToken string) ([]models.Order, error) {
	var rows []models.Order
	err := r.db.WithContext(ctx).
		Where("session_token = ?", sessionToken).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// TryTransition performs the status move as a single conditional UPDATE.
// RowsAffected tells racing callers apart: exactly one observes true.
func (r *repository) TryTransition(ctx context.Context, orderID uuid.UUID, from []enums.OrderStatus, to enums.OrderStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one source status is required")
	}
	for _, status := range from {
		if !status.CanTransitionTo(to) {
			return false, fmt.Errorf("illegal transition %s -> %s", status, to)
		}
	}
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status IN ?", orderID, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// TryTransitionClaiming moves the status and records the gateway event id in
// one conditional UPDATE. The write is skipped when the order already left
// the source status or when that exact event was applied before, so a
// redelivered event can never repeat a transition and the claim can never
// land without its transition.
func (r *repository) TryTransitionClaiming(ctx context.Context, orderID uuid.UUID, eventID string, from []enums.OrderStatus, to enums.OrderStatus) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	if len(from) == 0 {
		return false, errors.New("at least one source status is required")
	}
	for _, status := range from {
		if !status.CanTransitionTo(to) {
			return false, fmt.Errorf("illegal transition %s -> %s", status, to)
		}
	}
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status IN ? AND (last_processed_event_id IS NULL OR last_processed_event_id <> ?)", orderID, from, eventID).
		Updates(map[string]any{
			"status":                  to,
			"last_processed_event_id": eventID,
			"updated_at":              time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) TrySetMigrationStatus(ctx context.Context, orderID uuid.UUID, from []enums.MigrationStatus, to enums.MigrationStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one source migration status is required")
	}
	result := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND migration_status IN ?", orderID, from).
		Updates(map[string]any{
			"migration_status": to,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CommitMigration writes every permanent key, the completed migration status
// and the completion timestamp in one statement inside the caller's
// transaction. The keys are never written anywhere else.
func (r *repository) CommitMigration(tx *gorm.DB, orderID uuid.UUID, keys PermanentKeys, completedAt time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if keys.PhotoKey == "" || keys.AudioKey == "" || keys.WaveformKey == "" || keys.PDFKey == "" {
		return errors.New("all permanent keys are required")
	}
	result := tx.Model(&models.Order{}).
		Where("id = ? AND migration_status = ?", orderID, enums.MigrationStatusInProgress).
		Updates(map[string]any{
			"permanent_photo_key":    keys.PhotoKey,
			"permanent_audio_key":    keys.AudioKey,
			"permanent_waveform_key": keys.WaveformKey,
			"permanent_pdf_key":      keys.PDFKey,
			"migration_status":       enums.MigrationStatusCompleted,
			"migration_completed_at": completedAt,
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order %s not in progress at commit", orderID)
	}
	return nil
}
