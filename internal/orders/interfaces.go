package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
)

// Repository defines persistence operations for the orders table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) (*models.Order, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	FindByDownloadToken(ctx context.Context, token string) (*models.Order, error)
	FindBySessionToken(ctx context.Context, sessionToken string) ([]models.Order, error)
	TryTransition(ctx context.Context, orderID uuid.UUID, from []enums.OrderStatus, to enums.OrderStatus) (bool, error)
	TryTransitionClaiming(ctx context.Context, orderID uuid.UUID, eventID string, from []enums.OrderStatus, to enums.OrderStatus) (bool, error)
	TrySetMigrationStatus(ctx context.Context, orderID uuid.UUID, from []enums.MigrationStatus, to enums.MigrationStatus) (bool, error)
	CommitMigration(tx *gorm.DB, orderID uuid.UUID, keys PermanentKeys, completedAt time.Time) error
}

// PermanentKeys carries the full set of permanent object keys written at
// migration commit. All four are required; partial writes never happen.
type PermanentKeys struct {
	PhotoKey    string
	AudioKey    string
	WaveformKey string
	PDFKey      string
}

// TaskEnqueuer hands a migration task to the fulfillment queue.
type TaskEnqueuer interface {
	EnqueueMigration(ctx context.Context, orderID uuid.UUID) error
}
