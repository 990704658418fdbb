package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
)

func setupOutboxTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	outboxTable := `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`
	require.NoError(t, db.Exec(outboxTable).Error)
	return db
}

func testEvent(aggregateID uuid.UUID) DomainEvent {
	return DomainEvent{
		EventType:     enums.EventOrderCompletedEmail,
		AggregateType: enums.AggregateOrder,
		AggregateID:   aggregateID,
		Version:       1,
		Data: map[string]string{
			"orderId": aggregateID.String(),
		},
	}
}

func TestServiceEmit(t *testing.T) {
	db := setupOutboxTestDB(t)
	svc := NewService(NewRepository(db), nil)
	aggregateID := uuid.New()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.Emit(context.Background(), tx, testEvent(aggregateID))
	}))

	var row models.OutboxEvent
	require.NoError(t, db.Where("aggregate_id = ?", aggregateID).First(&row).Error)
	// The id is minted by the service so callers can reference the row
	// without a DB round trip, and so it survives drivers whose column
	// defaults format uuids differently.
	assert.NotEqual(t, uuid.Nil, row.ID)
	assert.Equal(t, enums.EventOrderCompletedEmail, row.EventType)
	assert.Equal(t, enums.AggregateOrder, row.AggregateType)
	assert.Nil(t, row.PublishedAt)
	assert.Zero(t, row.AttemptCount)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(row.Payload, &envelope))
	assert.Equal(t, 1, envelope.Version)
	assert.NotEmpty(t, envelope.EventID)
	assert.False(t, envelope.OccurredAt.IsZero())
	assert.Contains(t, string(envelope.Data), aggregateID.String())
}

func TestServiceEmit_requiresTransaction(t *testing.T) {
	db := setupOutboxTestDB(t)
	svc := NewService(NewRepository(db), nil)

	require.Error(t, svc.Emit(context.Background(), nil, testEvent(uuid.New())))
}

func TestServiceEmitIfNotExists(t *testing.T) {
	db := setupOutboxTestDB(t)
	svc := NewService(NewRepository(db), nil)
	aggregateID := uuid.New()

	for range 3 {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return svc.EmitIfNotExists(context.Background(), tx, testEvent(aggregateID))
		}))
	}

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", enums.EventOrderCompletedEmail, aggregateID).
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRepositoryMarkFailedAndTerminal(t *testing.T) {
	db := setupOutboxTestDB(t)
	repo := NewRepository(db)
	aggregateID := uuid.New()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return NewService(repo, nil).Emit(context.Background(), tx, testEvent(aggregateID))
	}))

	var row models.OutboxEvent
	require.NoError(t, db.Where("aggregate_id = ?", aggregateID).First(&row).Error)

	require.NoError(t, repo.MarkFailedTx(db, row.ID, errors.New("publish timeout")))
	require.NoError(t, db.Where("id = ?", row.ID).First(&row).Error)
	assert.Equal(t, 1, row.AttemptCount)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "publish timeout")
	assert.Nil(t, row.PublishedAt)

	// Terminal rows are pinned at the attempt ceiling and excluded from
	// future fetches via published_at.
	require.NoError(t, repo.MarkTerminalTx(db, row.ID, errors.New("unsupported event"), 10))
	require.NoError(t, db.Where("id = ?", row.ID).First(&row).Error)
	assert.Equal(t, 10, row.AttemptCount)
	require.NotNil(t, row.PublishedAt)
}

func TestRepositoryMarkPublished(t *testing.T) {
	db := setupOutboxTestDB(t)
	repo := NewRepository(db)
	aggregateID := uuid.New()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return NewService(repo, nil).Emit(context.Background(), tx, testEvent(aggregateID))
	}))

	var row models.OutboxEvent
	require.NoError(t, db.Where("aggregate_id = ?", aggregateID).First(&row).Error)

	require.NoError(t, repo.MarkPublishedTx(db, row.ID))
	require.NoError(t, db.Where("id = ?", row.ID).First(&row).Error)
	require.NotNil(t, row.PublishedAt)
	assert.WithinDuration(t, time.Now(), *row.PublishedAt, time.Minute)
}
