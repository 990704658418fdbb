package orders

import (
	"context"
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

func setupOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	ordersTable := `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  session_token TEXT NOT NULL,
  email TEXT NOT NULL,
  amount_cents INTEGER NOT NULL,
  currency TEXT NOT NULL DEFAULT 'EUR',
  payment_reference TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  migration_status TEXT NOT NULL DEFAULT 'not_started',
  permanent_photo_key TEXT,
  permanent_audio_key TEXT,
  permanent_waveform_key TEXT,
  permanent_pdf_key TEXT,
  migration_completed_at DATETIME,
  download_token TEXT NOT NULL,
  last_processed_event_id TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	sessionsTable := `
CREATE TABLE IF NOT EXISTS sessions (
  token TEXT PRIMARY KEY,
  email_hint TEXT,
  expires_at DATETIME NOT NULL,
  photo_temp_key TEXT,
  audio_temp_key TEXT,
  waveform_temp_key TEXT,
  title TEXT,
  subtitle TEXT,
  theme TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
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
	require.NoError(t, db.Exec(ordersTable).Error)
	require.NoError(t, db.Exec(sessionsTable).Error)
	require.NoError(t, db.Exec(outboxTable).Error)
	return db
}

func createTestOrder(t *testing.T, db *gorm.DB, status enums.OrderStatus, migration enums.MigrationStatus) *models.Order {
	t.Helper()

	order := &models.Order{
		ID:               uuid.New(),
		SessionToken:     uuid.NewString(),
		Email:            "buyer@example.com",
		AmountCents:      2900,
		Currency:         "EUR",
		PaymentReference: "pi_" + uuid.NewString(),
		Status:           status,
		MigrationStatus:  migration,
		DownloadToken:    uuid.NewString(),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func TestRepositoryTryTransition(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	order := createTestOrder(t, db, enums.OrderStatusPending, enums.MigrationStatusNotStarted)

	won, err := repo.TryTransition(ctx, order.ID, []enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing)
	require.NoError(t, err)
	assert.True(t, won)

	// The losing side of the race sees zero affected rows.
	won, err = repo.TryTransition(ctx, order.ID, []enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing)
	require.NoError(t, err)
	assert.False(t, won)

	updated, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusProcessing, updated.Status)
}

func TestRepositoryTryTransition_rejectsIllegalMoves(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	order := createTestOrder(t, db, enums.OrderStatusCompleted, enums.MigrationStatusCompleted)

	_, err := repo.TryTransition(ctx, order.ID, []enums.OrderStatus{enums.OrderStatusCompleted}, enums.OrderStatusProcessing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")

	_, err = repo.TryTransition(ctx, order.ID, nil, enums.OrderStatusProcessing)
	require.Error(t, err)
}

func TestRepositoryTryTransitionClaiming(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	order := createTestOrder(t, db, enums.OrderStatusPending, enums.MigrationStatusNotStarted)

	won, err := repo.TryTransitionClaiming(ctx, order.ID, "evt_1",
		[]enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing)
	require.NoError(t, err)
	assert.True(t, won)

	var reloaded models.Order
	require.NoError(t, db.Where("id = ?", order.ID).First(&reloaded).Error)
	assert.Equal(t, enums.OrderStatusProcessing, reloaded.Status)
	require.NotNil(t, reloaded.LastProcessedEventID)
	assert.Equal(t, "evt_1", *reloaded.LastProcessedEventID)

	// The recorded event id blocks a repeat even when the status side of
	// the predicate would match.
	won, err = repo.TryTransitionClaiming(ctx, order.ID, "evt_1",
		[]enums.OrderStatus{enums.OrderStatusProcessing}, enums.OrderStatusCompleted)
	require.NoError(t, err)
	assert.False(t, won)

	// A fresh event against the wrong source status also misses.
	won, err = repo.TryTransitionClaiming(ctx, order.ID, "evt_2",
		[]enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing)
	require.NoError(t, err)
	assert.False(t, won)

	// A fresh event from the right status moves the order and replaces
	// the stored id.
	won, err = repo.TryTransitionClaiming(ctx, order.ID, "evt_3",
		[]enums.OrderStatus{enums.OrderStatusProcessing}, enums.OrderStatusCompleted)
	require.NoError(t, err)
	assert.True(t, won)

	_, err = repo.TryTransitionClaiming(ctx, order.ID, "",
		[]enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing)
	require.Error(t, err)

	_, err = repo.TryTransitionClaiming(ctx, order.ID, "evt_4",
		[]enums.OrderStatus{enums.OrderStatusCompleted}, enums.OrderStatusPending)
	require.Error(t, err)
}

func TestRepositoryTrySetMigrationStatus(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	order := createTestOrder(t, db, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	marked, err := repo.TrySetMigrationStatus(ctx, order.ID,
		[]enums.MigrationStatus{enums.MigrationStatusNotStarted, enums.MigrationStatusFailed},
		enums.MigrationStatusInProgress)
	require.NoError(t, err)
	assert.True(t, marked)

	// completed is never a legal source here, so the CAS misses.
	marked, err = repo.TrySetMigrationStatus(ctx, order.ID,
		[]enums.MigrationStatus{enums.MigrationStatusNotStarted},
		enums.MigrationStatusInProgress)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestRepositoryCommitMigration(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	order := createTestOrder(t, db, enums.OrderStatusProcessing, enums.MigrationStatusInProgress)
	keys := PermanentKeys{
		PhotoKey:    "permanent/photo/" + order.ID.String() + ".jpg",
		AudioKey:    "permanent/audio/" + order.ID.String() + ".mp3",
		WaveformKey: "permanent/waveform/" + order.ID.String() + ".png",
		PDFKey:      "permanent/pdf/" + order.ID.String() + ".pdf",
	}
	completedAt := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.CommitMigration(db, order.ID, keys, completedAt))

	updated, err := repo.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.MigrationStatusCompleted, updated.MigrationStatus)
	require.True(t, updated.HasPermanentKeys())
	assert.Equal(t, keys.PhotoKey, *updated.PermanentPhotoKey)
	require.NotNil(t, updated.MigrationCompletedAt)

	// Re-commit misses the in_progress guard.
	err = repo.CommitMigration(db, order.ID, keys, completedAt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in progress")
}

func TestRepositoryCommitMigration_requiresAllKeys(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)

	order := createTestOrder(t, db, enums.OrderStatusProcessing, enums.MigrationStatusInProgress)

	err := repo.CommitMigration(db, order.ID, PermanentKeys{PhotoKey: "only-one"}, time.Now())
	require.Error(t, err)

	require.Error(t, repo.CommitMigration(nil, order.ID, PermanentKeys{}, time.Now()))
}

func TestRepositoryFindByPaymentReference_absent(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)

	order, err := repo.FindByPaymentReference(context.Background(), "pi_unknown")
	require.NoError(t, err)
	assert.Nil(t, order)
}
