package cron

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	internalorders "github.com/waveframe-studio/waveframe-backend/internal/orders"
	"github.com/waveframe-studio/waveframe-backend/internal/sessions"
	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
	"github.com/waveframe-studio/waveframe-backend/pkg/metrics"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
)

func setupCleanupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

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
	require.NoError(t, db.Exec(sessionsTable).Error)
	require.NoError(t, db.Exec(ordersTable).Error)
	require.NoError(t, db.Exec(outboxTable).Error)
	return db
}

type recordingStore struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (s *recordingStore) Exists(context.Context, string, string) (bool, error) { return true, nil }

func (s *recordingStore) Copy(context.Context, string, string, string, string) error { return nil }

func (s *recordingStore) Delete(_ context.Context, _, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, key)
	return nil
}

type cleanupTxRunner struct {
	db *gorm.DB
}

func (r *cleanupTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type cleanupHarness struct {
	db      *gorm.DB
	storage *recordingStore
	job     Job
	clock   time.Time
}

func newCleanupHarness(t *testing.T, grace time.Duration) *cleanupHarness {
	t.Helper()

	db := setupCleanupTestDB(t)
	storage := &recordingStore{}
	clock := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

	job, err := NewSessionCleanupJob(SessionCleanupJobParams{
		Logger:      logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		DB:          &cleanupTxRunner{db: db},
		Sessions:    sessions.NewRepository(db),
		Orders:      internalorders.NewRepository(db),
		Storage:     storage,
		Outbox:      outbox.NewService(outbox.NewRepository(db), nil),
		Metrics:     metrics.NewCronJobMetrics(nil),
		GraceWindow: grace,
		BatchSize:   10,
		Now:         func() time.Time { return clock },
	})
	require.NoError(t, err)

	return &cleanupHarness{db: db, storage: storage, job: job, clock: clock}
}

func seedCleanupSession(t *testing.T, db *gorm.DB, expiresAt time.Time) *models.Session {
	t.Helper()

	token := uuid.NewString()
	photo := "temp/" + token + "/photo.jpg"
	audio := "temp/" + token + "/audio.mp3"
	waveform := "temp/" + token + "/waveform.png"
	session := &models.Session{
		Token:           token,
		ExpiresAt:       expiresAt,
		PhotoTempKey:    &photo,
		AudioTempKey:    &audio,
		WaveformTempKey: &waveform,
	}
	require.NoError(t, db.Create(session).Error)
	return session
}

func seedCleanupOrder(t *testing.T, db *gorm.DB, sessionToken string, status enums.OrderStatus, updatedAt time.Time) *models.Order {
	t.Helper()

	order := &models.Order{
		ID:               uuid.New(),
		SessionToken:     sessionToken,
		Email:            "buyer@example.com",
		AmountCents:      2900,
		Currency:         "EUR",
		PaymentReference: "pi_" + uuid.NewString(),
		Status:           status,
		DownloadToken:    uuid.NewString(),
	}
	require.NoError(t, db.Create(order).Error)
	require.NoError(t, db.Exec("UPDATE orders SET updated_at = ? WHERE id = ?", updatedAt, order.ID).Error)
	return order
}

func sessionExists(t *testing.T, db *gorm.DB, token string) bool {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("token = ?", token).Count(&count).Error)
	return count > 0
}

func sweepEvents(t *testing.T, db *gorm.DB, token string) int64 {
	t.Helper()

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", enums.EventSessionSwept, sessionAggregateID(token)).
		Count(&count).Error)
	return count
}

func TestSessionCleanupJob_SweepsExpiredOrphanSession(t *testing.T) {
	h := newCleanupHarness(t, 72*time.Hour)
	session := seedCleanupSession(t, h.db, h.clock.Add(-time.Hour))

	require.NoError(t, h.job.Run(context.Background()))

	assert.False(t, sessionExists(t, h.db, session.Token))
	assert.EqualValues(t, 1, sweepEvents(t, h.db, session.Token))
	assert.ElementsMatch(t, []string{
		*session.PhotoTempKey,
		*session.AudioTempKey,
		*session.WaveformTempKey,
	}, h.storage.deleted)
}

func TestSessionCleanupJob_KeepsUnexpiredSession(t *testing.T) {
	h := newCleanupHarness(t, 72*time.Hour)
	session := seedCleanupSession(t, h.db, h.clock.Add(time.Hour))

	require.NoError(t, h.job.Run(context.Background()))

	assert.True(t, sessionExists(t, h.db, session.Token))
	assert.Empty(t, h.storage.deleted)
}

func TestSessionCleanupJob_KeepsSessionWithUnsettledOrder(t *testing.T) {
	for _, status := range []enums.OrderStatus{
		enums.OrderStatusPending,
		enums.OrderStatusProcessing,
		enums.OrderStatusCompleted,
	} {
		t.Run(string(status), func(t *testing.T) {
			h := newCleanupHarness(t, 72*time.Hour)
			session := seedCleanupSession(t, h.db, h.clock.Add(-time.Hour))
			seedCleanupOrder(t, h.db, session.Token, status, h.clock.Add(-200*time.Hour))

			require.NoError(t, h.job.Run(context.Background()))

			assert.True(t, sessionExists(t, h.db, session.Token))
			assert.EqualValues(t, 0, sweepEvents(t, h.db, session.Token))
		})
	}
}

func TestSessionCleanupJob_GraceWindowBlocksFreshFailures(t *testing.T) {
	h := newCleanupHarness(t, 72*time.Hour)

	fresh := seedCleanupSession(t, h.db, h.clock.Add(-time.Hour))
	seedCleanupOrder(t, h.db, fresh.Token, enums.OrderStatusFailed, h.clock.Add(-time.Hour))

	aged := seedCleanupSession(t, h.db, h.clock.Add(-time.Hour))
	seedCleanupOrder(t, h.db, aged.Token, enums.OrderStatusCanceled, h.clock.Add(-100*time.Hour))

	require.NoError(t, h.job.Run(context.Background()))

	assert.True(t, sessionExists(t, h.db, fresh.Token))
	assert.False(t, sessionExists(t, h.db, aged.Token))
	assert.EqualValues(t, 1, sweepEvents(t, h.db, aged.Token))
}

func TestSessionCleanupJob_StorageFailureStillDeletesRow(t *testing.T) {
	h := newCleanupHarness(t, 72*time.Hour)
	h.storage.err = errors.New("storage unavailable")
	session := seedCleanupSession(t, h.db, h.clock.Add(-time.Hour))

	require.NoError(t, h.job.Run(context.Background()))

	assert.False(t, sessionExists(t, h.db, session.Token))
	assert.EqualValues(t, 1, sweepEvents(t, h.db, session.Token))
}
