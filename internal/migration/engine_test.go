package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	internalorders "github.com/waveframe-studio/waveframe-backend/internal/orders"
	"github.com/waveframe-studio/waveframe-backend/internal/sessions"
	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
)

func setupMigrationTestDB(t *testing.T) *gorm.DB {
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
	outboxIndex := `
CREATE UNIQUE INDEX IF NOT EXISTS ux_outbox_events_event_aggregate
  ON outbox_events (event_type, aggregate_id)
  WHERE event_type IN ('order_completed_email', 'order_pdf_finalize',
                       'order_failed_alert', 'session_swept');`
	require.NoError(t, db.Exec(ordersTable).Error)
	require.NoError(t, db.Exec(sessionsTable).Error)
	require.NoError(t, db.Exec(outboxTable).Error)
	require.NoError(t, db.Exec(outboxIndex).Error)
	return db
}

// memoryObjectStore keeps objects in a map keyed by object key. Buckets are
// ignored; the engine always passes the configured defaults through empty
// strings.
type memoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	copies  int
	deletes []string

	existsErrs map[string]int
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{
		objects:    make(map[string][]byte),
		existsErrs: make(map[string]int),
	}
}

func (s *memoryObjectStore) put(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = []byte(key)
}

func (s *memoryObjectStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *memoryObjectStore) Exists(_ context.Context, _, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remaining := s.existsErrs[key]; remaining > 0 {
		s.existsErrs[key] = remaining - 1
		return false, errors.New("stat: connection reset")
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memoryObjectStore) Copy(_ context.Context, _, srcKey, _, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[srcKey]
	if !ok {
		return fmt.Errorf("copy: source %s missing", srcKey)
	}
	s.objects[dstKey] = data
	s.copies++
	return nil
}

func (s *memoryObjectStore) Delete(_ context.Context, _, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	s.deletes = append(s.deletes, key)
	return nil
}

// memoryLockStore mimics the Redis SETNX surface the order lock uses.
type memoryLockStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryLockStore() *memoryLockStore {
	return &memoryLockStore{values: make(map[string]string)}
}

func (s *memoryLockStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.values[key]; held {
		return false, nil
	}
	s.values[key] = fmt.Sprint(value)
	return true, nil
}

func (s *memoryLockStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return "", goredis.Nil
	}
	return value, nil
}

func (s *memoryLockStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

func (s *memoryLockStore) LockKey(parts ...string) string {
	key := "wf:lock"
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

type staticQRTargets struct{}

func (staticQRTargets) QRTarget(downloadToken string) string {
	return "https://waveframe.example.com/p/" + downloadToken
}

type gormTxRunner struct {
	db *gorm.DB

	mu         sync.Mutex
	failures   int
	calls      int
	failOnCall int
}

func (r *gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.mu.Lock()
	r.calls++
	if r.failures > 0 || r.calls == r.failOnCall {
		if r.failures > 0 {
			r.failures--
		}
		r.mu.Unlock()
		return errors.New("tx: serialization failure")
	}
	r.mu.Unlock()
	return r.db.WithContext(ctx).Transaction(fn)
}

type engineHarness struct {
	db       *gorm.DB
	storage  *memoryObjectStore
	locks    *memoryLockStore
	txRunner *gormTxRunner
	orders   internalorders.Repository
	engine   *Engine
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	db := setupMigrationTestDB(t)
	storage := newMemoryObjectStore()
	locks := newMemoryLockStore()
	txRunner := &gormTxRunner{db: db}

	lock, err := NewOrderLock(locks, time.Minute)
	require.NoError(t, err)

	ordersRepo := internalorders.NewRepository(db)
	engine, err := NewEngine(EngineParams{
		Orders:            ordersRepo,
		Sessions:          sessions.NewRepository(db),
		Storage:           storage,
		Lock:              lock,
		Outbox:            outbox.NewService(outbox.NewRepository(db), nil),
		TransactionRunner: txRunner,
		QRTargets:         staticQRTargets{},
		Config: config.MigrationConfig{
			MaxAttempts: 3,
			BackoffBase: time.Millisecond,
			LockTTL:     time.Minute,
			CommitRetry: 3,
		},
	})
	require.NoError(t, err)

	return &engineHarness{
		db:       db,
		storage:  storage,
		locks:    locks,
		txRunner: txRunner,
		orders:   ordersRepo,
		engine:   engine,
	}
}

func strPtr(value string) *string { return &value }

func seedSession(t *testing.T, h *engineHarness, withObjects bool) *models.Session {
	t.Helper()

	token := uuid.NewString()
	session := &models.Session{
		Token:           token,
		ExpiresAt:       time.Now().Add(time.Hour),
		PhotoTempKey:    strPtr("temp/" + token + "/photo.jpg"),
		AudioTempKey:    strPtr("temp/" + token + "/audio.mp3"),
		WaveformTempKey: strPtr("temp/" + token + "/waveform.png"),
		Title:           strPtr("Our Song"),
		Theme:           strPtr("midnight"),
	}
	require.NoError(t, h.db.Create(session).Error)

	if withObjects {
		h.storage.put(*session.PhotoTempKey)
		h.storage.put(*session.AudioTempKey)
		h.storage.put(*session.WaveformTempKey)
	}
	return session
}

func seedOrder(t *testing.T, h *engineHarness, session *models.Session, status enums.OrderStatus, migration enums.MigrationStatus) *models.Order {
	t.Helper()

	order := &models.Order{
		ID:               uuid.New(),
		SessionToken:     session.Token,
		Email:            "buyer@example.com",
		AmountCents:      2900,
		Currency:         "EUR",
		PaymentReference: "pi_" + uuid.NewString(),
		Status:           status,
		MigrationStatus:  migration,
		DownloadToken:    uuid.NewString(),
	}
	require.NoError(t, h.db.Create(order).Error)
	return order
}

func reloadOrder(t *testing.T, h *engineHarness, id uuid.UUID) *models.Order {
	t.Helper()

	order, err := h.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, order)
	return order
}

func countOutbox(t *testing.T, h *engineHarness, eventType enums.OutboxEventType, aggregateID uuid.UUID) int64 {
	t.Helper()

	var count int64
	require.NoError(t, h.db.Model(&models.OutboxEvent{}).
		Where("event_type = ? AND aggregate_id = ?", eventType, aggregateID).
		Count(&count).Error)
	return count
}

func TestEngineMigrate_CompletesOrder(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

	updated := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, updated.Status)
	assert.Equal(t, enums.MigrationStatusCompleted, updated.MigrationStatus)
	require.True(t, updated.HasPermanentKeys())
	require.NotNil(t, updated.MigrationCompletedAt)

	assert.Equal(t, fmt.Sprintf("permanent/photo/%s.jpg", order.ID), *updated.PermanentPhotoKey)
	assert.Equal(t, fmt.Sprintf("permanent/audio/%s.mp3", order.ID), *updated.PermanentAudioKey)
	assert.Equal(t, fmt.Sprintf("permanent/waveform/%s.png", order.ID), *updated.PermanentWaveformKey)
	assert.Equal(t, fmt.Sprintf("permanent/pdf/%s.pdf", order.ID), *updated.PermanentPDFKey)

	assert.True(t, h.storage.has(*updated.PermanentPhotoKey))
	assert.True(t, h.storage.has(*updated.PermanentAudioKey))
	assert.True(t, h.storage.has(*updated.PermanentWaveformKey))

	// Temp objects are left for the session sweeper.
	assert.True(t, h.storage.has(*session.PhotoTempKey))
	assert.Empty(t, h.storage.deletes)

	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderCompletedEmail, order.ID))
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderPDFFinalize, order.ID))
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderStateChanged, order.ID))

	var finalize models.OutboxEvent
	require.NoError(t, h.db.
		Where("event_type = ? AND aggregate_id = ?", enums.EventOrderPDFFinalize, order.ID).
		First(&finalize).Error)
	assert.Contains(t, string(finalize.Payload), "https://waveframe.example.com/p/"+order.DownloadToken)
	assert.Contains(t, string(finalize.Payload), *updated.PermanentPhotoKey)
}

func TestEngineMigrate_RerunIsNoop(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))
	first := reloadOrder(t, h, order.ID)
	copiesAfterFirst := h.storage.copies

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))
	second := reloadOrder(t, h, order.ID)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.PermanentPhotoKey, *second.PermanentPhotoKey)
	assert.Equal(t, copiesAfterFirst, h.storage.copies)
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderCompletedEmail, order.ID))
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderPDFFinalize, order.ID))
}

func TestEngineMigrate_MissingTempObjectFailsOrder(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	h.storage.mu.Lock()
	delete(h.storage.objects, *session.AudioTempKey)
	h.storage.mu.Unlock()
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

	updated := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.OrderStatusFailed, updated.Status)
	assert.Equal(t, enums.MigrationStatusFailed, updated.MigrationStatus)
	assert.False(t, updated.HasPermanentKeys())
	assert.Nil(t, updated.MigrationCompletedAt)

	// Temp assets survive a failed run so support can recover them.
	assert.True(t, h.storage.has(*session.PhotoTempKey))
	assert.True(t, h.storage.has(*session.WaveformTempKey))
	assert.Empty(t, h.storage.deletes)

	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderFailedAlert, order.ID))
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderStateChanged, order.ID))
	assert.EqualValues(t, 0, countOutbox(t, h, enums.EventOrderCompletedEmail, order.ID))
}

func TestEngineMigrate_MissingTempKeyFailsOrder(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	require.NoError(t, h.db.Model(&models.Session{}).
		Where("token = ?", session.Token).
		Update("waveform_temp_key", nil).Error)
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

	updated := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.OrderStatusFailed, updated.Status)
	assert.Equal(t, enums.MigrationStatusFailed, updated.MigrationStatus)
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderFailedAlert, order.ID))
}

func TestEngineMigrate_RetriesTransientStorageErrors(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	h.storage.mu.Lock()
	h.storage.existsErrs[*session.AudioTempKey] = 2
	h.storage.mu.Unlock()

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

	updated := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, updated.Status)
	assert.Equal(t, enums.MigrationStatusCompleted, updated.MigrationStatus)
}

func TestEngineMigrate_CommitRetryWithoutRecopy(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	// First transaction attempt fails; the commit must be retried without
	// touching storage again.
	h.txRunner.failures = 1

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

	updated := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, updated.Status)
	assert.Equal(t, 3, h.storage.copies)
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderCompletedEmail, order.ID))
}

func TestEngineMigrate_ReplaysCompletionAfterCommit(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	// The commit transaction lands but the worker dies before moving the
	// order out of processing. Only the second transaction fails here.
	h.txRunner.failOnCall = 2

	require.Error(t, h.engine.Migrate(context.Background(), order.ID))

	stranded := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.MigrationStatusCompleted, stranded.MigrationStatus)
	assert.Equal(t, enums.OrderStatusProcessing, stranded.Status)
	copiesAfterCommit := h.storage.copies

	// Redelivery must finish the order instead of treating the committed
	// migration as already done.
	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

	recovered := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, recovered.Status)
	assert.Equal(t, copiesAfterCommit, h.storage.copies)
	assert.EqualValues(t, 1, countOutbox(t, h, enums.EventOrderStateChanged, order.ID))
}

func TestEngineMigrate_LockHeldSkips(t *testing.T) {
	h := newEngineHarness(t)
	session := seedSession(t, h, true)
	order := seedOrder(t, h, session, enums.OrderStatusProcessing, enums.MigrationStatusNotStarted)

	key := h.locks.LockKey("fulfillment", "migrate", order.ID.String())
	held, err := h.locks.SetNX(context.Background(), key, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

	updated := reloadOrder(t, h, order.ID)
	assert.Equal(t, enums.OrderStatusProcessing, updated.Status)
	assert.Equal(t, enums.MigrationStatusNotStarted, updated.MigrationStatus)
	assert.Zero(t, h.storage.copies)
	assert.EqualValues(t, 0, countOutbox(t, h, enums.EventOrderStateChanged, order.ID))
}

func TestEngineMigrate_DropsUnmigratableOrders(t *testing.T) {
	h := newEngineHarness(t)

	t.Run("unknown order", func(t *testing.T) {
		require.NoError(t, h.engine.Migrate(context.Background(), uuid.New()))
	})

	t.Run("not yet paid", func(t *testing.T) {
		session := seedSession(t, h, true)
		order := seedOrder(t, h, session, enums.OrderStatusPending, enums.MigrationStatusNotStarted)

		require.NoError(t, h.engine.Migrate(context.Background(), order.ID))

		updated := reloadOrder(t, h, order.ID)
		assert.Equal(t, enums.OrderStatusPending, updated.Status)
		assert.Zero(t, h.storage.copies)
	})

	t.Run("already migrated", func(t *testing.T) {
		session := seedSession(t, h, true)
		order := seedOrder(t, h, session, enums.OrderStatusCompleted, enums.MigrationStatusCompleted)

		require.NoError(t, h.engine.Migrate(context.Background(), order.ID))
		assert.Zero(t, h.storage.copies)
	})
}

func TestPermanentKey(t *testing.T) {
	orderID := uuid.New()

	key := PermanentKey(enums.AssetKindPhoto, orderID, "temp/abc/photo.jpeg")
	assert.Equal(t, fmt.Sprintf("permanent/photo/%s.jpeg", orderID), key)
	assert.Equal(t, key, PermanentKey(enums.AssetKindPhoto, orderID, "temp/abc/photo.jpeg"))

	assert.Equal(t, fmt.Sprintf("permanent/audio/%s.mp3", orderID),
		PermanentKey(enums.AssetKindAudio, orderID, "temp/abc/audio"))
	assert.Equal(t, fmt.Sprintf("permanent/pdf/%s.pdf", orderID),
		PermanentKey(enums.AssetKindPDF, orderID, ""))
}
