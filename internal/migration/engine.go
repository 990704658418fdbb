package migration

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waveframe-studio/waveframe-backend/internal/orders"
	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	pkgerrors "github.com/waveframe-studio/waveframe-backend/pkg/errors"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
	"github.com/waveframe-studio/waveframe-backend/pkg/metrics"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox/payloads"
	"github.com/waveframe-studio/waveframe-backend/pkg/storage/gcs"
)

type sessionReader interface {
	FindByToken(ctx context.Context, token string) (*models.Session, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type qrTargetBuilder interface {
	QRTarget(downloadToken string) string
}

type EngineParams struct {
	Orders            orders.Repository
	Sessions          sessionReader
	Storage           gcs.ObjectStore
	Lock              *OrderLock
	Outbox            *outbox.Service
	TransactionRunner txRunner
	QRTargets         qrTargetBuilder
	Metrics           *metrics.MigrationMetrics
	Config            config.MigrationConfig
	Logger            *logger.Logger
}

// Engine moves a paid order's assets from temp to permanent storage and
// commits the result atomically. Every step is safe to re-run: the
// permanent keys are deterministic and the DB writes are conditional.
type Engine struct {
	orders    orders.Repository
	sessions  sessionReader
	storage   gcs.ObjectStore
	lock      *OrderLock
	outbox    *outbox.Service
	txRunner  txRunner
	qrTargets qrTargetBuilder
	metrics   *metrics.MigrationMetrics
	cfg       config.MigrationConfig
	logg      *logger.Logger
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.Sessions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "sessions repo required")
	}
	if params.Storage == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "storage client required")
	}
	if params.Lock == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order lock required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.QRTargets == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "qr target builder required")
	}
	return &Engine{
		orders:    params.Orders,
		sessions:  params.Sessions,
		storage:   params.Storage,
		lock:      params.Lock,
		outbox:    params.Outbox,
		txRunner:  params.TransactionRunner,
		qrTargets: params.QRTargets,
		metrics:   params.Metrics,
		cfg:       params.Config,
		logg:      params.Logger,
	}, nil
}

// Migrate runs one migration attempt for the order. A nil return means the
// task is settled (done, already done, or failed terminally); an error means
// the attempt hit transient infrastructure and should be redelivered.
func (e *Engine) Migrate(ctx context.Context, orderID uuid.UUID) error {
	started := time.Now()
	ctx = e.withOrderContext(ctx, orderID)

	order, err := e.orders.FindByID(ctx, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		e.warn(ctx, "migrate task for unknown order, dropping")
		e.observe(metrics.OutcomeSkipped, started)
		return nil
	}

	if order.MigrationStatus == enums.MigrationStatusCompleted {
		// A prior run can die between the migration commit and the status
		// move. The commit is durable, so only the completion is replayed.
		if order.Status == enums.OrderStatusProcessing {
			if _, err := e.completeOrder(ctx, orderID); err != nil {
				return err
			}
			e.info(ctx, "migration already committed, order completion replayed")
			e.observe(metrics.OutcomeCompleted, started)
			return nil
		}
		e.info(ctx, "migration already completed")
		e.observe(metrics.OutcomeSkipped, started)
		return nil
	}
	if order.Status != enums.OrderStatusProcessing {
		// Terminal or not-yet-paid orders never migrate.
		e.warn(ctx, fmt.Sprintf("migrate task for order in status %s, dropping", order.Status))
		e.observe(metrics.OutcomeSkipped, started)
		return nil
	}

	acquired, release, err := e.lock.Acquire(ctx, orderID)
	if err != nil {
		return err
	}
	if !acquired {
		e.info(ctx, "migration lock held elsewhere, dropping task")
		e.observe(metrics.OutcomeSkipped, started)
		return nil
	}
	defer release(context.WithoutCancel(ctx))

	// in_progress is included so a run that died holding the state can be
	// resumed once its lock expires.
	marked, err := e.orders.TrySetMigrationStatus(ctx, orderID, []enums.MigrationStatus{
		enums.MigrationStatusNotStarted,
		enums.MigrationStatusFailed,
		enums.MigrationStatusInProgress,
	}, enums.MigrationStatusInProgress)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark migration in progress")
	}
	if !marked {
		e.info(ctx, "migration already committed, dropping task")
		e.observe(metrics.OutcomeSkipped, started)
		return nil
	}

	session, err := e.sessions.FindByToken(ctx, order.SessionToken)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load session")
	}

	keys, prepErr := e.prepare(ctx, order, session)
	if prepErr != nil {
		if pkgerrors.IsRetryable(prepErr) {
			return prepErr
		}
		if err := e.fail(ctx, order, prepErr); err != nil {
			return err
		}
		e.observe(metrics.OutcomeFailed, started)
		return nil
	}

	if err := e.commit(ctx, order, session, keys); err != nil {
		return err
	}

	if _, err := e.completeOrder(ctx, orderID); err != nil {
		return err
	}

	e.info(ctx, "migration committed")
	e.observe(metrics.OutcomeCompleted, started)
	return nil
}

// prepare copies each required asset to its deterministic permanent key and
// verifies the copy. Missing temp assets surface as non-retryable errors.
func (e *Engine) prepare(ctx context.Context, order *models.Order, session *models.Session) (orders.PermanentKeys, error) {
	var keys orders.PermanentKeys
	if session == nil {
		return keys, pkgerrors.New(pkgerrors.CodeDataLoss, "session missing for paid order")
	}

	tempKeys := map[enums.AssetKind]*string{
		enums.AssetKindPhoto:    session.PhotoTempKey,
		enums.AssetKindAudio:    session.AudioTempKey,
		enums.AssetKindWaveform: session.WaveformTempKey,
	}

	for _, kind := range enums.RequiredAssetKinds {
		tempKey := tempKeys[kind]
		if tempKey == nil || strings.TrimSpace(*tempKey) == "" {
			return keys, pkgerrors.New(pkgerrors.CodeDataLoss, fmt.Sprintf("%s temp key missing", kind))
		}

		permKey := PermanentKey(kind, order.ID, *tempKey)
		if err := e.copyVerified(ctx, *tempKey, permKey); err != nil {
			return keys, err
		}

		switch kind {
		case enums.AssetKindPhoto:
			keys.PhotoKey = permKey
		case enums.AssetKindAudio:
			keys.AudioKey = permKey
		case enums.AssetKindWaveform:
			keys.WaveformKey = permKey
		}
	}

	// The PDF is rendered later by an external consumer; its key is
	// reserved now so the committed row is complete.
	keys.PDFKey = PermanentKey(enums.AssetKindPDF, order.ID, "")
	return keys, nil
}

func (e *Engine) copyVerified(ctx context.Context, tempKey, permKey string) error {
	exists, err := e.withRetry(ctx, func(opCtx context.Context) (bool, error) {
		return e.storage.Exists(opCtx, "", tempKey)
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDataLoss, err, "stat temp object")
	}
	if !exists {
		return pkgerrors.New(pkgerrors.CodeDataLoss, fmt.Sprintf("temp object %s missing", tempKey))
	}

	if _, err := e.withRetry(ctx, func(opCtx context.Context) (bool, error) {
		return true, e.storage.Copy(opCtx, "", tempKey, "", permKey)
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDataLoss, err, "copy object")
	}

	copied, err := e.withRetry(ctx, func(opCtx context.Context) (bool, error) {
		return e.storage.Exists(opCtx, "", permKey)
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDataLoss, err, "verify permanent object")
	}
	if !copied {
		return pkgerrors.New(pkgerrors.CodeDataLoss, fmt.Sprintf("permanent object %s missing after copy", permKey))
	}
	return nil
}

func (e *Engine) withRetry(ctx context.Context, op func(context.Context) (bool, error)) (bool, error) {
	attempts := e.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := e.cfg.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			e.metrics.IncRetry()
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(backoff << (attempt - 1)):
			}
		}
		ok, err := op(ctx)
		if err == nil {
			return ok, nil
		}
		lastErr = err
	}
	return false, fmt.Errorf("retries exhausted: %w", lastErr)
}

// commit writes the permanent keys and queues the one-shot side effects in a
// single transaction. Copies are never redone when only this step fails.
func (e *Engine) commit(ctx context.Context, order *models.Order, session *models.Session, keys orders.PermanentKeys) error {
	completedAt := time.Now().UTC().Truncate(time.Second)

	commitOnce := func() error {
		return e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
			if err := e.orders.CommitMigration(tx, order.ID, keys, completedAt); err != nil {
				return err
			}
			if err := e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventOrderCompletedEmail,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Version:       1,
				Data: payloads.OrderCompletedEmailEvent{
					OrderID:       order.ID,
					Email:         order.Email,
					DownloadToken: order.DownloadToken,
					CompletedAt:   completedAt,
				},
			}); err != nil {
				return err
			}
			return e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventOrderPDFFinalize,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Version:       1,
				Data: payloads.OrderPDFFinalizeEvent{
					OrderID:              order.ID,
					PermanentPhotoKey:    keys.PhotoKey,
					PermanentAudioKey:    keys.AudioKey,
					PermanentWaveKey:     keys.WaveformKey,
					PermanentPDFKey:      keys.PDFKey,
					Title:                stringValue(sessionField(session, func(s *models.Session) *string { return s.Title })),
					Subtitle:             stringValue(sessionField(session, func(s *models.Session) *string { return s.Subtitle })),
					Theme:                stringValue(sessionField(session, func(s *models.Session) *string { return s.Theme })),
					QRTarget:             e.qrTargets.QRTarget(order.DownloadToken),
					MigrationCompletedAt: completedAt,
				},
			})
		})
	}

	retries := e.cfg.CommitRetry
	if retries <= 0 {
		retries = 3
	}
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.commitBackoff() << (attempt - 1)):
			}
		}
		if err := commitOnce(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, lastErr, "commit migration")
}

func (e *Engine) commitBackoff() time.Duration {
	if e.cfg.BackoffBase > 0 {
		return e.cfg.BackoffBase
	}
	return 500 * time.Millisecond
}

func (e *Engine) completeOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var won bool
	err := e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		var txErr error
		won, txErr = e.orders.WithTx(tx).TryTransition(ctx, orderID,
			[]enums.OrderStatus{enums.OrderStatusProcessing}, enums.OrderStatusCompleted)
		if txErr != nil {
			return txErr
		}
		if !won {
			return nil
		}
		return e.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStateChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Version:       1,
			Data: payloads.OrderStateChangedEvent{
				OrderID:    orderID,
				FromStatus: enums.OrderStatusProcessing,
				ToStatus:   enums.OrderStatusCompleted,
				OccurredAt: time.Now(),
			},
		})
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "complete order")
	}
	return won, nil
}

// fail settles a migration that cannot succeed: temp files stay where they
// are, no permanent key is persisted and the operator alert is queued.
func (e *Engine) fail(ctx context.Context, order *models.Order, cause error) error {
	e.warn(ctx, fmt.Sprintf("migration failed: %v", cause))

	if _, err := e.orders.TrySetMigrationStatus(ctx, order.ID,
		[]enums.MigrationStatus{enums.MigrationStatusInProgress}, enums.MigrationStatusFailed); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark migration failed")
	}

	err := e.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		won, txErr := e.orders.WithTx(tx).TryTransition(ctx, order.ID,
			[]enums.OrderStatus{enums.OrderStatusProcessing}, enums.OrderStatusFailed)
		if txErr != nil {
			return txErr
		}
		if won {
			if txErr := e.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventOrderStateChanged,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Version:       1,
				Data: payloads.OrderStateChangedEvent{
					OrderID:    order.ID,
					FromStatus: enums.OrderStatusProcessing,
					ToStatus:   enums.OrderStatusFailed,
					OccurredAt: time.Now(),
				},
			}); txErr != nil {
				return txErr
			}
		}
		return e.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderFailedAlert,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Version:       1,
			Data: payloads.OrderFailedAlertEvent{
				OrderID:  order.ID,
				Reason:   cause.Error(),
				FailedAt: time.Now(),
			},
		})
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record migration failure")
	}
	return nil
}

// PermanentKey returns the deterministic permanent object key for an asset.
// Reruns for the same order always target the same key.
func PermanentKey(kind enums.AssetKind, orderID uuid.UUID, tempKey string) string {
	ext := path.Ext(tempKey)
	if ext == "" {
		switch kind {
		case enums.AssetKindPhoto:
			ext = ".jpg"
		case enums.AssetKindAudio:
			ext = ".mp3"
		case enums.AssetKindWaveform:
			ext = ".png"
		case enums.AssetKindPDF:
			ext = ".pdf"
		}
	}
	return fmt.Sprintf("permanent/%s/%s%s", kind, orderID, ext)
}

func (e *Engine) observe(outcome string, started time.Time) {
	e.metrics.ObserveRun(outcome, time.Since(started))
}

func (e *Engine) withOrderContext(ctx context.Context, orderID uuid.UUID) context.Context {
	if e.logg == nil {
		return ctx
	}
	return e.logg.WithOrderID(ctx, orderID.String())
}

func (e *Engine) info(ctx context.Context, msg string) {
	if e.logg != nil {
		e.logg.Info(ctx, msg)
	}
}

func (e *Engine) warn(ctx context.Context, msg string) {
	if e.logg != nil {
		e.logg.Warn(ctx, msg)
	}
}

func sessionField(session *models.Session, get func(*models.Session) *string) *string {
	if session == nil {
		return nil
	}
	return get(session)
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
