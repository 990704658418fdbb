package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
	"github.com/waveframe-studio/waveframe-backend/pkg/metrics"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox/payloads"
	"github.com/waveframe-studio/waveframe-backend/pkg/storage/gcs"
)

const (
	defaultGraceWindow = 72 * time.Hour
	defaultSweepBatch  = 100
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type sessionCleanupRepo interface {
	ListExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Session, error)
	DeleteWithTx(tx *gorm.DB, token string) error
}

type sessionOrderRepo interface {
	FindBySessionToken(ctx context.Context, sessionToken string) ([]models.Order, error)
}

type SessionCleanupJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Sessions    sessionCleanupRepo
	Orders      sessionOrderRepo
	Storage     gcs.ObjectStore
	Outbox      *outbox.Service
	Metrics     *metrics.CronJobMetrics
	GraceWindow time.Duration
	BatchSize   int
	Now         func() time.Time
}

// NewSessionCleanupJob builds the expired-session sweeper.
func NewSessionCleanupJob(params SessionCleanupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Sessions == nil {
		return nil, fmt.Errorf("sessions repository required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Storage == nil {
		return nil, fmt.Errorf("storage client required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	grace := params.GraceWindow
	if grace <= 0 {
		grace = defaultGraceWindow
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &sessionCleanupJob{
		logg:     params.Logger,
		db:       params.DB,
		sessions: params.Sessions,
		orders:   params.Orders,
		storage:  params.Storage,
		outbox:   params.Outbox,
		metrics:  params.Metrics,
		grace:    grace,
		batch:    batch,
		now:      now,
	}, nil
}

type sessionCleanupJob struct {
	logg     *logger.Logger
	db       txRunner
	sessions sessionCleanupRepo
	orders   sessionOrderRepo
	storage  gcs.ObjectStore
	outbox   *outbox.Service
	metrics  *metrics.CronJobMetrics
	grace    time.Duration
	batch    int
	now      func() time.Time
}

func (j *sessionCleanupJob) Name() string { return "session-cleanup" }

// Run sweeps expired sessions whose orders are settled. Paid sessions are
// never deleted here: the migration engine owns their temp files until
// permanence is committed, and completed orders keep only permanent keys.
func (j *sessionCleanupJob) Run(ctx context.Context) error {
	nowTime := j.now().UTC()
	rows, err := j.sessions.ListExpiredBefore(ctx, nowTime, j.batch)
	if err != nil {
		return fmt.Errorf("query expired sessions: %w", err)
	}

	var (
		swept   int
		skipped int
		errs    error
	)
	for _, session := range rows {
		eligible, err := j.eligible(ctx, session.Token, nowTime)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !eligible {
			skipped++
			continue
		}
		if err := j.sweep(ctx, session); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sweep session %s: %w", session.Token, err))
			continue
		}
		swept++
	}

	j.metrics.AddSwept(j.Name(), swept)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"candidates": len(rows),
		"swept":      swept,
		"skipped":    skipped,
	})
	j.logg.Info(logCtx, "session cleanup complete")
	return errs
}

// eligible decides whether the session's temp files may be removed. Any
// referencing order that is not failed/canceled, or that reached that state
// inside the grace window, blocks the sweep.
func (j *sessionCleanupJob) eligible(ctx context.Context, token string, nowTime time.Time) (bool, error) {
	orderRows, err := j.orders.FindBySessionToken(ctx, token)
	if err != nil {
		return false, fmt.Errorf("load orders for session %s: %w", token, err)
	}
	for _, order := range orderRows {
		if order.Status != enums.OrderStatusFailed && order.Status != enums.OrderStatusCanceled {
			return false, nil
		}
		if nowTime.Sub(order.UpdatedAt) < j.grace {
			return false, nil
		}
	}
	return true, nil
}

func (j *sessionCleanupJob) sweep(ctx context.Context, session models.Session) error {
	deleted := j.deleteTempObjects(ctx, session)

	return j.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := j.sessions.DeleteWithTx(tx, session.Token); err != nil {
			return err
		}
		return j.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSessionSwept,
			AggregateType: enums.AggregateSession,
			AggregateID:   sessionAggregateID(session.Token),
			Version:       1,
			Data: payloads.SessionSweptEvent{
				SessionToken: session.Token,
				DeletedKeys:  deleted,
				SweptAt:      j.now().UTC(),
			},
		})
	})
}

// deleteTempObjects removes the session's temp files best effort. Failures
// are logged and the row is still deleted; orphaned temp objects age out via
// bucket lifecycle rules.
func (j *sessionCleanupJob) deleteTempObjects(ctx context.Context, session models.Session) []string {
	var deleted []string
	for _, key := range []*string{session.PhotoTempKey, session.AudioTempKey, session.WaveformTempKey} {
		if key == nil || strings.TrimSpace(*key) == "" {
			continue
		}
		if err := j.storage.Delete(ctx, "", *key); err != nil {
			j.logg.Warn(ctx, fmt.Sprintf("failed to delete temp object %s: %v", *key, err))
			continue
		}
		deleted = append(deleted, *key)
	}
	return deleted
}

// sessionAggregateID derives a stable uuid for the session token so sweeps
// fit the outbox aggregate_id column.
func sessionAggregateID(token string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(token))
}
