package orders

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	pkgerrors "github.com/waveframe-studio/waveframe-backend/pkg/errors"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox/payloads"
)

type sessionRepository interface {
	FindByToken(ctx context.Context, token string) (*models.Session, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ServiceParams struct {
	Repo              Repository
	SessionRepo       sessionRepository
	Outbox            *outbox.Service
	Enqueuer          TaskEnqueuer
	TransactionRunner txRunner
	Logger            *logger.Logger
}

type Service struct {
	repo     Repository
	sessions sessionRepository
	outbox   *outbox.Service
	enqueuer TaskEnqueuer
	txRunner txRunner
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repo required")
	}
	if params.SessionRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "sessions repo required")
	}
	if params.Outbox == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox service required")
	}
	if params.Enqueuer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "task enqueuer required")
	}
	if params.TransactionRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	return &Service{
		repo:     params.Repo,
		sessions: params.SessionRepo,
		outbox:   params.Outbox,
		enqueuer: params.Enqueuer,
		txRunner: params.TransactionRunner,
		logg:     params.Logger,
	}, nil
}

// CreateOrder opens a pending order against an upload session and mints its
// download token. The token never changes for the life of the order.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*OrderView, error) {
	token := strings.TrimSpace(input.SessionToken)
	if token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session token is required")
	}
	email := strings.TrimSpace(input.Email)
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	reference := strings.TrimSpace(input.PaymentReference)
	if reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment reference is required")
	}

	session, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load session")
	}
	if session == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "session not found")
	}
	if session.ExpiresAt.Before(time.Now()) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "session expired")
	}

	existing, err := s.repo.FindByPaymentReference(ctx, reference)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check payment reference")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment reference already used")
	}

	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "EUR"
	}

	order := &models.Order{
		SessionToken:     token,
		Email:            email,
		AmountCents:      input.AmountCents,
		Currency:         currency,
		PaymentReference: reference,
		Status:           enums.OrderStatusPending,
		MigrationStatus:  enums.MigrationStatusNotStarted,
		DownloadToken:    mintDownloadToken(),
	}
	created, err := s.repo.Create(ctx, order)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, created.ID.String()), "order created")
	}
	return NewOrderView(created), nil
}

// Complete is the client-driven completion path. It races with the payment
// webhook; the status CAS decides the single winner and every other caller
// returns success without side effects.
func (s *Service) Complete(ctx context.Context, orderID uuid.UUID, paymentReference string) (*OrderView, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if strings.TrimSpace(paymentReference) != order.PaymentReference {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment reference mismatch")
	}

	won, err := s.transitionWithEvent(ctx, order.ID, []enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing, "")
	if err != nil {
		return nil, err
	}
	if won {
		if err := s.enqueuer.EnqueueMigration(ctx, order.ID); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue migration")
		}
		if s.logg != nil {
			s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order completion accepted, migration enqueued")
		}
	}

	refreshed, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	return NewOrderView(refreshed), nil
}

// Cancel moves a pending order to canceled. Already-canceled orders succeed
// as a no-op; any other state is rejected.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if order.Status == enums.OrderStatusCanceled {
		return NewOrderView(order), nil
	}
	if order.Status != enums.OrderStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only pending orders can be canceled")
	}

	won, err := s.transitionWithEvent(ctx, order.ID, []enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusCanceled, "")
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is no longer pending")
	}

	refreshed, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	return NewOrderView(refreshed), nil
}

// Get returns the order projection for status polling.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return NewOrderView(order), nil
}

// transitionWithEvent performs the CAS and records the state change in the
// outbox inside one transaction, so the event exists iff the move happened.
// A non-empty eventID additionally stamps last_processed_event_id in the
// same UPDATE, which dedupes redelivered gateway events.
func (s *Service) transitionWithEvent(ctx context.Context, orderID uuid.UUID, from []enums.OrderStatus, to enums.OrderStatus, eventID string) (bool, error) {
	var won bool
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var txErr error
		if eventID != "" {
			won, txErr = repo.TryTransitionClaiming(ctx, orderID, eventID, from, to)
		} else {
			won, txErr = repo.TryTransition(ctx, orderID, from, to)
		}
		if txErr != nil {
			return txErr
		}
		if !won {
			return nil
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStateChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Version:       1,
			Data: payloads.OrderStateChangedEvent{
				OrderID:    orderID,
				FromStatus: from[0],
				ToStatus:   to,
				EventID:    eventID,
				OccurredAt: time.Now(),
			},
		})
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "transition order")
	}
	return won, nil
}

// TransitionWithEvent exposes the transactional claim-and-move CAS to the
// webhook ingestor. The event id is required there.
func (s *Service) TransitionWithEvent(ctx context.Context, orderID uuid.UUID, from []enums.OrderStatus, to enums.OrderStatus, eventID string) (bool, error) {
	if eventID == "" {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "event id required")
	}
	return s.transitionWithEvent(ctx, orderID, from, to, eventID)
}

// FindByPaymentReference resolves the order a gateway event refers to.
func (s *Service) FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	return s.repo.FindByPaymentReference(ctx, reference)
}

// EnqueueMigration re-publishes the migration task for an order.
func (s *Service) EnqueueMigration(ctx context.Context, orderID uuid.UUID) error {
	return s.enqueuer.EnqueueMigration(ctx, orderID)
}

func mintDownloadToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
