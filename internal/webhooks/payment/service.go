package paymentwebhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	pkgerrors "github.com/waveframe-studio/waveframe-backend/pkg/errors"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
)

// Event is the gateway's webhook payload. data.id carries the payment
// reference the order was created with.
type Event struct {
	EventID string    `json:"event_id"`
	Type    string    `json:"type"`
	Data    EventData `json:"data"`
}

type EventData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type orderGateway interface {
	FindByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	TransitionWithEvent(ctx context.Context, orderID uuid.UUID, from []enums.OrderStatus, to enums.OrderStatus, eventID string) (bool, error)
	EnqueueMigration(ctx context.Context, orderID uuid.UUID) error
}

type ServiceParams struct {
	Orders orderGateway
	Logger *logger.Logger
}

type Service struct {
	orders orderGateway
	logg   *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders gateway required")
	}
	return &Service{
		orders: params.Orders,
		logg:   params.Logger,
	}, nil
}

// HandleEvent applies one gateway event to its order. Duplicate and stale
// deliveries return nil so the gateway stops redelivering; only transient
// infrastructure failures surface as errors.
func (s *Service) HandleEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment event required")
	}
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event id missing")
	}
	reference := strings.TrimSpace(event.Data.ID)
	if reference == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment reference missing")
	}

	order, err := s.orders.FindByPaymentReference(ctx, reference)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve order")
	}
	if order == nil {
		// Acked so the gateway stops retrying a reference we will never know.
		if s.logg != nil {
			s.logg.Warn(ctx, fmt.Sprintf("payment event %s references unknown order %q", eventID, reference))
		}
		return nil
	}

	ctx = s.withEventContext(ctx, order.ID, eventID)

	switch strings.ToLower(event.Type) {
	case "payment.succeeded":
		return s.handleSucceeded(ctx, order, eventID)
	case "payment.failed":
		return s.applyTerminal(ctx, order, eventID, enums.OrderStatusFailed)
	case "payment.canceled":
		return s.applyTerminal(ctx, order, eventID, enums.OrderStatusCanceled)
	case "payment.refunded":
		return s.handleRefunded(ctx, order, eventID)
	default:
		if s.logg != nil {
			s.logg.Info(ctx, fmt.Sprintf("ignoring payment event type %q", event.Type))
		}
		return nil
	}
}

func (s *Service) handleSucceeded(ctx context.Context, order *models.Order, eventID string) error {
	won, err := s.orders.TransitionWithEvent(ctx, order.ID,
		[]enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing, eventID)
	if err != nil {
		return err
	}
	if !won {
		return s.replayEnqueueIfLost(ctx, order)
	}

	if err := s.orders.EnqueueMigration(ctx, order.ID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue migration")
	}
	if s.logg != nil {
		s.logg.Info(ctx, "payment confirmed, migration enqueued")
	}
	return nil
}

// replayEnqueueIfLost handles a succeeded event whose transition did not win:
// either a redelivery or a lost race with the client completion path. The
// earlier winner may have died between its transition and its publish, so
// when the order still sits at processing with the migration untouched, the
// task is published again. The migration worker dedupes, an extra task is
// harmless.
func (s *Service) replayEnqueueIfLost(ctx context.Context, order *models.Order) error {
	refreshed, err := s.orders.FindByPaymentReference(ctx, order.PaymentReference)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	if refreshed == nil || refreshed.Status != enums.OrderStatusProcessing ||
		refreshed.MigrationStatus != enums.MigrationStatusNotStarted {
		if s.logg != nil {
			s.logg.Info(ctx, "payment event already applied")
		}
		return nil
	}
	if err := s.orders.EnqueueMigration(ctx, refreshed.ID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enqueue migration")
	}
	if s.logg != nil {
		s.logg.Info(ctx, "migration task republished for processing order")
	}
	return nil
}

func (s *Service) applyTerminal(ctx context.Context, order *models.Order, eventID string, target enums.OrderStatus) error {
	won, err := s.orders.TransitionWithEvent(ctx, order.ID,
		[]enums.OrderStatus{enums.OrderStatusPending}, target, eventID)
	if err != nil {
		return err
	}
	if !won && s.logg != nil {
		s.logg.Info(ctx, fmt.Sprintf("dropping %s event for order in status %s", target, order.Status))
	}
	return nil
}

func (s *Service) handleRefunded(ctx context.Context, order *models.Order, eventID string) error {
	if order.Status == enums.OrderStatusRefunded {
		return nil
	}

	won, err := s.orders.TransitionWithEvent(ctx, order.ID,
		[]enums.OrderStatus{enums.OrderStatusCompleted}, enums.OrderStatusRefunded, eventID)
	if err != nil {
		return err
	}
	if !won && s.logg != nil {
		s.logg.Warn(ctx, fmt.Sprintf("refund event for order in status %s", order.Status))
	}
	return nil
}

func (s *Service) withEventContext(ctx context.Context, orderID uuid.UUID, eventID string) context.Context {
	if s.logg == nil {
		return ctx
	}
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	return s.logg.WithEventID(ctx, eventID)
}
