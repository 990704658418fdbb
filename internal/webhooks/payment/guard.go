package paymentwebhook

import (
	"context"

	"github.com/waveframe-studio/waveframe-backend/pkg/outbox/idempotency"
)

const guardConsumer = "payment-webhook"

// EventGuard scopes the shared idempotency manager to gateway webhook events.
type EventGuard struct {
	manager *idempotency.Manager
}

func NewEventGuard(manager *idempotency.Manager) *EventGuard {
	return &EventGuard{manager: manager}
}

func (g *EventGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	return g.manager.CheckAndMarkProcessed(ctx, guardConsumer, eventID)
}

func (g *EventGuard) Delete(ctx context.Context, eventID string) error {
	return g.manager.Delete(ctx, guardConsumer, eventID)
}
