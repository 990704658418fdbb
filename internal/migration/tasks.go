package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
)

// TaskTypeMigrate labels the fulfillment queue message.
const TaskTypeMigrate = "fulfillment.migrate"

// MigrateTask is the queue message that triggers one migration run.
type MigrateTask struct {
	Type       string    `json:"type"`
	OrderID    uuid.UUID `json:"order_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type taskPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Enqueuer publishes migration tasks to the fulfillment topic.
type Enqueuer struct {
	publisher taskPublisher
}

// NewEnqueuer builds the fulfillment task enqueuer.
func NewEnqueuer(publisher taskPublisher) (*Enqueuer, error) {
	if publisher == nil {
		return nil, errors.New("fulfillment publisher is required")
	}
	return &Enqueuer{publisher: publisher}, nil
}

// EnqueueMigration publishes the task and waits for the server ack. The
// consumer tolerates duplicates, so redundant publishes are harmless.
func (e *Enqueuer) EnqueueMigration(ctx context.Context, orderID uuid.UUID) error {
	if orderID == uuid.Nil {
		return errors.New("order id is required")
	}
	task := MigrateTask{
		Type:       TaskTypeMigrate,
		OrderID:    orderID,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal migrate task: %w", err)
	}
	result := e.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"type": TaskTypeMigrate},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish migrate task: %w", err)
	}
	return nil
}
