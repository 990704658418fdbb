package migration

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	pkgerrors "github.com/waveframe-studio/waveframe-backend/pkg/errors"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
)

type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type migrator interface {
	Migrate(ctx context.Context, orderID uuid.UUID) error
}

// Consumer pulls migration tasks off the fulfillment subscription.
type Consumer struct {
	sub      subscriber
	engine   migrator
	deadline config.MigrationConfig
	logg     *logger.Logger
}

// NewConsumer builds the fulfillment task consumer.
func NewConsumer(sub subscriber, engine migrator, cfg config.MigrationConfig, logg *logger.Logger) (*Consumer, error) {
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription required")
	}
	if engine == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "engine required")
	}
	return &Consumer{sub: sub, engine: engine, deadline: cfg, logg: logg}, nil
}

// Run blocks receiving tasks until the context is canceled. Poison messages
// are acked; transient failures are nacked for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	return c.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		c.handle(msgCtx, msg)
	})
}

func (c *Consumer) handle(ctx context.Context, msg *pubsub.Message) {
	var task MigrateTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		if c.logg != nil {
			c.logg.Warn(ctx, fmt.Sprintf("dropping undecodable migrate task: %v", err))
		}
		msg.Ack()
		return
	}
	if task.OrderID == uuid.Nil {
		if c.logg != nil {
			c.logg.Warn(ctx, "dropping migrate task without order id")
		}
		msg.Ack()
		return
	}

	taskCtx := ctx
	if c.deadline.TaskDeadline > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.deadline.TaskDeadline)
		defer cancel()
	}

	if err := c.engine.Migrate(taskCtx, task.OrderID); err != nil {
		if pkgerrors.IsRetryable(err) {
			if c.logg != nil {
				c.logg.Warn(ctx, fmt.Sprintf("migrate task failed, redelivering: %v", err))
			}
			msg.Nack()
			return
		}
		if c.logg != nil {
			c.logg.Error(ctx, "dropping poison migrate task", err)
		}
		msg.Ack()
		return
	}
	msg.Ack()
}
