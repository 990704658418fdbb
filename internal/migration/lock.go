package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/waveframe-studio/waveframe-backend/pkg/redis"
)

// OrderLock serializes migration runs per order using Redis SETNX. The DB
// migration_status CAS is the backstop when a lock expires mid-run.
type OrderLock struct {
	store redis.LockStore
	ttl   time.Duration
}

// NewOrderLock builds the per-order lock helper.
func NewOrderLock(store redis.LockStore, ttl time.Duration) (*OrderLock, error) {
	if store == nil {
		return nil, errors.New("lock store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}
	return &OrderLock{store: store, ttl: ttl}, nil
}

// Acquire tries to own the migration lock for the order. The returned
// release func only deletes the key while this caller still owns it.
func (l *OrderLock) Acquire(ctx context.Context, orderID uuid.UUID) (bool, func(context.Context), error) {
	key := l.store.LockKey("fulfillment", "migrate", orderID.String())
	owner := uuid.NewString()

	ok, err := l.store.SetNX(ctx, key, owner, l.ttl)
	if err != nil {
		return false, nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	if !ok {
		return false, nil, nil
	}

	release := func(releaseCtx context.Context) {
		value, err := l.store.Get(releaseCtx, key)
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return
			}
			return
		}
		if value != owner {
			return
		}
		_ = l.store.Del(releaseCtx, key)
	}
	return true, release, nil
}
