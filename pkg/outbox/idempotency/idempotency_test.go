package idempotency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string]string)}
}

func (s *fakeStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	s.keys[key] = fmt.Sprint(value)
	return true, nil
}

func (s *fakeStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[key], nil
}

func (s *fakeStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.keys, key)
	}
	return nil
}

func (s *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("wf:idempotency:%s:%s", scope, id)
}

func TestManagerCheckAndMarkProcessed(t *testing.T) {
	manager, err := NewManager(newFakeStore(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := manager.CheckAndMarkProcessed(ctx, "payment-webhook", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = manager.CheckAndMarkProcessed(ctx, "payment-webhook", "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Different consumers track events independently.
	seen, err = manager.CheckAndMarkProcessed(ctx, "render-worker", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestManagerDeleteAllowsRetry(t *testing.T) {
	manager, err := NewManager(newFakeStore(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = manager.CheckAndMarkProcessed(ctx, "payment-webhook", "evt_1")
	require.NoError(t, err)

	require.NoError(t, manager.Delete(ctx, "payment-webhook", "evt_1"))

	seen, err := manager.CheckAndMarkProcessed(ctx, "payment-webhook", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestManagerRejectsEmptyIdentifiers(t *testing.T) {
	manager, err := NewManager(newFakeStore(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = manager.CheckAndMarkProcessed(ctx, "", "evt_1")
	require.Error(t, err)

	_, err = manager.CheckAndMarkProcessed(ctx, "payment-webhook", "")
	require.Error(t, err)

	_, err = NewManager(nil, time.Hour)
	require.Error(t, err)
}
