package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox"
	"github.com/waveframe-studio/waveframe-backend/pkg/outbox/payloads"
)

func testRegistry(t *testing.T) *EventRegistry {
	t.Helper()

	reg, err := NewEventRegistry(config.PubSubConfig{
		NotificationTopic: "wf-notifications",
		RenderTopic:       "wf-render",
		OpsTopic:          "wf-ops",
	})
	require.NoError(t, err)
	return reg
}

func encodeEnvelope(t *testing.T, data interface{}) json.RawMessage {
	t.Helper()

	payload, err := json.Marshal(data)
	require.NoError(t, err)
	envelope, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now(),
		Data:       payload,
	})
	require.NoError(t, err)
	return envelope
}

func TestRegistryResolve(t *testing.T) {
	reg := testRegistry(t)
	orderID := uuid.New()

	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderPDFFinalize,
		AggregateType: enums.AggregateOrder,
		AggregateID:   orderID,
		Payload: encodeEnvelope(t, payloads.OrderPDFFinalizeEvent{
			OrderID:           orderID,
			PermanentPhotoKey: "permanent/photo/" + orderID.String() + ".jpg",
		}),
	}

	resolved, err := reg.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "wf-render", resolved.Descriptor.Topic)
	assert.NotEmpty(t, resolved.Envelope.EventID)

	payload, ok := resolved.Payload.(*payloads.OrderPDFFinalizeEvent)
	require.True(t, ok)
	assert.Equal(t, orderID, payload.OrderID)
}

func TestRegistryResolve_nonRetryableFailures(t *testing.T) {
	reg := testRegistry(t)
	orderID := uuid.New()

	cases := map[string]models.OutboxEvent{
		"unsupported event type": {
			EventType:     enums.OutboxEventType("order_shipped"),
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Payload:       encodeEnvelope(t, map[string]string{}),
		},
		"aggregate mismatch": {
			EventType:     enums.EventOrderCompletedEmail,
			AggregateType: enums.AggregateSession,
			AggregateID:   orderID,
			Payload:       encodeEnvelope(t, map[string]string{}),
		},
		"missing aggregate id": {
			EventType:     enums.EventOrderCompletedEmail,
			AggregateType: enums.AggregateOrder,
			Payload:       encodeEnvelope(t, map[string]string{}),
		},
		"malformed envelope": {
			EventType:     enums.EventOrderCompletedEmail,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Payload:       json.RawMessage(`{"version":`),
		},
		"null payload": {
			EventType:     enums.EventOrderCompletedEmail,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Payload:       encodeEnvelope(t, nil),
		},
	}

	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(event)
			require.Error(t, err)
			var nonRetryable NonRetryableError
			assert.True(t, errors.As(err, &nonRetryable))
		})
	}
}

func TestNewEventRegistry_requiresTopics(t *testing.T) {
	_, err := NewEventRegistry(config.PubSubConfig{RenderTopic: "r", OpsTopic: "o"})
	require.Error(t, err)
}
