package message_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

func TestNewEnvelope_ReadsWellKnownHeaders(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	env := message.NewEnvelope(message.EnvelopeParams{
		Destination: "orders",
		Payload:     []byte("payload"),
		Headers: message.Headers{
			message.HeaderMessageID:     id.String(),
			message.HeaderCorrelationID: "requeue",
		},
		RedeliveryCount: 2,
	})

	assert.Equal(t, id, env.ID())
	assert.Equal(t, message.Topic("orders"), env.Destination())
	correlationID, ok := env.CorrelationID()
	assert.True(t, ok)
	assert.Equal(t, "requeue", correlationID)
	assert.True(t, env.Redelivered())
	assert.Equal(t, uint(2), env.RedeliveryCount())
}

func TestNewEnvelope_WithoutCorrelationID(t *testing.T) {
	t.Parallel()
	env := message.NewEnvelope(message.EnvelopeParams{Payload: []byte("payload")})

	_, ok := env.CorrelationID()
	assert.False(t, ok)
	assert.False(t, env.Redelivered())
	assert.NotEqual(t, uuid.Nil, env.ID())
}

func TestEnvelope_HeadersAreCopied(t *testing.T) {
	t.Parallel()
	source := message.Headers{"key": "value"}
	env := message.NewEnvelope(message.EnvelopeParams{Headers: source})

	source["key"] = "changed"
	headers := env.Headers()
	headers["key"] = "changed too"

	v, ok := env.Header("key")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestHeaderValue(t *testing.T) {
	t.Parallel()
	headers := message.Headers{
		message.HeaderNullPayload:     "true",
		message.HeaderRedeliveryCount: "three",
	}

	nullPayload, err := message.HeaderValue[bool](headers, message.HeaderNullPayload)
	require.NoError(t, err)
	assert.True(t, nullPayload)

	_, err = message.HeaderValue[uint](headers, message.HeaderRedeliveryCount)
	assert.ErrorIs(t, err, message.ErrHeaderInvalid)

	_, err = message.HeaderValue[string](headers, message.HeaderCorrelationID)
	assert.ErrorIs(t, err, message.ErrHeaderNotFound)
}

func TestOutboundMessage_TargetDestinationOverridesTopic(t *testing.T) {
	t.Parallel()
	msg := message.NewOutboundMessage("output", []byte("payload"), message.Headers{
		message.HeaderTargetDestination: "pub/sub/plus/1",
	})

	assert.Equal(t, message.Topic("pub/sub/plus/1"), msg.Destination())
	headers := msg.TransportHeaders()
	_, ok := headers.Lookup(message.HeaderTargetDestination)
	assert.False(t, ok)
	assert.Equal(t, msg.ID.String(), headers[message.HeaderMessageID])
}

func TestQueueName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "custom/wk/my-consumer-group/orders", message.QueueName("custom/", "myConsumerGroup", "orders"))

	anonymous := message.QueueName("", "", "orders")
	assert.Regexp(t, `^an/[0-9a-f-]{36}/orders$`, anonymous)
	assert.NotEqual(t, anonymous, message.QueueName("", "", "orders"))
}

func TestDestinationSequence_OwnedCounter(t *testing.T) {
	t.Parallel()
	first := message.NewDestinationSequence("pub/sub/plus/")
	second := message.NewDestinationSequence("pub/sub/plus/")

	assert.Equal(t, message.Topic("pub/sub/plus/1"), first.Next())
	assert.Equal(t, message.Topic("pub/sub/plus/2"), first.Next())
	assert.Equal(t, message.Topic("pub/sub/plus/1"), second.Next())
}
