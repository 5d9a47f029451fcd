package message_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

func newTestDelivery(payload string, headers message.Headers, output message.Topic) *message.Delivery {
	env := message.NewEnvelope(message.EnvelopeParams{
		Destination: inputTopic,
		Payload:     []byte(payload),
		Headers:     headers,
	})
	return message.NewDelivery(env, message.NewAckHandle(env, newRecordingSettler(nil)), output)
}

func TestCompose(t *testing.T) {
	t.Parallel()
	upper := message.Function[string, string](func(_ context.Context, in string) (string, error) {
		return strings.ToUpper(in), nil
	})
	length := message.Function[string, int](func(_ context.Context, in string) (int, error) {
		return len(in), nil
	})
	failing := message.Function[string, string](func(context.Context, string) (string, error) {
		return "", errors.New("failed")
	})

	result, err := message.Compose(upper, length)(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 5, result)

	_, err = message.Compose(failing, length)(context.Background(), "hello")
	assert.Error(t, err)
}

func TestFunctionHandler_EmitsResultToOutput(t *testing.T) {
	t.Parallel()
	handler := message.FunctionHandler(message.StringDecoder(), message.StringEncoder(),
		func(_ context.Context, in string) (string, error) {
			return strings.ToUpper(in), nil
		},
	)
	d := newTestDelivery("hello", message.Headers{message.HeaderCorrelationID: "trace"}, outputTopic)

	outcome := handler(context.Background(), d)
	assert.Equal(t, message.DispositionAccept, outcome.Disposition())

	emitted := d.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, outputTopic, emitted[0].Destination())
	assert.Equal(t, "HELLO", string(emitted[0].Payload))
	assert.Equal(t, "trace", emitted[0].Headers[message.HeaderCorrelationID])
}

func TestFunctionHandler_WithoutOutputFaults(t *testing.T) {
	t.Parallel()
	handler := message.FunctionHandler(message.StringDecoder(), message.StringEncoder(),
		func(_ context.Context, in string) (string, error) {
			return in, nil
		},
	)

	outcome := handler(context.Background(), newTestDelivery("hello", nil, ""))
	assert.ErrorIs(t, outcome.Err(), message.ErrNoOutput)
}

func TestConsumerHandler_DecodeFailureFaults(t *testing.T) {
	t.Parallel()
	var called bool
	handler := message.ConsumerHandler(message.JSONDecoder[reading](), func(context.Context, reading) error {
		called = true
		return nil
	})

	outcome := handler(context.Background(), newTestDelivery("{", nil, ""))
	assert.ErrorIs(t, outcome.Err(), message.ErrDecodeFailed)
	assert.False(t, called)
}

func TestDelivery_TargetDestinationHeaderOverridesOutput(t *testing.T) {
	t.Parallel()
	d := newTestDelivery("payload", nil, "")

	require.NoError(t, d.Emit([]byte("dynamic"), message.Headers{message.HeaderTargetDestination: "pub/sub/plus/1"}))
	d.EmitTo("pub/sub/plus/2", []byte("bridged"), nil)

	emitted := d.Emitted()
	require.Len(t, emitted, 2)
	assert.Equal(t, message.Topic("pub/sub/plus/1"), emitted[0].Destination())
	assert.Equal(t, message.Topic("pub/sub/plus/2"), emitted[1].Destination())
}

func TestForwardHandler_DropsDeliveryHeaders(t *testing.T) {
	t.Parallel()
	d := newTestDelivery("payload", message.Headers{
		message.HeaderMessageID:       "0b8e6f06-5d3a-4c8a-9f1f-0f65a6b1c0de",
		message.HeaderRedeliveryCount: "2",
		"tenant":                      "acme",
	}, outputTopic)

	outcome := message.ForwardHandler()(context.Background(), d)
	require.False(t, outcome.IsFault())

	emitted := d.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, "acme", emitted[0].Headers["tenant"])
	assert.NotContains(t, emitted[0].Headers, message.HeaderRedeliveryCount)
	assert.NotEqual(t, "0b8e6f06-5d3a-4c8a-9f1f-0f65a6b1c0de", emitted[0].TransportHeaders()[message.HeaderMessageID])
}

func TestBatchFunctionHandler_EmitsEveryResult(t *testing.T) {
	t.Parallel()
	envs := []*message.Envelope{
		message.NewEnvelope(message.EnvelopeParams{Payload: []byte("a")}),
		message.NewEnvelope(message.EnvelopeParams{Payload: []byte("b")}),
	}
	batch := message.NewBatch(envs, message.NewBatchAckHandle(envs, newRecordingSettler(nil)), outputTopic)
	handler := message.BatchFunctionHandler(message.StringDecoder(), message.StringEncoder(),
		func(_ context.Context, in []string) ([]string, error) {
			result := make([]string, 0, len(in))
			for _, s := range in {
				result = append(result, strings.ToUpper(s))
			}
			return result, nil
		},
	)

	outcome := handler(context.Background(), batch)
	require.False(t, outcome.IsFault())

	emitted := batch.Emitted()
	require.Len(t, emitted, 2)
	assert.Equal(t, "A", string(emitted[0].Payload))
	assert.Equal(t, "B", string(emitted[1].Payload))
}
