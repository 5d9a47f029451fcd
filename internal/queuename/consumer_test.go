package queuename_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/klwxsrx/go-stream-binder/internal/queuename"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

func TestLogConsumer(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	handler := queuename.LogConsumer(log.New(log.LevelInfo, log.WithOutput(buf)))

	env := message.NewEnvelope(message.EnvelopeParams{Destination: "wk/uppercase/in", Payload: []byte("hello")})
	outcome := handler(context.Background(), message.NewDelivery(env, message.NewAckHandle(env, nil), ""))

	assert.Equal(t, message.DispositionAccept, outcome.Disposition())
	assert.Contains(t, buf.String(), `"payload":"hello"`)
}

func TestRejectAllConsumer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		settleErr error
	}{
		{"reject settled", nil},
		{"reject failure ignored", errors.New("session lost")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var settled []message.Disposition
			env := message.NewEnvelope(message.EnvelopeParams{Destination: "in", Payload: []byte("hello")})
			ack := message.NewAckHandle(env, message.SettlerFunc(
				func(_ context.Context, _ *message.Envelope, d message.Disposition) error {
					settled = append(settled, d)
					return tt.settleErr
				},
			))

			outcome := queuename.RejectAllConsumer(log.New(log.LevelDisabled))(
				context.Background(),
				message.NewDelivery(env, ack, ""),
			)

			assert.False(t, outcome.IsFault())
			assert.Equal(t, message.AckModeManual, ack.Mode())
			assert.Equal(t, []message.Disposition{message.DispositionReject}, settled)
		})
	}
}
