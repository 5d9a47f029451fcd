package queuename

import (
	"context"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	BindingUppercase = "uppercase"
	BindingLowercase = "lowercase"
	BindingRejectAll = "rejectAll"
)

// LogConsumer logs every payload, the queue it reads from is named by the binding group and prefix.
func LogConsumer(logger log.Logger) message.Handler {
	return message.ConsumerHandler(message.StringDecoder(), func(ctx context.Context, payload string) error {
		logger.WithField("payload", payload).Info(ctx, "received message")
		return nil
	})
}

// RejectAllConsumer takes over acknowledgment and rejects every message. A failed reject is ignored,
// the broker redelivers such a message.
func RejectAllConsumer(logger log.Logger) message.Handler {
	return func(ctx context.Context, d *message.Delivery) message.Outcome {
		logger.With(log.Fields{
			"payload":     string(d.Payload()),
			"destination": d.Destination(),
		}).Info(ctx, "received message")

		d.Ack.NoAutoAck()
		_ = d.Ack.Reject(ctx)
		return message.Reject()
	}
}
