package dynamic

import (
	"context"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	BindingTargetDestination = "functionUsingTargetDestHeader"
	BindingBridge            = "functionUsingStreamBridge"
	BindingReceiveAll        = "receiveAll"

	DestinationPrefix = "pub/sub/plus/"
)

// TargetDestinationFunction emits the processed payload with a target destination header,
// the binder routes it there instead of the binding output.
func TargetDestinationFunction(seq *message.DestinationSequence, logger log.Logger) message.Handler {
	return func(ctx context.Context, d *message.Delivery) message.Outcome {
		payload := string(d.Payload())
		topic := seq.Next()
		logger.With(log.Fields{
			"payload":     payload,
			"destination": topic,
		}).Info(ctx, "setting dynamic target destination")

		err := d.Emit(
			[]byte(payload+" Processed by functionUsingTargetDestHeader"),
			message.Headers{message.HeaderTargetDestination: string(topic)},
		)
		if err != nil {
			return message.Fault(err)
		}

		return message.Accept()
	}
}

// BridgeConsumer publishes straight to a computed destination through the producer.
func BridgeConsumer(seq *message.DestinationSequence, producer message.Producer, logger log.Logger) message.Handler {
	return message.ConsumerHandler(message.StringDecoder(), func(ctx context.Context, payload string) error {
		topic := seq.Next()
		logger.With(log.Fields{
			"payload":     payload,
			"destination": topic,
		}).Info(ctx, "sending to dynamic destination")

		return producer.Produce(ctx, message.NewOutboundMessage(
			topic,
			[]byte(payload+" Processed by functionUsingStreamBridge"),
			nil,
		))
	})
}

func ReceiveAll(logger log.Logger) message.Handler {
	return message.ConsumerHandler(message.StringDecoder(), func(ctx context.Context, payload string) error {
		logger.WithField("payload", payload).Info(ctx, "receiveAll received")
		return nil
	})
}
