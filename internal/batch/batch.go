package batch

import (
	"context"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	BindingConsumer  = "batchConsume"
	BindingPublisher = "batchPublish"

	publishedBatchSize = 5
)

// Consumer logs the batch size and then every item with its headers, in delivery order.
func Consumer(logger log.Logger) message.BatchHandler {
	return message.BatchConsumerHandler(
		message.StringDecoder(),
		func(ctx context.Context, payloads []string, headers []message.Headers) error {
			logger.Info(ctx, fmt.Sprintf("Batch Size: %d", len(payloads)))
			for i, payload := range payloads {
				logger.WithField("headers", headers[i]).Info(ctx, "Batch Payload: "+payload)
			}

			return nil
		},
	)
}

// Publisher answers a trigger with a fixed set of messages sent to the binding output.
func Publisher(logger log.Logger) message.Handler {
	return func(ctx context.Context, d *message.Delivery) message.Outcome {
		logger.Info(ctx, "received trigger to publish batch of messages")
		for i := 1; i <= publishedBatchSize; i++ {
			if err := d.Emit([]byte(fmt.Sprintf("Payload %d", i)), nil); err != nil {
				return message.Fault(err)
			}
		}

		logger.Info(ctx, fmt.Sprintf("publish batch of %d messages", publishedBatchSize))
		return message.Accept()
	}
}
