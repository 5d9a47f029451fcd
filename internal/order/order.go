package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	pkgtime "github.com/klwxsrx/go-stream-binder/pkg/time"
)

const (
	BindingTriggerProcessor = "processTrigger"
	BindingOrderReceiver    = "processOrders"

	TriggerKeyword = "trigger"

	internalOrderSource = "internal"
	internalOrderAmount = 500.0
)

var ErrTriggerRollback = errors.New("trigger rollback")

type Order struct {
	From      string  `json:"from"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

func (o Order) String() string {
	return fmt.Sprintf("Order(from=%s, amount=%.1f, timestamp=%d)", o.From, o.Amount, o.Timestamp)
}

// TriggerProcessor fails the first delivery of a trigger and places an internal order on redelivery.
// It is meant for a transactional binding, the order is published only with the committed trigger.
func TriggerProcessor(logger log.Logger, clock pkgtime.Clock) message.Handler {
	encoder := message.JSONEncoder[Order]()
	return func(ctx context.Context, d *message.Delivery) message.Outcome {
		logger := logger.WithField("messageID", d.ID())
		if string(d.Payload()) != TriggerKeyword {
			logger.WithField("payload", string(d.Payload())).Warn(ctx, "unknown message received")
			return message.Accept()
		}

		logger.Info(ctx, "trigger message received, initiating an internal order")
		if !d.Redelivered() {
			logger.Info(ctx, "trigger message was not redelivered, rolling back")
			return message.Fault(ErrTriggerRollback)
		}

		order := Order{
			From:      internalOrderSource,
			Amount:    internalOrderAmount,
			Timestamp: clock.Now(ctx).UnixMilli(),
		}
		data, err := encoder.Encode(order)
		if err != nil {
			return message.Fault(err)
		}
		if err = d.Emit(data, message.Headers{message.HeaderContentType: "application/json"}); err != nil {
			return message.Fault(err)
		}

		logger.WithField("order", order.String()).Info(ctx, "message was redelivered, order placed")
		return message.Accept()
	}
}

func Receiver(logger log.Logger) message.Handler {
	return message.ConsumerHandler(message.JSONDecoder[Order](), func(ctx context.Context, order Order) error {
		logger.WithField("order", order.String()).Info(ctx, "new order message received")
		return nil
	})
}
