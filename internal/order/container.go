package order

import (
	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	pkgtime "github.com/klwxsrx/go-stream-binder/pkg/time"
)

const (
	defaultTriggerTopic = "samples/trigger"
	defaultOrderTopic   = "samples/orders"
)

type DependencyContainer struct {
	Sender lazy.Loader[*Sender]

	logger lazy.Loader[log.Logger]
}

func NewDependencyContainer(
	producer lazy.Loader[message.Producer],
	logger lazy.Loader[log.Logger],
) *DependencyContainer {
	return &DependencyContainer{
		Sender: lazy.New(func() (*Sender, error) {
			triggerTopic, err := env.ParseOr("TRIGGER_TOPIC", defaultTriggerTopic)
			if err != nil {
				return nil, err
			}
			orderTopic, err := env.ParseOr("ORDER_TOPIC", defaultOrderTopic)
			if err != nil {
				return nil, err
			}

			return NewSender(
				producer.MustLoad(),
				message.Topic(triggerTopic),
				message.Topic(orderTopic),
				logger.MustLoad(),
			), nil
		}),
		logger: logger,
	}
}

func (c *DependencyContainer) MustRegisterMessageHandlers(registry *commonmessage.HandlerRegistry) {
	logger := c.logger.MustLoad()
	registry.MustRegister(BindingTriggerProcessor, TriggerProcessor(logger.WithField("binding", BindingTriggerProcessor), pkgtime.NewClock()))
	registry.MustRegister(BindingOrderReceiver, Receiver(logger.WithField("binding", BindingOrderReceiver)))
}
