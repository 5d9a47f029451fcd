package dynamic

import (
	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

type DependencyContainer struct {
	producer lazy.Loader[message.Producer]
	logger   lazy.Loader[log.Logger]
}

func NewDependencyContainer(
	producer lazy.Loader[message.Producer],
	logger lazy.Loader[log.Logger],
) *DependencyContainer {
	return &DependencyContainer{
		producer: producer,
		logger:   logger,
	}
}

// MustRegisterMessageHandlers gives each dynamic binding a sequence of its own.
func (c *DependencyContainer) MustRegisterMessageHandlers(registry *commonmessage.HandlerRegistry) {
	logger := c.logger.MustLoad()
	registry.MustRegister(BindingTargetDestination, TargetDestinationFunction(
		message.NewDestinationSequence(DestinationPrefix),
		logger.WithField("binding", BindingTargetDestination),
	))
	registry.MustRegister(BindingBridge, BridgeConsumer(
		message.NewDestinationSequence(DestinationPrefix),
		c.producer.MustLoad(),
		logger.WithField("binding", BindingBridge),
	))
	registry.MustRegister(BindingReceiveAll, ReceiveAll(logger.WithField("binding", BindingReceiveAll)))
}
