package errorhandling

import (
	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

type DependencyContainer struct {
	ErrorSinks lazy.Loader[map[string]message.ErrorSink]

	logger lazy.Loader[log.Logger]
}

func NewDependencyContainer(logger lazy.Loader[log.Logger]) *DependencyContainer {
	return &DependencyContainer{
		ErrorSinks: lazy.New(func() (map[string]message.ErrorSink, error) {
			return Sinks(logger.MustLoad()), nil
		}),
		logger: logger,
	}
}

func (c *DependencyContainer) MustRegisterMessageHandlers(registry *commonmessage.HandlerRegistry) {
	logger := c.logger.MustLoad()
	registry.MustRegister(BindingFunctionOne, FailingConsumer(BindingFunctionOne, logger))
	registry.MustRegister(BindingFunctionTwo, FailingConsumer(BindingFunctionTwo, logger))
}
