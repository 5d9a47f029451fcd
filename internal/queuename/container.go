package queuename

import (
	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

type DependencyContainer struct {
	logger lazy.Loader[log.Logger]
}

func NewDependencyContainer(logger lazy.Loader[log.Logger]) *DependencyContainer {
	return &DependencyContainer{logger: logger}
}

func (c *DependencyContainer) MustRegisterMessageHandlers(registry *commonmessage.HandlerRegistry) {
	logger := c.logger.MustLoad()
	registry.MustRegister(BindingUppercase, LogConsumer(logger.WithField("binding", BindingUppercase)))
	registry.MustRegister(BindingLowercase, LogConsumer(logger.WithField("binding", BindingLowercase)))
	registry.MustRegister(BindingRejectAll, RejectAllConsumer(logger.WithField("binding", BindingRejectAll)))
}
