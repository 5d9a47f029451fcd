package composition

import (
	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

type DependencyContainer struct {
	Functions lazy.Loader[*Functions]
}

func NewDependencyContainer(logger lazy.Loader[log.Logger]) *DependencyContainer {
	return &DependencyContainer{
		Functions: lazy.New(func() (*Functions, error) {
			return NewFunctions(logger.MustLoad().WithField("binding", BindingName)), nil
		}),
	}
}

func (c *DependencyContainer) MustRegisterMessageHandlers(registry *commonmessage.HandlerRegistry) {
	registry.MustRegister(BindingName, c.Functions.MustLoad().Handler())
}
