package manualack

import (
	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

type DependencyContainer struct {
	Function lazy.Loader[*Function]
}

func NewDependencyContainer(logger lazy.Loader[log.Logger]) *DependencyContainer {
	return &DependencyContainer{
		Function: lazy.New(func() (*Function, error) {
			rejectDelay, err := env.ParseOr("REJECT_DELAY", DefaultRejectDelay)
			if err != nil {
				return nil, err
			}

			return NewFunction(
				logger.MustLoad().WithField("binding", BindingName),
				WithRejectDelay(rejectDelay),
			), nil
		}),
	}
}

func (c *DependencyContainer) MustRegisterMessageHandlers(registry *commonmessage.HandlerRegistry) {
	registry.MustRegister(BindingName, c.Function.MustLoad().Handle)
}
