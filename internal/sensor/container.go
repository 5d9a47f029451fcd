package sensor

import (
	"time"

	commonmessage "github.com/klwxsrx/go-stream-binder/internal/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

const defaultSourceInterval = time.Second

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

func (c *DependencyContainer) MustRegisterMessageHandlers(registry *commonmessage.HandlerRegistry) {
	logger := c.logger.MustLoad()
	registry.MustRegister(BindingConverter, Converter(logger.WithField("binding", BindingConverter)))
	registry.MustRegister(BindingSink, Sink(logger.WithField("binding", BindingSink)))
}

// Jobs returns the reading source job when SENSOR_SOURCE_TOPIC is set.
func (c *DependencyContainer) Jobs() []worker.ErrorJob {
	topic := env.Must(env.ParseOptional[string]("SENSOR_SOURCE_TOPIC"))
	if topic == nil {
		return nil
	}

	interval := env.Must(env.ParseOr("SENSOR_SOURCE_INTERVAL", defaultSourceInterval))
	source := NewSource(c.producer.MustLoad(), message.Topic(*topic), c.logger.MustLoad().WithField("source", *topic))
	return []worker.ErrorJob{source.Job(interval)}
}
