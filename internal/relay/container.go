package relay

import (
	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/lazy"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const topicsDelimiter = ","

type DependencyContainer struct {
	Topics lazy.Loader[[]message.Topic]
}

func NewDependencyContainer() *DependencyContainer {
	return &DependencyContainer{
		Topics: lazy.New(func() ([]message.Topic, error) {
			names, err := env.ParseList[string]("RELAY_TOPICS", topicsDelimiter)
			if err != nil {
				return nil, err
			}

			topics := make([]message.Topic, 0, len(names))
			for _, name := range names {
				topics = append(topics, message.Topic(name))
			}
			return topics, nil
		}),
	}
}

func (c *DependencyContainer) MustRegisterMessageHandlers(registry *message.Registry) {
	if err := Register(registry, c.Topics.MustLoad()); err != nil {
		panic(err)
	}
}
