package relay

import (
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	Group = "relay"

	bindingPrefix = "relay:"
)

// Binding forwards everything published to topic into the same topic of another binder.
func Binding(topic message.Topic) message.Binding {
	return message.Binding{
		Name:        bindingPrefix + string(topic),
		Destination: topic,
		Group:       Group,
		Output:      topic,
		Concurrency: 1,
	}
}

// Register adds a forwarding binding for every topic.
func Register(registry *message.Registry, topics []message.Topic) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics to relay", message.ErrInvalidBinding)
	}

	for _, topic := range topics {
		if err := registry.Register(Binding(topic), message.ForwardHandler()); err != nil {
			return fmt.Errorf("register relay of %s: %w", topic, err)
		}
	}

	return nil
}
