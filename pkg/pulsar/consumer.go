package pulsar

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

type messageConsumer struct {
	broker     *MessageBroker
	pulsar     pulsar.Consumer
	topic      message.Topic
	subscriber message.SubscriberName

	messages  chan *message.Envelope
	closing   chan struct{}
	done      chan struct{}
	closeOnce *sync.Once

	mutex    *sync.Mutex
	inflight map[uuid.UUID]pulsar.Message
}

func newMessageConsumer(
	broker *MessageBroker,
	impl pulsar.Consumer,
	topic message.Topic,
	subscriber message.SubscriberName,
) *messageConsumer {
	return &messageConsumer{
		broker:     broker,
		pulsar:     impl,
		topic:      topic,
		subscriber: subscriber,
		messages:   make(chan *message.Envelope),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		closeOnce:  &sync.Once{},
		mutex:      &sync.Mutex{},
		inflight:   make(map[uuid.UUID]pulsar.Message),
	}
}

func (c *messageConsumer) Topic() message.Topic {
	return c.topic
}

func (c *messageConsumer) Subscriber() message.SubscriberName {
	return c.subscriber
}

func (c *messageConsumer) Messages() <-chan *message.Envelope {
	return c.messages
}

func (c *messageConsumer) Settle(ctx context.Context, env *message.Envelope, d message.Disposition) error {
	msg, ok := c.takeInflight(env.ID())
	if !ok {
		return fmt.Errorf("message %s is not in flight", env)
	}

	switch d {
	case message.DispositionAccept:
		return c.ack(env, msg)
	case message.DispositionRequeue:
		c.pulsar.NackID(msg.ID())
		return nil
	case message.DispositionReject:
		err := c.broker.Produce(ctx, deadLetter(env, DeadLetterTopic(c.topic, c.subscriber)))
		if err != nil {
			c.pulsar.NackID(msg.ID())
			return fmt.Errorf("move %s to dead letter topic: %w", env, err)
		}

		return c.ack(env, msg)
	default:
		return fmt.Errorf("unknown disposition %s", d)
	}
}

// ack falls back to a negative acknowledgement, so a failed ack is redelivered like a requeue.
func (c *messageConsumer) ack(env *message.Envelope, msg pulsar.Message) error {
	err := c.pulsar.AckID(msg.ID())
	if err != nil {
		c.pulsar.NackID(msg.ID())
		return fmt.Errorf("ack %s: %w", env, err)
	}

	return nil
}

// Close negatively acknowledges deliveries in flight so that the subscription redelivers them.
func (c *messageConsumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done

		c.mutex.Lock()
		for id, msg := range c.inflight {
			c.pulsar.NackID(msg.ID())
			delete(c.inflight, id)
		}
		c.mutex.Unlock()

		c.pulsar.Close()
	})

	return nil
}

func (c *messageConsumer) pump() {
	defer close(c.done)
	defer close(c.messages)

	for {
		select {
		case <-c.closing:
			return
		case msg, ok := <-c.pulsar.Chan():
			if !ok {
				return
			}

			env := newEnvelope(c.topic, msg.Message)
			c.addInflight(env.ID(), msg.Message)
			select {
			case c.messages <- env:
			case <-c.closing:
				return
			}
		}
	}
}

func (c *messageConsumer) addInflight(id uuid.UUID, msg pulsar.Message) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.inflight[id] = msg
}

func (c *messageConsumer) peekInflight(id uuid.UUID) (pulsar.Message, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	msg, ok := c.inflight[id]
	return msg, ok
}

func (c *messageConsumer) takeInflight(id uuid.UUID) (pulsar.Message, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	msg, ok := c.inflight[id]
	delete(c.inflight, id)
	return msg, ok
}

func newEnvelope(topic message.Topic, msg pulsar.Message) *message.Envelope {
	return message.NewEnvelope(message.EnvelopeParams{
		Destination:     topic,
		Payload:         msg.Payload(),
		RedeliveryCount: uint(msg.RedeliveryCount()),
		Headers:         msg.Properties(),
	})
}

func deadLetter(env *message.Envelope, topic message.Topic) *message.OutboundMessage {
	msg := message.NewOutboundMessage(topic, env.Payload(), env.Headers())
	msg.ID = env.ID()
	return msg
}
