package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

var ErrUnknownDelivery = errors.New("delivery is not in flight on this channel")

type consumer struct {
	broker     *Broker
	channel    *amqp.Channel
	topic      message.Topic
	subscriber message.SubscriberName
	tag        string

	messages  chan *message.Envelope
	closing   chan struct{}
	done      chan struct{}
	closeOnce *sync.Once

	mutex    *sync.Mutex
	inflight map[uuid.UUID]uint64

	// txMutex is held from Begin until Commit or Rollback, once the channel is transactional
	// every settlement needs a commit
	txMutex *sync.Mutex
	txMode  bool
}

func newConsumer(b *Broker, ch *amqp.Channel, topic message.Topic, subscriber message.SubscriberName) *consumer {
	return &consumer{
		broker:     b,
		channel:    ch,
		topic:      topic,
		subscriber: subscriber,
		tag:        uuid.NewString(),
		messages:   make(chan *message.Envelope),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		closeOnce:  &sync.Once{},
		mutex:      &sync.Mutex{},
		inflight:   make(map[uuid.UUID]uint64),
		txMutex:    &sync.Mutex{},
	}
}

func (c *consumer) Topic() message.Topic {
	return c.topic
}

func (c *consumer) Subscriber() message.SubscriberName {
	return c.subscriber
}

func (c *consumer) Messages() <-chan *message.Envelope {
	return c.messages
}

func (c *consumer) Settle(_ context.Context, env *message.Envelope, d message.Disposition) error {
	c.txMutex.Lock()
	defer c.txMutex.Unlock()

	err := c.settle(env, d)
	if err != nil || !c.txMode {
		return err
	}

	err = c.channel.TxCommit()
	if err != nil {
		return fmt.Errorf("commit settlement of %s: %w", env, err)
	}
	return nil
}

// Close cancels consumption and closes the channel, the broker requeues unacknowledged deliveries.
func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		cancelErr := c.channel.Cancel(c.tag, false)
		<-c.done
		err = errors.Join(cancelErr, c.channel.Close())
	})

	return err
}

func (c *consumer) pump(deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	defer close(c.messages)

	for {
		select {
		case <-c.closing:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			env := newEnvelope(c.topic, d)
			c.mutex.Lock()
			c.inflight[env.ID()] = d.DeliveryTag
			c.mutex.Unlock()

			select {
			case c.messages <- env:
			case <-c.closing:
				return
			}
		}
	}
}

func (c *consumer) settle(env *message.Envelope, d message.Disposition) error {
	tag, ok := c.take(env.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, env)
	}

	return c.settleTag(env, tag, d)
}

func (c *consumer) settleTag(env *message.Envelope, tag uint64, d message.Disposition) error {
	var err error
	switch d {
	case message.DispositionAccept:
		err = c.channel.Ack(tag, false)
	case message.DispositionRequeue:
		err = c.channel.Nack(tag, false, true)
	case message.DispositionReject:
		err = c.channel.Reject(tag, false)
	default:
		return fmt.Errorf("unknown disposition %s", d)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", d, env, err)
	}

	return nil
}

func (c *consumer) beginTx() error {
	c.txMutex.Lock()
	if c.txMode {
		return nil
	}

	err := c.channel.Tx()
	if err != nil {
		c.txMutex.Unlock()
		return fmt.Errorf("switch channel to transactional mode: %w", err)
	}

	c.txMode = true
	return nil
}

func (c *consumer) peek(id uuid.UUID) (uint64, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tag, ok := c.inflight[id]
	return tag, ok
}

func (c *consumer) take(id uuid.UUID) (uint64, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tag, ok := c.inflight[id]
	delete(c.inflight, id)
	return tag, ok
}
