package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

var ErrNotInFlight = errors.New("message is not in flight")

type consumer struct {
	broker     *Broker
	iter       jetstream.MessagesContext
	topic      message.Topic
	subscriber message.SubscriberName
	deadLetter message.Topic

	messages  chan *message.Envelope
	closing   chan struct{}
	done      chan struct{}
	closeOnce *sync.Once

	mutex    *sync.Mutex
	inflight map[uuid.UUID]jetstream.Msg
}

func newConsumer(
	b *Broker,
	iter jetstream.MessagesContext,
	topic message.Topic,
	subscriber message.SubscriberName,
	deadLetter message.Topic,
) *consumer {
	return &consumer{
		broker:     b,
		iter:       iter,
		topic:      topic,
		subscriber: subscriber,
		deadLetter: deadLetter,
		messages:   make(chan *message.Envelope),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
		closeOnce:  &sync.Once{},
		mutex:      &sync.Mutex{},
		inflight:   make(map[uuid.UUID]jetstream.Msg),
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

func (c *consumer) Settle(ctx context.Context, env *message.Envelope, d message.Disposition) error {
	msg, ok := c.take(env.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInFlight, env)
	}

	switch d {
	case message.DispositionAccept:
		return msg.DoubleAck(ctx)
	case message.DispositionRequeue:
		return msg.Nak()
	case message.DispositionReject:
		dlq := message.NewOutboundMessage(c.deadLetter, env.Payload(), env.Headers())
		dlq.ID = env.ID()
		err := c.broker.publish(ctx, dlq)
		if err != nil {
			return errors.Join(err, msg.Nak())
		}
		return msg.Term()
	default:
		return fmt.Errorf("unknown disposition %s", d)
	}
}

// Close stops the pull iterator and negatively acknowledges deliveries in flight.
func (c *consumer) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.iter.Stop()
		<-c.done

		c.mutex.Lock()
		defer c.mutex.Unlock()
		for id, msg := range c.inflight {
			errs = append(errs, msg.Nak())
			delete(c.inflight, id)
		}
	})

	return errors.Join(errs...)
}

func (c *consumer) pump() {
	defer close(c.done)
	defer close(c.messages)

	for {
		msg, err := c.iter.Next()
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return
		}
		if err != nil {
			select {
			case <-c.closing:
				return
			default:
			}
			c.broker.logger.WithError(err).WithField("subject", c.topic).
				Warn(context.Background(), "failed to pull next message")
			continue
		}

		env, err := newEnvelope(c.topic, msg)
		if err != nil {
			c.broker.logger.WithError(err).WithField("subject", c.topic).
				Error(context.Background(), "failed to read message metadata, requeuing")
			_ = msg.Nak()
			continue
		}

		c.mutex.Lock()
		c.inflight[env.ID()] = msg
		c.mutex.Unlock()

		select {
		case c.messages <- env:
		case <-c.closing:
			return
		}
	}
}

func (c *consumer) take(id uuid.UUID) (jetstream.Msg, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	msg, ok := c.inflight[id]
	delete(c.inflight, id)
	return msg, ok
}

func newEnvelope(topic message.Topic, msg jetstream.Msg) (*message.Envelope, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return nil, err
	}

	headers := make(message.Headers, len(msg.Headers()))
	for key := range msg.Headers() {
		headers[key] = msg.Headers().Get(key)
	}

	var count uint
	if meta.NumDelivered > 0 {
		count = uint(meta.NumDelivered - 1)
	}

	return message.NewEnvelope(message.EnvelopeParams{
		Destination:     topic,
		Payload:         msg.Data(),
		RedeliveryCount: count,
		Headers:         headers,
	}), nil
}
