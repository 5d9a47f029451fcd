package memory

import (
	"context"
	"sync"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

type consumer struct {
	broker *Broker
	topic  message.Topic
	group  message.SubscriberName
	queue  *queue

	messages  chan *message.Envelope
	closing   chan struct{}
	done      chan struct{}
	closeOnce *sync.Once
}

func newConsumer(b *Broker, t message.Topic, group message.SubscriberName, q *queue) *consumer {
	return &consumer{
		broker:    b,
		topic:     t,
		group:     group,
		queue:     q,
		messages:  make(chan *message.Envelope),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
	}
}

func (c *consumer) Topic() message.Topic {
	return c.topic
}

func (c *consumer) Subscriber() message.SubscriberName {
	return c.group
}

func (c *consumer) Messages() <-chan *message.Envelope {
	return c.messages
}

func (c *consumer) Settle(_ context.Context, env *message.Envelope, d message.Disposition) error {
	c.broker.mutex.Lock()
	defer c.broker.mutex.Unlock()

	return c.broker.settleLocked(c, env, d)
}

// Close stops delivering and returns deliveries still in flight to the group with an incremented count.
func (c *consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.done

		c.broker.mutex.Lock()
		defer c.broker.mutex.Unlock()

		for id, rec := range c.queue.inflight {
			if rec.owner != c {
				continue
			}

			delete(c.queue.inflight, id)
			rec.count++
			c.queue.push(rec.record)
		}
	})

	return nil
}

func (c *consumer) pump() {
	defer close(c.done)
	defer close(c.messages)

	for {
		rec, changed, ok := c.next()
		if !ok {
			select {
			case <-changed:
				continue
			case <-c.closing:
				return
			}
		}

		env := message.NewEnvelope(message.EnvelopeParams{
			ID:              rec.id,
			Destination:     c.topic,
			Payload:         rec.payload,
			RedeliveryCount: rec.count,
			Headers:         rec.headers,
		})

		select {
		case c.messages <- env:
		case <-c.closing:
			c.unshift(rec)
			return
		}
	}
}

func (c *consumer) next() (record, <-chan struct{}, bool) {
	c.broker.mutex.Lock()
	defer c.broker.mutex.Unlock()

	if len(c.queue.ready) == 0 {
		return record{}, c.queue.changed, false
	}

	rec := c.queue.ready[0]
	c.queue.ready = c.queue.ready[1:]
	c.queue.inflight[rec.id] = inflight{record: rec, owner: c}
	return rec, nil, true
}

func (c *consumer) unshift(rec record) {
	c.broker.mutex.Lock()
	defer c.broker.mutex.Unlock()

	delete(c.queue.inflight, rec.id)
	c.queue.ready = append([]record{rec}, c.queue.ready...)
}
