package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

var (
	ErrNotInFlight = errors.New("delivery is not in flight")
	ErrTxDone      = errors.New("transaction already finished")
)

type (
	// Settlement is a disposition the broker has applied.
	Settlement struct {
		MessageID       uuid.UUID
		Topic           message.Topic
		Group           message.SubscriberName
		Disposition     message.Disposition
		RedeliveryCount uint
	}

	record struct {
		id      uuid.UUID
		payload []byte
		headers message.Headers
		count   uint
	}

	inflight struct {
		record
		owner *consumer
	}

	queue struct {
		ready    []record
		inflight map[uuid.UUID]inflight
		changed  chan struct{}
	}

	topic struct {
		groups  map[message.SubscriberName]*queue
		pending []record
	}
)

// Broker keeps every topic in process memory. Messages produced before the first group subscribes
// are handed to that group, later groups see only new messages.
type Broker struct {
	mutex       *sync.Mutex
	topics      map[message.Topic]*topic
	produced    map[message.Topic][]*message.OutboundMessage
	deadLetters map[message.Topic][]*message.Envelope
	settlements []Settlement
	settleErr   error
}

func NewBroker() *Broker {
	return &Broker{
		mutex:       &sync.Mutex{},
		topics:      make(map[message.Topic]*topic),
		produced:    make(map[message.Topic][]*message.OutboundMessage),
		deadLetters: make(map[message.Topic][]*message.Envelope),
	}
}

func (b *Broker) Consumer(_ context.Context, t message.Topic, group message.SubscriberName) (message.Consumer, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	q := b.queueLocked(t, group)
	c := newConsumer(b, t, group, q)
	go c.pump()

	return c, nil
}

func (b *Broker) Produce(_ context.Context, msgs ...*message.OutboundMessage) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, msg := range msgs {
		b.produceLocked(msg)
	}

	return nil
}

func (b *Broker) Begin(_ context.Context, c message.Consumer, envs []*message.Envelope) (message.Transaction, error) {
	impl, ok := c.(*consumer)
	if !ok || impl.broker != b {
		return nil, fmt.Errorf("consumer %s/%s is not owned by memory broker", c.Subscriber(), c.Topic())
	}

	return newTransaction(b, impl, envs), nil
}

// Produced returns every message published to the topic, in publish order.
func (b *Broker) Produced(t message.Topic) []*message.OutboundMessage {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	result := make([]*message.OutboundMessage, len(b.produced[t]))
	copy(result, b.produced[t])
	return result
}

func (b *Broker) DeadLetters(t message.Topic) []*message.Envelope {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	result := make([]*message.Envelope, len(b.deadLetters[t]))
	copy(result, b.deadLetters[t])
	return result
}

func (b *Broker) Settlements() []Settlement {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	result := make([]Settlement, len(b.settlements))
	copy(result, b.settlements)
	return result
}

// Depth returns the number of messages waiting for delivery and in flight for the group.
func (b *Broker) Depth(t message.Topic, group message.SubscriberName) (ready, inFlight int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	tp, ok := b.topics[t]
	if !ok {
		return 0, 0
	}
	q, ok := tp.groups[group]
	if !ok {
		return len(tp.pending), 0
	}

	return len(q.ready), len(q.inflight)
}

// FailSettlements makes every following settle call fail with err, nil restores normal behavior.
func (b *Broker) FailSettlements(err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.settleErr = err
}

func (b *Broker) queueLocked(t message.Topic, group message.SubscriberName) *queue {
	tp, ok := b.topics[t]
	if !ok {
		tp = &topic{groups: make(map[message.SubscriberName]*queue)}
		b.topics[t] = tp
	}

	q, ok := tp.groups[group]
	if ok {
		return q
	}

	q = &queue{
		inflight: make(map[uuid.UUID]inflight),
		changed:  make(chan struct{}),
	}
	if len(tp.groups) == 0 {
		q.ready = tp.pending
		tp.pending = nil
	}
	tp.groups[group] = q

	return q
}

func (b *Broker) produceLocked(msg *message.OutboundMessage) {
	dest := msg.Destination()
	b.produced[dest] = append(b.produced[dest], msg)

	rec := record{
		id:      msg.ID,
		payload: msg.Payload,
		headers: msg.TransportHeaders(),
	}

	tp, ok := b.topics[dest]
	if !ok {
		tp = &topic{groups: make(map[message.SubscriberName]*queue)}
		b.topics[dest] = tp
	}
	if len(tp.groups) == 0 {
		tp.pending = append(tp.pending, rec)
		return
	}

	for _, q := range tp.groups {
		q.push(rec)
	}
}

func (b *Broker) settleLocked(c *consumer, env *message.Envelope, d message.Disposition) error {
	if b.settleErr != nil {
		return b.settleErr
	}

	rec, ok := c.queue.inflight[env.ID()]
	if !ok || rec.owner != c {
		return fmt.Errorf("%w: %s", ErrNotInFlight, env)
	}
	delete(c.queue.inflight, env.ID())

	switch d {
	case message.DispositionAccept:
	case message.DispositionRequeue:
		rec.count++
		c.queue.push(rec.record)
	case message.DispositionReject:
		b.deadLetters[c.topic] = append(b.deadLetters[c.topic], env)
	default:
		return fmt.Errorf("unknown disposition %s", d)
	}

	b.settlements = append(b.settlements, Settlement{
		MessageID:       env.ID(),
		Topic:           c.topic,
		Group:           c.group,
		Disposition:     d,
		RedeliveryCount: env.RedeliveryCount(),
	})
	return nil
}

func (q *queue) push(rec record) {
	q.ready = append(q.ready, rec)
	close(q.changed)
	q.changed = make(chan struct{})
}
