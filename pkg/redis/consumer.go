package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

var ErrNotPending = errors.New("message is no longer pending for consumer")

type entry struct {
	streamID string
	count    uint
	payload  []byte
	headers  message.Headers
}

type consumer struct {
	broker     *Broker
	topic      message.Topic
	subscriber message.SubscriberName
	name       string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	messages chan *message.Envelope

	mutex     *sync.Mutex
	inflight  map[uuid.UUID]entry
	waiting   map[uuid.UUID][]entry
	redeliver []entry
}

func newConsumer(b *Broker, topic message.Topic, subscriber message.SubscriberName) *consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumer{
		broker:     b,
		topic:      topic,
		subscriber: subscriber,
		name:       uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		wg:         &sync.WaitGroup{},
		messages:   make(chan *message.Envelope),
		mutex:      &sync.Mutex{},
		inflight:   make(map[uuid.UUID]entry),
		waiting:    make(map[uuid.UUID][]entry),
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
	e, ok := c.take(env.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, env)
	}

	switch d {
	case message.DispositionAccept:
		acked, err := c.broker.client.XAck(ctx, string(c.topic), string(c.subscriber), e.streamID).Result()
		if err != nil {
			return fmt.Errorf("ack %s: %w", env, err)
		}
		if acked == 0 {
			return fmt.Errorf("%w: %s", ErrNotPending, env)
		}
		return nil
	case message.DispositionRequeue:
		return c.requeue(ctx, e)
	case message.DispositionReject:
		_, err := c.broker.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			c.stageReject(ctx, pipe, e)
			return nil
		})
		if err != nil {
			return fmt.Errorf("move %s to dead letter stream: %w", env, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown disposition %s", d)
	}
}

// Close stops reading. Unsettled deliveries stay pending in the group and are reclaimed by other consumers.
func (c *consumer) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *consumer) start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.reclaimLoop()
	}()
	go func() {
		c.wg.Wait()
		close(c.messages)
	}()
}

func (c *consumer) readLoop() {
	for c.ctx.Err() == nil {
		if e, ok := c.popRedelivery(); ok {
			c.deliver(e)
			continue
		}

		streams, err := c.broker.client.XReadGroup(c.ctx, &redis.XReadGroupArgs{
			Group:    string(c.subscriber),
			Consumer: c.name,
			Streams:  []string{string(c.topic), ">"},
			Count:    c.broker.ReadCount,
			Block:    c.broker.BlockDuration,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if c.ctx.Err() != nil || isClosed(err) {
				return
			}
			c.broker.logger.WithError(err).With(log.Fields{
				"stream": c.topic,
				"group":  c.subscriber,
			}).Error(c.ctx, "failed to read stream")
			c.sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.deliver(c.entry(msg, 0))
			}
		}
	}
}

func (c *consumer) reclaimLoop() {
	ticker := time.NewTicker(c.broker.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := c.reclaim()
			if err != nil && c.ctx.Err() == nil {
				c.broker.logger.WithError(err).With(log.Fields{
					"stream": c.topic,
					"group":  c.subscriber,
				}).Error(c.ctx, "failed to reclaim idle messages")
			}
		}
	}
}

// reclaim takes over deliveries abandoned by other consumers of the group.
// Entries owned by this consumer are never claimed since it still holds them.
func (c *consumer) reclaim() error {
	start := "-"
	for {
		pending, err := c.broker.client.XPendingExt(c.ctx, &redis.XPendingExtArgs{
			Stream: string(c.topic),
			Group:  string(c.subscriber),
			Start:  start,
			End:    "+",
			Count:  c.broker.ReadCount,
		}).Result()
		if err != nil {
			return fmt.Errorf("list pending entries: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		counts := make(map[string]uint, len(pending))
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			if p.Consumer == c.name || p.Idle < c.broker.ReclaimMinIdle {
				continue
			}
			counts[p.ID] = uint(max(p.RetryCount, 0))
			ids = append(ids, p.ID)
		}

		if len(ids) > 0 {
			msgs, err := c.broker.client.XClaim(c.ctx, &redis.XClaimArgs{
				Stream:   string(c.topic),
				Group:    string(c.subscriber),
				Consumer: c.name,
				MinIdle:  c.broker.ReclaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("claim idle entries: %w", err)
			}
			for _, msg := range msgs {
				c.deliver(c.entry(msg, counts[msg.ID]))
			}
		}

		if int64(len(pending)) < c.broker.ReadCount {
			return nil
		}
		start, err = nextStreamID(pending[len(pending)-1].ID)
		if err != nil {
			return err
		}
	}
}

// requeue claims the entry back, which resets its idle time and bumps the group delivery counter,
// and schedules it for local redelivery
func (c *consumer) requeue(ctx context.Context, e entry) error {
	claimed, err := c.broker.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   string(c.topic),
		Group:    string(c.subscriber),
		Consumer: c.name,
		Messages: []string{e.streamID},
	}).Result()
	if err != nil {
		return fmt.Errorf("claim %s for redelivery: %w", e.streamID, err)
	}
	if len(claimed) == 0 {
		return fmt.Errorf("%w: %s", ErrNotPending, e.streamID)
	}

	e.count++
	c.mutex.Lock()
	c.redeliver = append(c.redeliver, e)
	c.mutex.Unlock()
	return nil
}

func (c *consumer) stageReject(ctx context.Context, pipe redis.Pipeliner, e entry) {
	headers, _ := json.Marshal(e.headers)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: string(DeadLetterStream(c.topic, c.subscriber)),
		Values: map[string]any{
			fieldPayload: e.payload,
			fieldHeaders: string(headers),
		},
	})
	pipe.XAck(ctx, string(c.topic), string(c.subscriber), e.streamID)
}

func (c *consumer) deliver(e entry) {
	env := c.envelope(e)

	c.mutex.Lock()
	if current, ok := c.inflight[env.ID()]; ok {
		// same message id from another stream entry waits until the current delivery is settled
		if current.streamID != e.streamID {
			c.waiting[env.ID()] = append(c.waiting[env.ID()], e)
		}
		c.mutex.Unlock()
		return
	}
	c.inflight[env.ID()] = e
	c.mutex.Unlock()

	select {
	case c.messages <- env:
	case <-c.ctx.Done():
		c.take(env.ID())
	}
}

func (c *consumer) entry(msg redis.XMessage, count uint) entry {
	e := entry{
		streamID: msg.ID,
		count:    count,
		headers:  message.Headers{},
	}
	if payload, ok := msg.Values[fieldPayload].(string); ok {
		e.payload = []byte(payload)
	}
	if headers, ok := msg.Values[fieldHeaders].(string); ok {
		err := json.Unmarshal([]byte(headers), &e.headers)
		if err != nil {
			c.broker.logger.WithError(err).WithField("streamID", msg.ID).
				Warn(c.ctx, "failed to decode message headers, delivering without them")
		}
	}

	return e
}

func (c *consumer) envelope(e entry) *message.Envelope {
	params := message.EnvelopeParams{
		Destination:     c.topic,
		Payload:         e.payload,
		RedeliveryCount: e.count,
		Headers:         e.headers,
	}
	if _, ok := e.headers.Lookup(message.HeaderMessageID); !ok {
		params.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(c.topic)+"/"+e.streamID))
	}

	return message.NewEnvelope(params)
}

func (c *consumer) popRedelivery() (entry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.redeliver) == 0 {
		return entry{}, false
	}

	e := c.redeliver[0]
	c.redeliver = c.redeliver[1:]
	return e, true
}

func (c *consumer) peek(id uuid.UUID) (entry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.inflight[id]
	return e, ok
}

func (c *consumer) take(id uuid.UUID) (entry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.inflight[id]
	delete(c.inflight, id)
	if next := c.waiting[id]; len(next) > 0 {
		c.redeliver = append(c.redeliver, next[0])
		if len(next) == 1 {
			delete(c.waiting, id)
		} else {
			c.waiting[id] = next[1:]
		}
	}
	return e, ok
}

func nextStreamID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("invalid stream id %q", id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stream id %q: %w", id, err)
	}

	return ms + "-" + strconv.FormatUint(n+1, 10), nil
}

func (c *consumer) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-c.ctx.Done():
	}
}
