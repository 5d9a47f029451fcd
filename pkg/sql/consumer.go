package sql

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const fetchQuery = `
	update message_queue q
	set leased_until     = now() + $3 * interval '1 millisecond',
	    lease_token      = $4,
	    redelivery_count = q.redelivery_count + case when q.leased_until is null then 0 else 1 end
	where (q.id, q.subscriber) in (
		select id, subscriber
		from message_queue
		where topic = $1
		  and subscriber = $2
		  and (leased_until is null or leased_until < now())
		order by seq
		limit $5
		for update skip locked
	)
	returning q.seq, q.id, q.payload, q.headers, q.redelivery_count`

type consumer struct {
	broker     *Broker
	topic      message.Topic
	subscriber message.SubscriberName
	token      uuid.UUID

	ctx         context.Context
	cancel      context.CancelFunc
	messages    chan *message.Envelope
	processChan chan struct{}
	done        chan struct{}
	closeOnce   *sync.Once

	mutex    *sync.Mutex
	inflight map[uuid.UUID]struct{}
}

func newConsumer(ctx context.Context, b *Broker, topic message.Topic, subscriber message.SubscriberName) *consumer {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &consumer{
		broker:      b,
		topic:       topic,
		subscriber:  subscriber,
		token:       uuid.New(),
		ctx:         ctx,
		cancel:      cancel,
		messages:    make(chan *message.Envelope),
		processChan: make(chan struct{}, 1),
		done:        make(chan struct{}),
		closeOnce:   &sync.Once{},
		mutex:       &sync.Mutex{},
		inflight:    make(map[uuid.UUID]struct{}),
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

// Process wakes the consumer up before the next poll.
func (c *consumer) Process() {
	select {
	case c.processChan <- struct{}{}:
	default:
	}
}

func (c *consumer) Settle(ctx context.Context, env *message.Envelope, d message.Disposition) (err error) {
	tx, err := c.broker.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = settleWith(ctx, tx, c, env, d); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			c.removeInflight(env.ID())
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}

	c.removeInflight(env.ID())
	if d == message.DispositionRequeue {
		c.Process()
	}
	return nil
}

// Close stops fetching and makes leased messages available again with an incremented redelivery count.
func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
		c.broker.forget(c)

		ids := c.inflightIDs()
		if len(ids) == 0 {
			return
		}
		err = c.requeue(context.Background(), c.broker.db, ids)
	})

	return err
}

func (c *consumer) run() {
	defer close(c.done)
	defer close(c.messages)

	ticker := time.NewTicker(c.broker.PollInterval)
	defer ticker.Stop()

	c.Process()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.processChan:
		case <-ticker.C:
		}

		c.consume()
	}
}

func (c *consumer) consume() {
	_ = backoff.Retry(func() error {
		for {
			leasedUntil := time.Now().Add(c.broker.LeaseDuration)
			msgs, err := c.fetch(c.ctx)
			for _, fn := range c.broker.OnFetched {
				if err != nil || len(msgs) > 0 {
					fn(c.ctx, c.topic, c.subscriber, len(msgs), err)
				}
			}
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}

			if err = c.deliver(msgs, leasedUntil); err != nil {
				return backoff.Permanent(err)
			}
			if len(msgs) < c.broker.FetchBatchSize {
				return nil
			}
		}
	}, backoff.WithContext(c.broker.FetchRetry, c.ctx))
}

// deliver hands out a leased batch one by one. Messages still undelivered when the lease expires are released.
func (c *consumer) deliver(msgs []sqlxQueueMessage, leasedUntil time.Time) error {
	expired := time.NewTimer(time.Until(leasedUntil))
	defer expired.Stop()

	for i, msg := range msgs {
		env, err := msg.envelope(c.topic)
		if err != nil {
			env = message.NewEnvelope(message.EnvelopeParams{
				ID:              msg.ID,
				Destination:     c.topic,
				Payload:         msg.Payload,
				RedeliveryCount: msg.RedeliveryCount,
			})
		}

		c.addInflight(msg.ID)
		select {
		case c.messages <- env:
			continue
		case <-expired.C:
		case <-c.ctx.Done():
		}

		c.removeInflight(msg.ID)
		unsent := make([]uuid.UUID, 0, len(msgs)-i)
		for _, m := range msgs[i:] {
			unsent = append(unsent, m.ID)
		}
		return c.release(context.WithoutCancel(c.ctx), unsent)
	}

	return nil
}

func (c *consumer) fetch(ctx context.Context) ([]sqlxQueueMessage, error) {
	var result []sqlxQueueMessage
	err := c.broker.db.SelectContext(
		ctx,
		&result,
		fetchQuery,
		c.topic,
		c.subscriber,
		c.broker.LeaseDuration.Milliseconds(),
		c.token,
		c.broker.FetchBatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("lease messages: %w", err)
	}

	slices.SortFunc(result, func(a, b sqlxQueueMessage) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return result, nil
}

// release returns leased but undelivered messages without counting a redelivery.
func (c *consumer) release(ctx context.Context, ids []uuid.UUID) error {
	query, args, err := sq.
		Update("message_queue").
		Set("leased_until", nil).
		Set("lease_token", nil).
		Where(sq.Eq{"subscriber": c.subscriber, "lease_token": c.token, "id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}

	_, err = c.broker.db.ExecContext(ctx, query, args...)
	return err
}

func (c *consumer) requeue(ctx context.Context, client Client, ids []uuid.UUID) error {
	query, args, err := sq.
		Update("message_queue").
		Set("leased_until", nil).
		Set("lease_token", nil).
		Set("redelivery_count", sq.Expr("redelivery_count + 1")).
		Where(sq.Eq{"subscriber": c.subscriber, "lease_token": c.token, "id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}

	result, err := client.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("requeue messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue messages: %w", err)
	}

	for _, id := range ids {
		c.removeInflight(id)
	}
	if affected < int64(len(ids)) {
		return fmt.Errorf("%w: requeued %d of %d messages", ErrLeaseLost, affected, len(ids))
	}
	return nil
}

func (c *consumer) addInflight(id uuid.UUID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.inflight[id] = struct{}{}
}

func (c *consumer) removeInflight(id uuid.UUID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.inflight, id)
}

func (c *consumer) inflightIDs() []uuid.UUID {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result := make([]uuid.UUID, 0, len(c.inflight))
	for id := range c.inflight {
		result = append(result, id)
	}

	return result
}

// settleWith applies the disposition of a leased message through client.
func settleWith(ctx context.Context, client Client, c *consumer, env *message.Envelope, d message.Disposition) error {
	owned := sq.Eq{"id": env.ID(), "subscriber": c.subscriber, "lease_token": c.token}

	switch d {
	case message.DispositionAccept:
		return deleteLeased(ctx, client, owned, env)
	case message.DispositionRequeue:
		return c.requeue(ctx, client, []uuid.UUID{env.ID()})
	case message.DispositionReject:
		query, args, err := sq.
			Insert("message_dead_letter").
			Columns("id", "topic", "subscriber", "payload", "headers", "redelivery_count").
			Select(sq.
				Select("id", "topic", "subscriber", "payload", "headers", "redelivery_count").
				From("message_queue").
				Where(owned),
			).
			ToSql()
		if err != nil {
			return fmt.Errorf("build sql: %w", err)
		}
		if _, err = client.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("move %s to dead letters: %w", env, err)
		}

		return deleteLeased(ctx, client, owned, env)
	default:
		return fmt.Errorf("unknown disposition %s", d)
	}
}

func deleteLeased(ctx context.Context, client Client, owned sq.Eq, env *message.Envelope) error {
	query, args, err := sq.Delete("message_queue").Where(owned).ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}

	result, err := client.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", env, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", env, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, env)
	}

	return nil
}

type sqlxQueueMessage struct {
	Seq             int64     `db:"seq"`
	ID              uuid.UUID `db:"id"`
	Payload         []byte    `db:"payload"`
	Headers         []byte    `db:"headers"`
	RedeliveryCount uint      `db:"redelivery_count"`
}

var errMalformedHeaders = errors.New("malformed headers")

func (m sqlxQueueMessage) envelope(topic message.Topic) (*message.Envelope, error) {
	var headers message.Headers
	if len(m.Headers) > 0 {
		if err := json.Unmarshal(m.Headers, &headers); err != nil {
			return nil, fmt.Errorf("%w: %w", errMalformedHeaders, err)
		}
	}

	return message.NewEnvelope(message.EnvelopeParams{
		ID:              m.ID,
		Destination:     topic,
		Payload:         m.Payload,
		RedeliveryCount: m.RedeliveryCount,
		Headers:         headers,
	}), nil
}
