package sql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	defaultLeaseDuration  = 30 * time.Second
	defaultPollInterval   = time.Second
	defaultFetchBatchSize = 100

	pendingSubscriber = ""

	produceQuery = `
		insert into message_queue (id, topic, subscriber, payload, headers)
		select $1::uuid, $2::text, coalesce(s.subscriber, ''), $3::bytea, $4::jsonb
		from (select 1) as one
		left join message_subscription s on s.topic = $2::text`
)

var ErrLeaseLost = errors.New("message lease lost")

type (
	BrokerOption func(*Broker)

	// Broker is a table-backed queue: every subscriber of a topic gets its own row per message,
	// a fetched row is leased and becomes visible again when the lease expires.
	Broker struct {
		LeaseDuration  time.Duration
		PollInterval   time.Duration
		FetchBatchSize int
		FetchRetry     backoff.BackOff
		OnFetched      []func(ctx context.Context, topic message.Topic, subscriber message.SubscriberName, count int, err error)

		db        Database
		mutex     *sync.Mutex
		consumers map[message.Topic][]*consumer
	}
)

func NewBroker(db Database, opts ...BrokerOption) *Broker {
	defaultRetry := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0),
	)

	b := &Broker{
		LeaseDuration:  defaultLeaseDuration,
		PollInterval:   defaultPollInterval,
		FetchBatchSize: defaultFetchBatchSize,
		FetchRetry:     defaultRetry,

		db:        db,
		mutex:     &sync.Mutex{},
		consumers: make(map[message.Topic][]*consumer),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Consumer registers the subscriber for the topic. The first subscriber of a topic takes over
// messages produced while the topic had none.
func (b *Broker) Consumer(ctx context.Context, topic message.Topic, subscriber message.SubscriberName) (message.Consumer, error) {
	if err := b.subscribe(ctx, topic, subscriber); err != nil {
		return nil, fmt.Errorf("subscribe %s to %s: %w", subscriber, topic, err)
	}

	c := newConsumer(ctx, b, topic, subscriber)
	b.mutex.Lock()
	b.consumers[topic] = append(b.consumers[topic], c)
	b.mutex.Unlock()

	go c.run()
	return c, nil
}

func (b *Broker) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	if err := produceWith(ctx, b.db, msgs); err != nil {
		return err
	}

	b.notify(destinations(msgs)...)
	return nil
}

func (b *Broker) Begin(ctx context.Context, c message.Consumer, envs []*message.Envelope) (message.Transaction, error) {
	impl, ok := c.(*consumer)
	if !ok || impl.broker != b {
		return nil, fmt.Errorf("consumer %s/%s is not owned by sql broker", c.Subscriber(), c.Topic())
	}

	tx, err := b.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("start transaction: %w", err)
	}

	return newTransaction(tx, impl, envs), nil
}

func (b *Broker) subscribe(ctx context.Context, topic message.Topic, subscriber message.SubscriberName) (err error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := sq.
		Insert("message_subscription").
		Columns("topic", "subscriber").
		Values(topic, subscriber).
		Suffix("on conflict (topic, subscriber) do nothing").
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	query, args, err = sq.
		Update("message_queue").
		Set("subscriber", subscriber).
		Where(sq.Eq{"topic": topic, "subscriber": pendingSubscriber}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("claim pending messages: %w", err)
	}

	return tx.Commit()
}

func (b *Broker) notify(topics ...message.Topic) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, topic := range topics {
		for _, c := range b.consumers[topic] {
			c.Process()
		}
	}
}

func (b *Broker) forget(c *consumer) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	consumers := b.consumers[c.topic]
	for i, registered := range consumers {
		if registered == c {
			b.consumers[c.topic] = append(consumers[:i], consumers[i+1:]...)
			return
		}
	}
}

func produceWith(ctx context.Context, client Client, msgs []*message.OutboundMessage) error {
	for _, msg := range msgs {
		headers, err := json.Marshal(msg.TransportHeaders())
		if err != nil {
			return fmt.Errorf("encode headers of %s: %w", msg.ID, err)
		}

		_, err = client.ExecContext(ctx, produceQuery, msg.ID, msg.Destination(), msg.Payload, headers)
		if err != nil {
			return fmt.Errorf("insert message %s to %s: %w", msg.ID, msg.Destination(), err)
		}
	}

	return nil
}

func destinations(msgs []*message.OutboundMessage) []message.Topic {
	result := make([]message.Topic, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, msg.Destination())
	}

	return result
}

func WithLeaseDuration(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.LeaseDuration = d
	}
}

func WithPollInterval(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.PollInterval = d
	}
}

func WithFetchBatchSize(size int) BrokerOption {
	return func(b *Broker) {
		b.FetchBatchSize = size
	}
}

func WithBrokerLogging(logger log.Logger, infoLevel, errorLevel log.Level) BrokerOption {
	return func(b *Broker) {
		b.OnFetched = append(b.OnFetched, func(
			ctx context.Context,
			topic message.Topic,
			subscriber message.SubscriberName,
			count int,
			err error,
		) {
			l := logger.With(log.Fields{
				"topic":      topic,
				"subscriber": subscriber,
			})
			if err != nil {
				if errors.Is(err, ctx.Err()) {
					return
				}
				l.WithError(err).Log(ctx, errorLevel, "failed to fetch queued messages")
				return
			}

			l.WithField("count", count).Log(ctx, infoLevel, "queued messages leased")
		})
	}
}
