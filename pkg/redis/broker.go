package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	fieldPayload = "payload"
	fieldHeaders = "headers"

	deadLetterStreamSuffix = ":dlq"

	defaultConnectionTimeout = 20 * time.Second
	defaultBlockDuration     = time.Second
	defaultReclaimInterval   = 30 * time.Second
	defaultReclaimMinIdle    = time.Minute
	defaultReadCount         = 10
)

type Config struct {
	Address           string
	Password          string
	DB                int
	ConnectionTimeout time.Duration
}

// Broker binds destinations to redis streams and subscribers to consumer groups.
// A delivery stays in the group pending list until it is settled.
type Broker struct {
	client *redis.Client
	logger log.Logger

	BlockDuration   time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	ReadCount       int64
}

type BrokerOption func(*Broker)

func WithReclaim(interval, minIdle time.Duration) BrokerOption {
	return func(b *Broker) {
		b.ReclaimInterval = interval
		b.ReclaimMinIdle = minIdle
	}
}

func WithBlockDuration(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.BlockDuration = d
	}
}

func NewBroker(ctx context.Context, config *Config, logger log.Logger, opts ...BrokerOption) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	connTimeout := config.ConnectionTimeout
	if connTimeout <= 0 {
		connTimeout = defaultConnectionTimeout
	}

	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(newConnectionBackoff(connTimeout), ctx))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewBrokerWithClient(client, logger, opts...), nil
}

func NewBrokerWithClient(client *redis.Client, logger log.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		client:          client,
		logger:          logger.WithField("binder", "redis"),
		BlockDuration:   defaultBlockDuration,
		ReclaimInterval: defaultReclaimInterval,
		ReclaimMinIdle:  defaultReclaimMinIdle,
		ReadCount:       defaultReadCount,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) Consumer(ctx context.Context, topic message.Topic, subscriber message.SubscriberName) (message.Consumer, error) {
	err := b.client.XGroupCreateMkStream(ctx, string(topic), string(subscriber), "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group %s for stream %s: %w", subscriber, topic, err)
	}

	c := newConsumer(b, topic, subscriber)
	c.start()
	return c, nil
}

func (b *Broker) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return addMessages(ctx, pipe, msgs)
	})
	if err != nil {
		return fmt.Errorf("add messages to streams: %w", err)
	}

	return nil
}

// Begin stages settlements and produced messages into a single MULTI/EXEC block.
func (b *Broker) Begin(_ context.Context, c message.Consumer, envs []*message.Envelope) (message.Transaction, error) {
	impl, ok := c.(*consumer)
	if !ok || impl.broker != b {
		return nil, fmt.Errorf("consumer %s/%s is not owned by redis broker", c.Subscriber(), c.Topic())
	}

	return newTransaction(impl, envs), nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}

// DeadLetterStream names the stream rejected messages of the group are moved to.
func DeadLetterStream(topic message.Topic, subscriber message.SubscriberName) message.Topic {
	return message.Topic(fmt.Sprintf("%s:%s%s", topic, subscriber, deadLetterStreamSuffix))
}

func addMessages(ctx context.Context, pipe redis.Pipeliner, msgs []*message.OutboundMessage) error {
	for _, msg := range msgs {
		headers, err := json.Marshal(msg.TransportHeaders())
		if err != nil {
			return fmt.Errorf("encode headers of %s: %w", msg.ID, err)
		}

		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: string(msg.Destination()),
			Values: map[string]any{
				fieldPayload: msg.Payload,
				fieldHeaders: string(headers),
			},
		})
	}

	return nil
}

func newConnectionBackoff(connTimeout time.Duration) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = connTimeout / 4
	eb.MaxElapsedTime = connTimeout
	return eb
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isClosed(err error) bool {
	return errors.Is(err, redis.ErrClosed) || errors.Is(err, context.Canceled)
}
