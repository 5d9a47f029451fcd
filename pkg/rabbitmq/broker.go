package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	defaultConnectionTimeout = 20 * time.Second
	defaultPrefetchCount     = 10

	bindAll             = "#"
	deadLetterSuffix    = ".dlq"
	deadLetterXSuffix   = ".dlx"
	headerDeliveryCount = "x-delivery-count"
	headerDeadLetterX   = "x-dead-letter-exchange"
	headerDeadLetterKey = "x-dead-letter-routing-key"
	headerQueueType     = "x-queue-type"
	queueTypeQuorum     = "quorum"
	exchangeKindTopic   = "topic"
	exchangeKindDirect  = "direct"
)

type Config struct {
	URL               string
	ConnectionTimeout time.Duration
	PrefetchCount     int
	// QuorumQueues makes the broker track delivery counts in the x-delivery-count header
	QuorumQueues bool
}

// Broker binds destinations to topic exchanges and subscribers to durable queues bound to them.
// Every queue gets a dead letter queue that rejected messages are routed to.
type Broker struct {
	conn   *amqp.Connection
	config Config
	logger log.Logger

	publishMutex *sync.Mutex
	publish      *amqp.Channel

	declaredMutex *sync.Mutex
	declared      map[message.Topic]struct{}
}

func NewBroker(ctx context.Context, config *Config, logger log.Logger) (*Broker, error) {
	cfg := *config
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = defaultPrefetchCount
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = cfg.ConnectionTimeout / 4
	eb.MaxElapsedTime = cfg.ConnectionTimeout

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL)
		return err
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	publish, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}

	return &Broker{
		conn:          conn,
		config:        cfg,
		logger:        logger.WithField("binder", "rabbitmq"),
		publishMutex:  &sync.Mutex{},
		publish:       publish,
		declaredMutex: &sync.Mutex{},
		declared:      make(map[message.Topic]struct{}),
	}, nil
}

func (b *Broker) Consumer(_ context.Context, topic message.Topic, subscriber message.SubscriberName) (message.Consumer, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}

	err = b.declareQueue(ch, topic, subscriber)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	err = ch.Qos(b.config.PrefetchCount, 0, false)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set prefetch count: %w", err)
	}

	c := newConsumer(b, ch, topic, subscriber)
	deliveries, err := ch.Consume(string(subscriber), c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume queue %s: %w", subscriber, err)
	}

	go c.pump(deliveries)
	return c, nil
}

func (b *Broker) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	b.publishMutex.Lock()
	defer b.publishMutex.Unlock()

	return b.publishOn(ctx, b.publish, msgs)
}

// Begin switches the consumer channel to transactional mode. Transactions of one consumer are serialized.
func (b *Broker) Begin(_ context.Context, c message.Consumer, envs []*message.Envelope) (message.Transaction, error) {
	impl, ok := c.(*consumer)
	if !ok || impl.broker != b {
		return nil, fmt.Errorf("consumer %s/%s is not owned by rabbitmq broker", c.Subscriber(), c.Topic())
	}

	err := impl.beginTx()
	if err != nil {
		return nil, err
	}

	return &transaction{consumer: impl, envs: envs}, nil
}

func (b *Broker) Ping(context.Context) error {
	if b.conn.IsClosed() {
		return amqp.ErrClosed
	}

	return nil
}

func (b *Broker) Close() error {
	b.publishMutex.Lock()
	defer b.publishMutex.Unlock()

	_ = b.publish.Close()
	return b.conn.Close()
}

// DeadLetterQueue names the queue rejected messages of the subscriber are routed to.
func DeadLetterQueue(subscriber message.SubscriberName) string {
	return string(subscriber) + deadLetterSuffix
}

func (b *Broker) publishOn(ctx context.Context, ch *amqp.Channel, msgs []*message.OutboundMessage) error {
	for _, msg := range msgs {
		err := b.declareExchange(ch, msg.Destination())
		if err != nil {
			return err
		}

		err = ch.PublishWithContext(ctx, string(msg.Destination()), msg.Key, false, false, newPublishing(msg))
		if err != nil {
			return fmt.Errorf("publish message %s to %s: %w", msg.ID, msg.Destination(), err)
		}
	}

	return nil
}

func (b *Broker) declareExchange(ch *amqp.Channel, topic message.Topic) error {
	b.declaredMutex.Lock()
	defer b.declaredMutex.Unlock()

	if _, ok := b.declared[topic]; ok {
		return nil
	}

	err := ch.ExchangeDeclare(string(topic), exchangeKindTopic, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}

	b.declared[topic] = struct{}{}
	return nil
}

func (b *Broker) declareQueue(ch *amqp.Channel, topic message.Topic, subscriber message.SubscriberName) error {
	queue := string(subscriber)
	dlx := queue + deadLetterXSuffix

	err := ch.ExchangeDeclare(string(topic), exchangeKindTopic, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	err = ch.ExchangeDeclare(dlx, exchangeKindDirect, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead letter exchange %s: %w", dlx, err)
	}

	args := amqp.Table{
		headerDeadLetterX:   dlx,
		headerDeadLetterKey: queue,
	}
	if b.config.QuorumQueues {
		args[headerQueueType] = queueTypeQuorum
	}

	_, err = ch.QueueDeclare(queue, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	err = ch.QueueBind(queue, bindAll, string(topic), false, nil)
	if err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, topic, err)
	}

	_, err = ch.QueueDeclare(DeadLetterQueue(subscriber), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead letter queue for %s: %w", queue, err)
	}
	err = ch.QueueBind(DeadLetterQueue(subscriber), queue, dlx, false, nil)
	if err != nil {
		return fmt.Errorf("bind dead letter queue for %s: %w", queue, err)
	}

	return nil
}
