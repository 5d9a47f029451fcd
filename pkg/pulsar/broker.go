package pulsar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/cenkalti/backoff/v4"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	defaultConnectionTimeout   = 20 * time.Second
	defaultNackRedeliveryDelay = time.Second
	defaultTransactionTimeout  = time.Minute
	deadLetterTopicSuffix      = "-DLQ"
)

type Config struct {
	Address             string
	ConnectionTimeout   time.Duration
	NackRedeliveryDelay time.Duration
	// EnableTransactions requires the transaction coordinator to be enabled on the cluster
	EnableTransactions bool
}

// MessageBroker binds destinations to pulsar topics and subscribers to shared subscriptions.
type MessageBroker struct {
	client pulsar.Client
	config Config

	producersMutex *sync.Mutex
	producers      map[message.Topic]pulsar.Producer
}

func NewMessageBroker(config *Config, logger log.Logger) (*MessageBroker, error) {
	c, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                fmt.Sprintf("pulsar://%s", config.Address),
		Logger:            newLoggerAdapter(logger),
		EnableTransaction: config.EnableTransactions,
		OperationTimeout:  config.ConnectionTimeout,
		ConnectionTimeout: config.ConnectionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create pulsar client: %w", err)
	}

	broker := &MessageBroker{
		client:         c,
		config:         *config,
		producersMutex: &sync.Mutex{},
		producers:      make(map[message.Topic]pulsar.Producer),
	}
	if broker.config.ConnectionTimeout <= 0 {
		broker.config.ConnectionTimeout = defaultConnectionTimeout
	}
	if broker.config.NackRedeliveryDelay <= 0 {
		broker.config.NackRedeliveryDelay = defaultNackRedeliveryDelay
	}

	err = broker.testCreateProducer(broker.config.ConnectionTimeout)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return broker, nil
}

func (b *MessageBroker) Consumer(_ context.Context, topic message.Topic, subscriber message.SubscriberName) (message.Consumer, error) {
	impl, err := b.client.Subscribe(pulsar.ConsumerOptions{
		Topic:               string(topic),
		SubscriptionName:    string(subscriber),
		Type:                pulsar.Shared,
		NackRedeliveryDelay: b.config.NackRedeliveryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to topic %s by %s: %w", topic, subscriber, err)
	}

	c := newMessageConsumer(b, impl, topic, subscriber)
	go c.pump()
	return c, nil
}

func (b *MessageBroker) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	return b.produce(ctx, nil, msgs)
}

func (b *MessageBroker) Begin(_ context.Context, c message.Consumer, envs []*message.Envelope) (message.Transaction, error) {
	if !b.config.EnableTransactions {
		return nil, message.ErrTransactionsNotSupported
	}
	impl, ok := c.(*messageConsumer)
	if !ok {
		return nil, fmt.Errorf("consumer %s/%s is not owned by pulsar broker", c.Subscriber(), c.Topic())
	}

	txn, err := b.client.NewTransaction(defaultTransactionTimeout)
	if err != nil {
		return nil, fmt.Errorf("start pulsar transaction: %w", err)
	}

	return &transaction{
		broker:   b,
		consumer: impl,
		txn:      txn,
		envs:     envs,
	}, nil
}

func (b *MessageBroker) TransactionsEnabled() bool {
	return b.config.EnableTransactions
}

func (b *MessageBroker) Close() {
	b.producersMutex.Lock()
	defer b.producersMutex.Unlock()

	for _, producer := range b.producers {
		producer.Close()
	}
	b.client.Close()
}

func (b *MessageBroker) produce(ctx context.Context, txn pulsar.Transaction, msgs []*message.OutboundMessage) error {
	for _, msg := range msgs {
		producer, err := b.getOrCreateProducer(msg.Destination())
		if err != nil {
			return err
		}

		_, err = producer.Send(ctx, &pulsar.ProducerMessage{
			Payload:     msg.Payload,
			Key:         msg.Key,
			Properties:  msg.TransportHeaders(),
			Transaction: txn,
		})
		if err != nil {
			return fmt.Errorf("send message %s to %s: %w", msg.ID, msg.Destination(), err)
		}
	}

	return nil
}

func (b *MessageBroker) getOrCreateProducer(topic message.Topic) (pulsar.Producer, error) {
	b.producersMutex.Lock()
	defer b.producersMutex.Unlock()

	producer, ok := b.producers[topic]
	if ok {
		return producer, nil
	}

	opts := pulsar.ProducerOptions{Topic: string(topic)}
	if b.config.EnableTransactions {
		opts.SendTimeout = 0
	}
	producer, err := b.client.CreateProducer(opts)
	if err != nil {
		return nil, fmt.Errorf("create producer for topic %s: %w", topic, err)
	}

	b.producers[topic] = producer
	return producer, nil
}

func (b *MessageBroker) testCreateProducer(connTimeout time.Duration) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = connTimeout / 4
	eb.MaxElapsedTime = connTimeout

	return backoff.Retry(func() error {
		p, err := b.client.CreateProducer(pulsar.ProducerOptions{
			Topic: "non-persistent://public/default/test-topic",
		})
		if err == nil {
			p.Close()
		}
		return err
	}, eb)
}

// DeadLetterTopic names the topic rejected messages of the subscription are moved to.
func DeadLetterTopic(topic message.Topic, subscriber message.SubscriberName) message.Topic {
	return message.Topic(fmt.Sprintf("%s-%s%s", topic, subscriber, deadLetterTopicSuffix))
}
