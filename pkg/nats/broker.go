package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	defaultConnectionTimeout = 20 * time.Second
	defaultAckWait           = 30 * time.Second
	defaultMaxAckPending     = 1000

	deadLetterSubjectPrefix = "dlq."
)

var nameReplacer = strings.NewReplacer(".", "_", "/", "_", "\\", "_", "*", "_", ">", "_", " ", "_")

type Config struct {
	URL               string
	ConnectionTimeout time.Duration
	AckWait           time.Duration
	MaxAckPending     int
}

// Broker binds destinations to JetStream streams and subscribers to durable pull consumers.
// Transactions are not supported.
type Broker struct {
	conn   *natsgo.Conn
	js     jetstream.JetStream
	config Config
	logger log.Logger

	streamsMutex *sync.Mutex
	streams      map[message.Topic]struct{}
}

func NewBroker(config *Config, logger log.Logger) (*Broker, error) {
	cfg := *config
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = defaultMaxAckPending
	}

	conn, err := natsgo.Connect(
		cfg.URL,
		natsgo.Timeout(cfg.ConnectionTimeout),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Broker{
		conn:         conn,
		js:           js,
		config:       cfg,
		logger:       logger.WithField("binder", "nats"),
		streamsMutex: &sync.Mutex{},
		streams:      make(map[message.Topic]struct{}),
	}, nil
}

func (b *Broker) Consumer(ctx context.Context, topic message.Topic, subscriber message.SubscriberName) (message.Consumer, error) {
	err := b.ensureStream(ctx, topic)
	if err != nil {
		return nil, err
	}
	dlq := DeadLetterSubject(topic, subscriber)
	err = b.ensureStream(ctx, dlq)
	if err != nil {
		return nil, err
	}

	durable := nameReplacer.Replace(string(subscriber))
	impl, err := b.js.CreateOrUpdateConsumer(ctx, streamName(topic), jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.config.AckWait,
		MaxAckPending: b.config.MaxAckPending,
		FilterSubject: string(topic),
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", durable, topic, err)
	}

	iter, err := impl.Messages()
	if err != nil {
		return nil, fmt.Errorf("start consuming %s by %s: %w", topic, durable, err)
	}

	c := newConsumer(b, iter, topic, subscriber, dlq)
	go c.pump()
	return c, nil
}

func (b *Broker) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	for _, msg := range msgs {
		err := b.publish(ctx, msg)
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *Broker) Begin(context.Context, message.Consumer, []*message.Envelope) (message.Transaction, error) {
	return nil, message.ErrTransactionsNotSupported
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

func (b *Broker) Close() {
	err := b.conn.Drain()
	if err != nil {
		b.conn.Close()
	}
}

// DeadLetterSubject names the subject rejected messages of the subscriber are published to.
func DeadLetterSubject(topic message.Topic, subscriber message.SubscriberName) message.Topic {
	return message.Topic(deadLetterSubjectPrefix + nameReplacer.Replace(string(subscriber)) + "." + string(topic))
}

func (b *Broker) publish(ctx context.Context, msg *message.OutboundMessage) error {
	err := b.ensureStream(ctx, msg.Destination())
	if err != nil {
		return err
	}

	header := natsgo.Header{}
	for key, value := range msg.TransportHeaders() {
		header.Set(key, value)
	}

	_, err = b.js.PublishMsg(ctx, &natsgo.Msg{
		Subject: string(msg.Destination()),
		Data:    msg.Payload,
		Header:  header,
	}, jetstream.WithMsgID(msg.ID.String()))
	if err != nil {
		return fmt.Errorf("publish message %s to %s: %w", msg.ID, msg.Destination(), err)
	}

	return nil
}

func (b *Broker) ensureStream(ctx context.Context, topic message.Topic) error {
	b.streamsMutex.Lock()
	defer b.streamsMutex.Unlock()

	if _, ok := b.streams[topic]; ok {
		return nil
	}

	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName(topic),
		Subjects: []string{string(topic)},
		Storage:  jetstream.FileStorage,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream for %s: %w", topic, err)
	}

	b.streams[topic] = struct{}{}
	return nil
}

func streamName(topic message.Topic) string {
	return nameReplacer.Replace(string(topic))
}
