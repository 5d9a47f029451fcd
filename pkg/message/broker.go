package message

import (
	"context"
	"errors"
)

var (
	ErrConsumerClosed           = errors.New("consumer closed")
	ErrTransactionsNotSupported = errors.New("transactions not supported by binder")
)

type (
	// Consumer is one session of a binder subscribed to a destination. Messages is closed after Close,
	// deliveries left unresolved at that moment are returned to the source.
	Consumer interface {
		Topic() Topic
		Subscriber() SubscriberName
		Messages() <-chan *Envelope
		Settler
		Close() error
	}

	ConsumerProvider interface {
		Consumer(ctx context.Context, topic Topic, subscriber SubscriberName) (Consumer, error)
	}

	Broker interface {
		ConsumerProvider
		Producer
	}

	// Transaction stages settlements and derived messages, nothing is visible before Commit.
	// Rollback returns the transaction envelopes to the source for redelivery.
	Transaction interface {
		Produce(ctx context.Context, msgs ...*OutboundMessage) error
		Settle(ctx context.Context, env *Envelope, d Disposition) error
		Commit(ctx context.Context) error
		Rollback(ctx context.Context) error
	}

	Transactor interface {
		Begin(ctx context.Context, consumer Consumer, envs []*Envelope) (Transaction, error)
	}
)
