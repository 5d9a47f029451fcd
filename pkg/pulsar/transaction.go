package pulsar

import (
	"context"
	"fmt"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

type transaction struct {
	broker   *MessageBroker
	consumer *messageConsumer
	txn      pulsar.Transaction
	envs     []*message.Envelope

	acked []*message.Envelope
}

func (t *transaction) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	return t.broker.produce(ctx, t.txn, msgs)
}

func (t *transaction) Settle(ctx context.Context, env *message.Envelope, d message.Disposition) error {
	msg, ok := t.consumer.peekInflight(env.ID())
	if !ok {
		return fmt.Errorf("message %s is not in flight", env)
	}

	switch d {
	case message.DispositionAccept:
	case message.DispositionReject:
		dlq := deadLetter(env, DeadLetterTopic(t.consumer.topic, t.consumer.subscriber))
		if err := t.broker.produce(ctx, t.txn, []*message.OutboundMessage{dlq}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s %s inside transaction: roll back instead", d, env)
	}

	if err := t.consumer.pulsar.AckWithTxn(msg, t.txn); err != nil {
		return fmt.Errorf("ack %s with transaction: %w", env, err)
	}
	t.acked = append(t.acked, env)
	return nil
}

func (t *transaction) Commit(ctx context.Context) error {
	if err := t.txn.Commit(ctx); err != nil {
		return fmt.Errorf("commit pulsar transaction: %w", err)
	}

	for _, env := range t.acked {
		t.consumer.takeInflight(env.ID())
	}
	return nil
}

// Rollback aborts the transaction and negatively acknowledges every message of it.
func (t *transaction) Rollback(ctx context.Context) error {
	err := t.txn.Abort(ctx)

	for _, env := range t.envs {
		if msg, ok := t.consumer.takeInflight(env.ID()); ok {
			t.consumer.pulsar.NackID(msg.ID())
		}
	}

	if err != nil {
		return fmt.Errorf("abort pulsar transaction: %w", err)
	}
	return nil
}
