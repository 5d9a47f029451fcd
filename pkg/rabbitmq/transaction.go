package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

var ErrTxDone = errors.New("transaction is already committed or rolled back")

// transaction runs on the consumer channel, so acknowledgments and publishes are committed together
type transaction struct {
	consumer *consumer
	envs     []*message.Envelope
	settled  []*message.Envelope
	done     bool
}

func (t *transaction) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	if t.done {
		return ErrTxDone
	}

	return t.consumer.broker.publishOn(ctx, t.consumer.channel, msgs)
}

func (t *transaction) Settle(_ context.Context, env *message.Envelope, d message.Disposition) error {
	if t.done {
		return ErrTxDone
	}
	if d == message.DispositionRequeue {
		return fmt.Errorf("requeue %s inside transaction: roll back instead", env)
	}
	tag, ok := t.consumer.peek(env.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, env)
	}

	err := t.consumer.settleTag(env, tag, d)
	if err != nil {
		return err
	}

	t.settled = append(t.settled, env)
	return nil
}

func (t *transaction) Commit(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.consumer.txMutex.Unlock()

	err := t.consumer.channel.TxCommit()
	if err != nil {
		return fmt.Errorf("commit channel transaction: %w", err)
	}

	for _, env := range t.settled {
		t.consumer.take(env.ID())
	}
	return nil
}

// Rollback discards staged work and requeues every envelope of the transaction in a follow-up commit.
func (t *transaction) Rollback(_ context.Context) error {
	if !t.done {
		t.done = true
		defer t.consumer.txMutex.Unlock()
	} else {
		t.consumer.txMutex.Lock()
		defer t.consumer.txMutex.Unlock()
	}

	errs := []error{t.consumer.channel.TxRollback()}
	for _, env := range t.envs {
		tag, ok := t.consumer.take(env.ID())
		if !ok {
			continue
		}
		errs = append(errs, t.consumer.channel.Nack(tag, false, true))
	}
	errs = append(errs, t.consumer.channel.TxCommit())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("roll back channel transaction: %w", err)
	}
	return nil
}
