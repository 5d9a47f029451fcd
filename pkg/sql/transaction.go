package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

// transaction stages settlements and derived messages in one database transaction.
type transaction struct {
	tx       ClientTx
	consumer *consumer
	envs     []*message.Envelope

	settled []uuid.UUID
	topics  []message.Topic
}

func newTransaction(tx ClientTx, c *consumer, envs []*message.Envelope) *transaction {
	return &transaction{
		tx:       tx,
		consumer: c,
		envs:     envs,
	}
}

func (t *transaction) Produce(ctx context.Context, msgs ...*message.OutboundMessage) error {
	if err := produceWith(ctx, t.tx, msgs); err != nil {
		return err
	}

	t.topics = append(t.topics, destinations(msgs)...)
	return nil
}

func (t *transaction) Settle(ctx context.Context, env *message.Envelope, d message.Disposition) error {
	if d == message.DispositionRequeue {
		return fmt.Errorf("requeue %s inside transaction: roll back instead", env)
	}
	if err := settleWith(ctx, t.tx, t.consumer, env, d); err != nil {
		return err
	}

	t.settled = append(t.settled, env.ID())
	return nil
}

func (t *transaction) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	for _, id := range t.settled {
		t.consumer.removeInflight(id)
	}
	t.consumer.broker.notify(t.topics...)
	return nil
}

// Rollback discards staged work and returns the transaction messages to the queue with an incremented count.
func (t *transaction) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(t.envs))
	for _, env := range t.envs {
		ids = append(ids, env.ID())
	}
	if err = t.consumer.requeue(ctx, t.consumer.broker.db, ids); err != nil {
		return err
	}

	t.consumer.Process()
	return nil
}
