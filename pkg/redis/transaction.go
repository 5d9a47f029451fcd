package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

var ErrTxDone = errors.New("transaction is already committed or rolled back")

type transaction struct {
	consumer *consumer
	envs     []*message.Envelope

	stages  []func(ctx context.Context, pipe redis.Pipeliner) error
	settled []*message.Envelope
	done    bool
}

func newTransaction(c *consumer, envs []*message.Envelope) *transaction {
	return &transaction{
		consumer: c,
		envs:     envs,
	}
}

func (t *transaction) Produce(_ context.Context, msgs ...*message.OutboundMessage) error {
	if t.done {
		return ErrTxDone
	}

	t.stages = append(t.stages, func(ctx context.Context, pipe redis.Pipeliner) error {
		return addMessages(ctx, pipe, msgs)
	})
	return nil
}

func (t *transaction) Settle(_ context.Context, env *message.Envelope, d message.Disposition) error {
	if t.done {
		return ErrTxDone
	}

	e, ok := t.consumer.peek(env.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPending, env)
	}

	switch d {
	case message.DispositionAccept:
		t.stages = append(t.stages, func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.XAck(ctx, string(t.consumer.topic), string(t.consumer.subscriber), e.streamID)
			return nil
		})
	case message.DispositionReject:
		t.stages = append(t.stages, func(ctx context.Context, pipe redis.Pipeliner) error {
			t.consumer.stageReject(ctx, pipe, e)
			return nil
		})
	default:
		return fmt.Errorf("%s %s inside transaction: roll back instead", d, env)
	}

	t.settled = append(t.settled, env)
	return nil
}

// Commit runs every staged command inside MULTI/EXEC.
func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	for _, env := range t.settled {
		if _, ok := t.consumer.peek(env.ID()); !ok {
			return fmt.Errorf("%w: %s", ErrNotPending, env)
		}
	}

	_, err := t.consumer.broker.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, stage := range t.stages {
			if err := stage(ctx, pipe); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("exec transaction: %w", err)
	}

	for _, env := range t.settled {
		t.consumer.take(env.ID())
	}
	return nil
}

// Rollback drops staged commands and requeues every envelope of the transaction.
func (t *transaction) Rollback(ctx context.Context) error {
	t.done = true

	var errs []error
	for _, env := range t.envs {
		e, ok := t.consumer.take(env.ID())
		if !ok {
			continue
		}
		if err := t.consumer.requeue(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
