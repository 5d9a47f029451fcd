package memory

import (
	"context"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

type (
	stagedSettle struct {
		env         *message.Envelope
		disposition message.Disposition
	}

	transaction struct {
		broker   *Broker
		consumer *consumer
		envs     []*message.Envelope

		settles  []stagedSettle
		produced []*message.OutboundMessage
		done     bool
	}
)

func newTransaction(b *Broker, c *consumer, envs []*message.Envelope) *transaction {
	return &transaction{
		broker:   b,
		consumer: c,
		envs:     envs,
	}
}

func (t *transaction) Produce(_ context.Context, msgs ...*message.OutboundMessage) error {
	if t.done {
		return ErrTxDone
	}

	t.produced = append(t.produced, msgs...)
	return nil
}

func (t *transaction) Settle(_ context.Context, env *message.Envelope, d message.Disposition) error {
	if t.done {
		return ErrTxDone
	}
	if d == message.DispositionRequeue {
		return fmt.Errorf("requeue %s inside transaction: roll back instead", env)
	}

	t.settles = append(t.settles, stagedSettle{env: env, disposition: d})
	return nil
}

// Commit applies staged settlements and publishes staged messages at once, or nothing at all.
func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.broker.mutex.Lock()
	defer t.broker.mutex.Unlock()

	if t.broker.settleErr != nil {
		return t.broker.settleErr
	}
	for _, s := range t.settles {
		if _, ok := t.consumer.queue.inflight[s.env.ID()]; !ok {
			return fmt.Errorf("%w: %s", ErrNotInFlight, s.env)
		}
	}

	for _, s := range t.settles {
		if err := t.broker.settleLocked(t.consumer, s.env, s.disposition); err != nil {
			return err
		}
	}
	for _, msg := range t.produced {
		t.broker.produceLocked(msg)
	}

	t.done = true
	return nil
}

// Rollback drops staged work and redelivers the transaction envelopes.
func (t *transaction) Rollback(_ context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	t.broker.mutex.Lock()
	defer t.broker.mutex.Unlock()

	for _, env := range t.envs {
		rec, ok := t.consumer.queue.inflight[env.ID()]
		if !ok || rec.owner != t.consumer {
			continue
		}

		delete(t.consumer.queue.inflight, env.ID())
		rec.count++
		t.consumer.queue.push(rec.record)
	}

	return nil
}
