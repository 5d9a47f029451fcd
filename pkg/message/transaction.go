package message

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

const (
	TxStateReceived TransactionState = iota
	TxStateHandling
	TxStateCommitted
	TxStateRolledBack
)

var errRequeueRequested = errors.New("requeue requested")

type (
	TransactionState int

	// TransactionalInvocation runs the handler with a settler that stages dispositions into the transaction.
	TransactionalInvocation func(ctx context.Context, staging Settler) (Outcome, []*OutboundMessage)

	CoordinatorOption func(*TransactionalCoordinator)
)

func (s TransactionState) String() string {
	switch s {
	case TxStateReceived:
		return "received"
	case TxStateHandling:
		return "handling"
	case TxStateCommitted:
		return "committed"
	case TxStateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransactionalCoordinator runs each delivery inside a binder transaction: derived messages and the
// consume acknowledgment are committed together, a fault rolls both back and the source redelivers.
type TransactionalCoordinator struct {
	transactor Transactor

	OnTransition      []func(ctx context.Context, envs []*Envelope, from, to TransactionState, cause error)
	OnRollbackFailure []func(ctx context.Context, envs []*Envelope, err error)
}

func NewTransactionalCoordinator(transactor Transactor, opts ...CoordinatorOption) *TransactionalCoordinator {
	c := &TransactionalCoordinator{transactor: transactor}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Process returns the final state. An error is returned only when no transaction could be started.
func (c *TransactionalCoordinator) Process(
	ctx context.Context,
	consumer Consumer,
	envs []*Envelope,
	invoke TransactionalInvocation,
) (TransactionState, error) {
	tx, err := c.transactor.Begin(ctx, consumer, envs)
	if err != nil {
		return TxStateReceived, fmt.Errorf("begin transaction: %w", err)
	}
	c.transition(ctx, envs, TxStateReceived, TxStateHandling, nil)

	staging := newStagingSettler(tx)
	outcome, emitted := invoke(ctx, staging)
	if outcome.IsFault() {
		return c.rollback(ctx, tx, envs, outcome.Err()), nil
	}
	if outcome.Disposition() == DispositionRequeue || staging.requeueRequested() {
		return c.rollback(ctx, tx, envs, errRequeueRequested), nil
	}

	for _, env := range envs {
		if staging.isStaged(env.ID()) {
			continue
		}
		if err = tx.Settle(ctx, env, outcome.Disposition()); err != nil {
			return c.rollback(ctx, tx, envs, fmt.Errorf("stage %s: %w", outcome.Disposition(), err)), nil
		}
	}
	if len(emitted) > 0 {
		if err = tx.Produce(ctx, emitted...); err != nil {
			return c.rollback(ctx, tx, envs, fmt.Errorf("stage derived messages: %w", err)), nil
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return c.rollback(ctx, tx, envs, fmt.Errorf("commit: %w", err)), nil
	}

	c.transition(ctx, envs, TxStateHandling, TxStateCommitted, nil)
	return TxStateCommitted, nil
}

func (c *TransactionalCoordinator) rollback(
	ctx context.Context,
	tx Transaction,
	envs []*Envelope,
	cause error,
) TransactionState {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		for _, fn := range c.OnRollbackFailure {
			fn(ctx, envs, err)
		}
	}

	c.transition(ctx, envs, TxStateHandling, TxStateRolledBack, cause)
	return TxStateRolledBack
}

func (c *TransactionalCoordinator) transition(
	ctx context.Context,
	envs []*Envelope,
	from, to TransactionState,
	cause error,
) {
	for _, fn := range c.OnTransition {
		fn(ctx, envs, from, to, cause)
	}
}

func WithTransactionLogging(logger log.Logger, infoLevel, errorLevel log.Level) CoordinatorOption {
	return func(c *TransactionalCoordinator) {
		c.OnTransition = append(c.OnTransition, func(
			ctx context.Context,
			envs []*Envelope,
			from, to TransactionState,
			cause error,
		) {
			l := logger.With(log.Fields{
				"from":     from.String(),
				"to":       to.String(),
				"messages": len(envs),
			})
			if cause != nil {
				l.WithError(cause).Log(ctx, infoLevel, "transaction rolled back, messages will be redelivered")
				return
			}

			l.Log(ctx, log.LevelDebug, "transaction state changed")
		})

		c.OnRollbackFailure = append(c.OnRollbackFailure, func(ctx context.Context, envs []*Envelope, err error) {
			logger.
				WithField("messages", len(envs)).
				WithError(err).
				Log(ctx, errorLevel, "failed to roll back transaction")
		})
	}
}

type stagingSettler struct {
	tx Transaction

	mutex    *sync.Mutex
	staged   map[uuid.UUID]Disposition
	requeued bool
}

func newStagingSettler(tx Transaction) *stagingSettler {
	return &stagingSettler{
		tx:     tx,
		mutex:  &sync.Mutex{},
		staged: make(map[uuid.UUID]Disposition),
	}
}

func (s *stagingSettler) Settle(ctx context.Context, env *Envelope, d Disposition) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if d == DispositionRequeue {
		s.requeued = true
		s.staged[env.ID()] = d
		return nil
	}

	if err := s.tx.Settle(ctx, env, d); err != nil {
		return err
	}

	s.staged[env.ID()] = d
	return nil
}

func (s *stagingSettler) isStaged(id uuid.UUID) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, ok := s.staged[id]
	return ok
}

func (s *stagingSettler) requeueRequested() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.requeued
}
