package message

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/metric"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

const (
	defaultConcurrency  = 1
	defaultBatchMaxSize = 10
	defaultBatchMaxWait = time.Second
)

var ErrNoProducer = errors.New("listener has no producer for emitted messages")

type (
	// ListenerImpl runs Concurrency dispatch loops over one consumer session.
	ListenerImpl struct {
		Concurrency int
		// DrainTimeout bounds in-flight handlers after shutdown, zero waits for them unconditionally
		DrainTimeout time.Duration
		BatchMaxSize int
		BatchMaxWait time.Duration
		Workers      worker.Pool
		ErrorRouter  *ErrorRouter
		Producer     Producer
		Coordinator  *TransactionalCoordinator

		OnBeforeHandle   []func(ctx context.Context, envs []*Envelope) context.Context
		OnHandlerResult  []func(ctx context.Context, envs []*Envelope, outcome Outcome, duration time.Duration)
		OnHandlerPanics  []func(ctx context.Context, envs []*Envelope, panicMsg any, stack []byte)
		OnSettled        []func(ctx context.Context, env *Envelope, d Disposition, err error)
		OnUnresolved     []func(ctx context.Context, envs []*Envelope)
		OnAbandoned      []func(ctx context.Context, envs []*Envelope, cause error)
		OnProduceFailure []func(ctx context.Context, envs []*Envelope, err error)

		binding      string
		output       Topic
		consumer     Consumer
		settler      Settler
		handler      Handler
		batchHandler BatchHandler
		ownsWorkers  bool
	}

	ListenerOption func(*ListenerImpl)

	resolver interface {
		Mode() AckMode
		IsResolved() bool
		Resolve(ctx context.Context, d Disposition) error
	}

	unit struct {
		envs    []*Envelope
		ack     resolver
		invoke  func(ctx context.Context) Outcome
		emitted func() []*OutboundMessage
	}
)

func NewListener(binding string, consumer Consumer, handler Handler, opts ...ListenerOption) worker.ErrorJob {
	l := newListenerImpl(binding, consumer, opts...)
	l.handler = handler
	return l.run
}

func NewBatchListener(binding string, consumer Consumer, handler BatchHandler, opts ...ListenerOption) worker.ErrorJob {
	l := newListenerImpl(binding, consumer, opts...)
	l.batchHandler = handler
	return l.run
}

func newListenerImpl(binding string, consumer Consumer, opts ...ListenerOption) *ListenerImpl {
	l := &ListenerImpl{
		Concurrency:  defaultConcurrency,
		BatchMaxSize: defaultBatchMaxSize,
		BatchMaxWait: defaultBatchMaxWait,
		ErrorRouter:  NewErrorRouter(),
		binding:      binding,
		consumer:     consumer,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.Concurrency <= 0 {
		l.Concurrency = defaultConcurrency
	}
	if l.Workers == nil {
		l.Workers = worker.NewPool(l.Concurrency)
		l.ownsWorkers = true
	}

	l.settler = NewSessionSettler(SettlerFunc(func(ctx context.Context, env *Envelope, d Disposition) error {
		err := consumer.Settle(ctx, env, d)
		for _, fn := range l.OnSettled {
			fn(ctx, env, d, err)
		}
		return err
	}))

	return l
}

func (l *ListenerImpl) run(ctx context.Context) error {
	if l.ownsWorkers {
		defer l.Workers.Release()
	}

	handlerCtx, cancelHandlers := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancelHandlers(nil)

	stopDrainTimer := context.AfterFunc(ctx, func() {
		if l.DrainTimeout <= 0 {
			return
		}
		time.AfterFunc(l.DrainTimeout, func() {
			cancelHandlers(fmt.Errorf("drain timeout %s exceeded", l.DrainTimeout))
		})
	})
	defer stopDrainTimer()

	loops := worker.WithinFailFastGroup(ctx, l.Workers)
	for range l.Concurrency {
		loops.Do(func(loopCtx context.Context) error {
			return l.dispatch(loopCtx, handlerCtx)
		})
	}

	err := loops.Wait()
	closeErr := l.consumer.Close()
	if err != nil {
		return fmt.Errorf("message listener %s (%s/%s): %w", l.binding, l.consumer.Subscriber(), l.consumer.Topic(), err)
	}
	if closeErr != nil {
		return fmt.Errorf("close consumer of %s: %w", l.binding, closeErr)
	}

	return nil
}

func (l *ListenerImpl) dispatch(loopCtx, handlerCtx context.Context) error {
	for {
		envs, err := l.receive(loopCtx)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			return nil
		}

		if err = l.handle(handlerCtx, envs); err != nil {
			return err
		}
	}
}

func (l *ListenerImpl) receive(ctx context.Context) ([]*Envelope, error) {
	select {
	case <-ctx.Done():
		return nil, nil
	case env, ok := <-l.consumer.Messages():
		if !ok {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, ErrConsumerClosed
		}
		if l.batchHandler == nil {
			return []*Envelope{env}, nil
		}

		return l.collectBatch(ctx, env), nil
	}
}

func (l *ListenerImpl) collectBatch(ctx context.Context, first *Envelope) []*Envelope {
	batch := []*Envelope{first}
	if l.BatchMaxSize <= 1 {
		return batch
	}

	timer := time.NewTimer(l.BatchMaxWait)
	defer timer.Stop()

	for len(batch) < l.BatchMaxSize {
		select {
		case env, ok := <-l.consumer.Messages():
			if !ok {
				return batch
			}
			batch = append(batch, env)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}

	return batch
}

func (l *ListenerImpl) handle(ctx context.Context, envs []*Envelope) error {
	for _, fn := range l.OnBeforeHandle {
		ctx = fn(ctx, envs)
	}
	if l.Coordinator != nil {
		return l.handleInTransaction(ctx, envs)
	}

	u := l.newUnit(envs, l.settler)
	outcome := l.invoke(ctx, u)
	if ctx.Err() != nil && !u.ack.IsResolved() {
		for _, fn := range l.OnAbandoned {
			fn(ctx, envs, context.Cause(ctx))
		}
		return nil
	}

	settleCtx := context.WithoutCancel(ctx)
	if outcome.IsFault() {
		if err := l.routeFault(settleCtx, envs, outcome.Err()); err != nil {
			return err
		}

		l.resolve(settleCtx, u.ack, DispositionReject)
		return nil
	}

	if err := l.produce(settleCtx, envs, u.emitted()); err != nil {
		if errors.Is(err, ErrNoProducer) {
			return err
		}

		l.resolve(settleCtx, u.ack, DispositionRequeue)
		return nil
	}

	if u.ack.Mode() == AckModeManual {
		l.forceUnresolved(settleCtx, u)
		return nil
	}

	l.resolve(settleCtx, u.ack, outcome.Disposition())
	return nil
}

func (l *ListenerImpl) handleInTransaction(ctx context.Context, envs []*Envelope) error {
	var (
		u       unit
		outcome Outcome
	)
	state, err := l.Coordinator.Process(ctx, l.consumer, envs, func(ctx context.Context, staging Settler) (Outcome, []*OutboundMessage) {
		u = l.newUnit(envs, staging)
		outcome = l.invoke(ctx, u)
		if !outcome.IsFault() && u.ack.Mode() == AckModeManual {
			l.forceUnresolved(ctx, u)
		}

		return outcome, u.emitted()
	})
	if err != nil {
		return err
	}

	for _, env := range envs {
		d := DispositionRequeue
		if state == TxStateCommitted {
			d = committedDisposition(u, env, outcome)
		}
		for _, fn := range l.OnSettled {
			fn(ctx, env, d, nil)
		}
	}

	return nil
}

func committedDisposition(u unit, env *Envelope, outcome Outcome) Disposition {
	switch ack := u.ack.(type) {
	case *AckHandle:
		if d, _ := ack.Disposition(); ack.IsResolved() {
			return d
		}
	case *BatchAckHandle:
		for _, handle := range ack.Handles() {
			if handle.Envelope() != env || !handle.IsResolved() {
				continue
			}
			d, _ := handle.Disposition()
			return d
		}
	}

	return outcome.Disposition()
}

func (l *ListenerImpl) newUnit(envs []*Envelope, settler Settler) unit {
	if l.batchHandler != nil {
		ack := NewBatchAckHandle(envs, settler)
		batch := NewBatch(envs, ack, l.output)
		return unit{
			envs:    envs,
			ack:     ack,
			invoke:  func(ctx context.Context) Outcome { return l.batchHandler(ctx, batch) },
			emitted: batch.Emitted,
		}
	}

	ack := NewAckHandle(envs[0], settler)
	delivery := NewDelivery(envs[0], ack, l.output)
	return unit{
		envs:    envs,
		ack:     ack,
		invoke:  func(ctx context.Context) Outcome { return l.handler(ctx, delivery) },
		emitted: delivery.Emitted,
	}
}

func (l *ListenerImpl) invoke(ctx context.Context, u unit) (outcome Outcome) {
	started := time.Now()
	defer func() {
		if panicMsg := recover(); panicMsg != nil {
			stack := debug.Stack()
			for _, fn := range l.OnHandlerPanics {
				fn(ctx, u.envs, panicMsg, stack)
			}
			outcome = Fault(fmt.Errorf("%w: panic: %v", ErrHandlerFault, panicMsg))
		}

		for _, fn := range l.OnHandlerResult {
			fn(ctx, u.envs, outcome, time.Since(started))
		}
	}()

	return u.invoke(ctx)
}

func (l *ListenerImpl) routeFault(ctx context.Context, envs []*Envelope, cause error) error {
	for _, env := range envs {
		if err := l.ErrorRouter.Route(ctx, l.binding, env, cause); err != nil {
			return err
		}
	}

	return nil
}

func (l *ListenerImpl) produce(ctx context.Context, envs []*Envelope, msgs []*OutboundMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if l.Producer == nil {
		return ErrNoProducer
	}

	err := l.Producer.Produce(ctx, msgs...)
	if err != nil {
		for _, fn := range l.OnProduceFailure {
			fn(ctx, envs, err)
		}
	}

	return err
}

func (l *ListenerImpl) forceUnresolved(ctx context.Context, u unit) {
	if u.ack.IsResolved() {
		return
	}

	for _, fn := range l.OnUnresolved {
		fn(ctx, u.envs)
	}
	l.resolve(ctx, u.ack, DispositionReject)
}

// resolve settles a handle the handler left open. Settle failures are reported through OnSettled.
func (l *ListenerImpl) resolve(ctx context.Context, ack resolver, d Disposition) {
	if ack.IsResolved() {
		return
	}

	_ = ack.Resolve(ctx, d)
}

func WithOutput(topic Topic) ListenerOption {
	return func(l *ListenerImpl) {
		l.output = topic
	}
}

func WithConcurrency(n int) ListenerOption {
	return func(l *ListenerImpl) {
		l.Concurrency = n
	}
}

func WithDrainTimeout(timeout time.Duration) ListenerOption {
	return func(l *ListenerImpl) {
		l.DrainTimeout = timeout
	}
}

func WithErrorRouter(router *ErrorRouter) ListenerOption {
	return func(l *ListenerImpl) {
		l.ErrorRouter = router
	}
}

func WithProducer(producer Producer) ListenerOption {
	return func(l *ListenerImpl) {
		l.Producer = producer
	}
}

func WithTransactions(coordinator *TransactionalCoordinator) ListenerOption {
	return func(l *ListenerImpl) {
		l.Coordinator = coordinator
	}
}

func WithBatching(maxSize int, maxWait time.Duration) ListenerOption {
	return func(l *ListenerImpl) {
		if maxSize > 0 {
			l.BatchMaxSize = maxSize
		}
		if maxWait > 0 {
			l.BatchMaxWait = maxWait
		}
	}
}

// WithWorkerPool runs dispatch loops on a shared pool, it must fit Concurrency loops at once.
func WithWorkerPool(pool worker.Pool) ListenerOption {
	return func(l *ListenerImpl) {
		l.Workers = pool
	}
}

func WithLogging(logger log.Logger, infoLevel, errorLevel log.Level) ListenerOption {
	return func(l *ListenerImpl) {
		l.OnBeforeHandle = append(l.OnBeforeHandle, func(ctx context.Context, envs []*Envelope) context.Context {
			fields := log.Fields{
				"binding":     l.binding,
				"topic":       l.consumer.Topic(),
				"correlation": uuid.New(),
			}
			if len(envs) == 1 {
				fields["messageID"] = envs[0].ID()
				fields["redeliveryCount"] = envs[0].RedeliveryCount()
			} else {
				fields["batchSize"] = len(envs)
			}

			return logger.WithContext(ctx, log.Fields{"consumerMessage": fields})
		})

		l.OnHandlerResult = append(l.OnHandlerResult, func(ctx context.Context, _ []*Envelope, outcome Outcome, _ time.Duration) {
			if outcome.IsFault() {
				logger.WithError(outcome.Err()).Log(ctx, errorLevel, "message handled with fault")
				return
			}

			logger.WithField("outcome", outcome.String()).Log(ctx, infoLevel, "message handled")
		})

		l.OnHandlerPanics = append(l.OnHandlerPanics, func(ctx context.Context, _ []*Envelope, panicMsg any, stack []byte) {
			logger.WithField("panic", log.Fields{
				"message": fmt.Sprintf("%v", panicMsg),
				"stack":   string(stack),
			}).Error(ctx, "message handled with panic")
		})

		l.OnSettled = append(l.OnSettled, func(ctx context.Context, env *Envelope, d Disposition, err error) {
			if err == nil {
				return
			}

			logger.
				With(log.Fields{
					"messageID":   env.ID(),
					"disposition": d.String(),
				}).
				WithError(err).
				Warn(ctx, "failed to settle message, source will redeliver it")
		})

		l.OnUnresolved = append(l.OnUnresolved, func(ctx context.Context, envs []*Envelope) {
			logger.
				WithField("messages", len(envs)).
				Warn(ctx, "handler returned without resolving manual acknowledgment, rejecting")
		})

		l.OnAbandoned = append(l.OnAbandoned, func(ctx context.Context, envs []*Envelope, cause error) {
			logger.
				WithField("messages", len(envs)).
				WithError(cause).
				Warn(ctx, "delivery abandoned on shutdown, source will redeliver it")
		})

		l.OnProduceFailure = append(l.OnProduceFailure, func(ctx context.Context, _ []*Envelope, err error) {
			logger.WithError(err).Log(ctx, errorLevel, "failed to produce emitted messages, requeuing")
		})
	}
}

func WithMetrics(metrics metric.Metrics) ListenerOption {
	return func(l *ListenerImpl) {
		l.OnHandlerResult = append(l.OnHandlerResult, func(_ context.Context, _ []*Envelope, outcome Outcome, duration time.Duration) {
			if outcome.IsFault() {
				metrics.WithLabel("binding", l.binding).Increment("msg_faults_total")
			}

			metrics.With(metric.Labels{
				"binding": l.binding,
				"success": !outcome.IsFault(),
			}).Duration("msg_handle_duration_seconds", duration)
		})

		l.OnSettled = append(l.OnSettled, func(_ context.Context, _ *Envelope, d Disposition, err error) {
			if err != nil {
				return
			}

			metrics.With(metric.Labels{
				"binding":     l.binding,
				"disposition": d.String(),
			}).Increment("msg_settled_total")
		})
	}
}
