package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

var (
	ErrInvalidBinding     = errors.New("invalid binding")
	ErrWorkerPoolTooSmall = errors.New("shared worker pool cannot run every dispatch loop")
)

type (
	BatchOptions struct {
		MaxSize int
		MaxWait time.Duration
	}

	// Binding maps a handler name to one source destination and an optional output destination.
	Binding struct {
		Name          string
		Destination   Topic
		Group         SubscriberName
		Output        Topic
		Concurrency   int
		Transactional bool
		Batch         *BatchOptions
		QueuePrefix   string
	}

	RegistryOption func(*Registry)

	registeredBinding struct {
		binding      Binding
		handler      Handler
		batchHandler BatchHandler
	}
)

// Subscriber returns the queue the binding consumes from, an empty group gets an anonymous queue.
func (b Binding) Subscriber() SubscriberName {
	return SubscriberName(QueueName(b.QueuePrefix, b.Group, b.Destination))
}

func (b Binding) validate() error {
	if b.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidBinding)
	}
	if b.Destination == "" {
		return fmt.Errorf("%w: %s: destination is required", ErrInvalidBinding, b.Name)
	}
	if b.Concurrency < 0 {
		return fmt.Errorf("%w: %s: negative concurrency", ErrInvalidBinding, b.Name)
	}
	if b.Batch != nil && b.Batch.MaxSize < 0 {
		return fmt.Errorf("%w: %s: negative batch size", ErrInvalidBinding, b.Name)
	}

	return nil
}

// Registry holds named bindings and turns them into listener jobs.
type Registry struct {
	provider        ConsumerProvider
	producer        Producer
	transactor      Transactor
	router          *ErrorRouter
	listenerOpts    []ListenerOption
	coordinatorOpts []CoordinatorOption
	workers         worker.Pool

	bindings []registeredBinding
	names    map[string]struct{}
}

func NewRegistry(provider ConsumerProvider, opts ...RegistryOption) *Registry {
	r := &Registry{
		provider: provider,
		router:   NewErrorRouter(),
		names:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Registry) Register(b Binding, handler Handler) error {
	if b.Batch != nil {
		return fmt.Errorf("%w: %s: batch binding needs a batch handler", ErrInvalidBinding, b.Name)
	}

	return r.register(registeredBinding{binding: b, handler: handler})
}

func (r *Registry) RegisterBatch(b Binding, handler BatchHandler) error {
	if b.Batch == nil {
		b.Batch = &BatchOptions{}
	}

	return r.register(registeredBinding{binding: b, batchHandler: handler})
}

func (r *Registry) register(rb registeredBinding) error {
	b := rb.binding
	if err := b.validate(); err != nil {
		return err
	}
	if _, ok := r.names[b.Name]; ok {
		return fmt.Errorf("%w: %s: duplicate name", ErrInvalidBinding, b.Name)
	}
	if b.Transactional && r.transactor == nil {
		return fmt.Errorf("%w: %s: binder does not support transactions", ErrInvalidBinding, b.Name)
	}
	if rb.handler == nil && rb.batchHandler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrInvalidBinding, b.Name)
	}

	r.names[b.Name] = struct{}{}
	r.bindings = append(r.bindings, rb)
	return nil
}

func (r *Registry) Bindings() []Binding {
	result := make([]Binding, 0, len(r.bindings))
	for _, rb := range r.bindings {
		result = append(result, rb.binding)
	}

	return result
}

// Workers opens a consumer per binding. Consumers are owned by the returned jobs.
func (r *Registry) Workers(ctx context.Context) ([]worker.ErrorJob, error) {
	if err := r.checkWorkerPool(); err != nil {
		return nil, err
	}

	jobs := make([]worker.ErrorJob, 0, len(r.bindings))
	consumers := make([]Consumer, 0, len(r.bindings))
	for _, rb := range r.bindings {
		consumer, err := r.provider.Consumer(ctx, rb.binding.Destination, rb.binding.Subscriber())
		if err != nil {
			for _, c := range consumers {
				_ = c.Close()
			}
			return nil, fmt.Errorf("open consumer for binding %s: %w", rb.binding.Name, err)
		}
		consumers = append(consumers, consumer)

		opts := r.listenerOptions(rb.binding)
		if rb.batchHandler != nil {
			jobs = append(jobs, NewBatchListener(rb.binding.Name, consumer, rb.batchHandler, opts...))
			continue
		}
		jobs = append(jobs, NewListener(rb.binding.Name, consumer, rb.handler, opts...))
	}

	return jobs, nil
}

// checkWorkerPool fails when the shared pool is smaller than the sum of binding concurrency,
// dispatch loops hold a worker for the whole listener lifetime.
func (r *Registry) checkWorkerPool() error {
	if r.workers == nil || r.workers.Cap() <= 0 {
		return nil
	}

	loops := 0
	for _, rb := range r.bindings {
		loops += max(rb.binding.Concurrency, defaultConcurrency)
	}
	if loops > r.workers.Cap() {
		return fmt.Errorf("%w: %d dispatch loops, pool size %d", ErrWorkerPoolTooSmall, loops, r.workers.Cap())
	}

	return nil
}

func (r *Registry) listenerOptions(b Binding) []ListenerOption {
	opts := []ListenerOption{
		WithOutput(b.Output),
		WithErrorRouter(r.router),
	}
	if b.Concurrency > 0 {
		opts = append(opts, WithConcurrency(b.Concurrency))
	}
	if r.producer != nil {
		opts = append(opts, WithProducer(r.producer))
	}
	if b.Transactional {
		opts = append(opts, WithTransactions(NewTransactionalCoordinator(r.transactor, r.coordinatorOpts...)))
	}
	if b.Batch != nil {
		opts = append(opts, WithBatching(b.Batch.MaxSize, b.Batch.MaxWait))
	}
	if r.workers != nil {
		opts = append(opts, WithWorkerPool(r.workers))
	}

	return append(opts, r.listenerOpts...)
}

func WithRegistryProducer(producer Producer) RegistryOption {
	return func(r *Registry) {
		r.producer = producer
	}
}

func WithRegistryTransactor(transactor Transactor, opts ...CoordinatorOption) RegistryOption {
	return func(r *Registry) {
		r.transactor = transactor
		r.coordinatorOpts = opts
	}
}

func WithRegistryErrorRouter(router *ErrorRouter) RegistryOption {
	return func(r *Registry) {
		r.router = router
	}
}

// WithRegistryWorkerPool runs dispatch loops of every binding on pool.
// The caller owns the pool and releases it after the listeners stop.
func WithRegistryWorkerPool(pool worker.Pool) RegistryOption {
	return func(r *Registry) {
		r.workers = pool
	}
}

// WithListenerOptions applies opts to every listener after the binding options.
func WithListenerOptions(opts ...ListenerOption) RegistryOption {
	return func(r *Registry) {
		r.listenerOpts = append(r.listenerOpts, opts...)
	}
}
