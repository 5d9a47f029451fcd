package message_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/memory"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

func acceptAll(context.Context, *message.Delivery) message.Outcome {
	return message.Accept()
}

func TestRegistry_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		binding message.Binding
		opts    []message.RegistryOption
	}{
		{"empty name", message.Binding{Destination: "input"}, nil},
		{"no destination", message.Binding{Name: "binding"}, nil},
		{"negative concurrency", message.Binding{Name: "binding", Destination: "input", Concurrency: -1}, nil},
		{"transactional without transactor", message.Binding{Name: "binding", Destination: "input", Transactional: true}, nil},
		{"batch options with single handler", message.Binding{Name: "binding", Destination: "input", Batch: &message.BatchOptions{}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			registry := message.NewRegistry(memory.NewBroker(), tt.opts...)
			assert.ErrorIs(t, registry.Register(tt.binding, acceptAll), message.ErrInvalidBinding)
		})
	}
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	registry := message.NewRegistry(memory.NewBroker())
	b := message.Binding{Name: "binding", Destination: "input"}

	require.NoError(t, registry.Register(b, acceptAll))
	assert.ErrorIs(t, registry.Register(b, acceptAll), message.ErrInvalidBinding)
	assert.Len(t, registry.Bindings(), 1)
}

func TestRegistry_WorkersRunBindings(t *testing.T) {
	t.Parallel()
	broker := memory.NewBroker()
	registry := message.NewRegistry(broker,
		message.WithRegistryProducer(broker),
		message.WithRegistryTransactor(broker),
	)

	require.NoError(t, registry.Register(message.Binding{
		Name:          "uppercase",
		Destination:   "input",
		Group:         "workers",
		Output:        "output",
		Transactional: true,
	}, message.FunctionHandler(message.StringDecoder(), message.StringEncoder(),
		func(_ context.Context, in string) (string, error) {
			return in + "!", nil
		},
	)))
	require.NoError(t, registry.RegisterBatch(message.Binding{
		Name:        "collector",
		Destination: "output",
		Group:       "collectors",
		Batch:       &message.BatchOptions{MaxSize: 1},
	}, func(context.Context, *message.Batch) message.Outcome {
		return message.Accept()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	jobs, err := registry.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	group := worker.NewFailFastGroup(ctx)
	for _, job := range jobs {
		group.Do(job)
	}

	require.NoError(t, broker.Produce(ctx, message.NewOutboundMessage("input", []byte("hello"), nil)))
	require.Eventually(t, func() bool {
		return len(broker.Settlements()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, group.Wait())

	produced := broker.Produced("output")
	require.Len(t, produced, 1)
	assert.Equal(t, "hello!", string(produced[0].Payload))
}

func TestRegistry_SharedWorkerPool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		poolSize int
		wantErr  error
	}{
		{"pool smaller than dispatch loops", 2, message.ErrWorkerPoolTooSmall},
		{"pool fits every dispatch loop", 3, nil},
		{"unlimited pool", worker.MaxWorkersCountUnlimited, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pool := worker.NewPool(tt.poolSize)
			defer pool.Release()

			broker := memory.NewBroker()
			registry := message.NewRegistry(broker, message.WithRegistryWorkerPool(pool))
			require.NoError(t, registry.Register(message.Binding{Name: "a", Destination: "a", Concurrency: 2}, acceptAll))
			require.NoError(t, registry.Register(message.Binding{Name: "b", Destination: "b"}, acceptAll))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			jobs, err := registry.Workers(ctx)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			group := worker.NewFailFastGroup(ctx)
			for _, job := range jobs {
				group.Do(job)
			}

			require.NoError(t, broker.Produce(ctx, message.NewOutboundMessage("b", []byte("last binding"), nil)))
			require.Eventually(t, func() bool {
				return len(broker.Settlements()) == 1
			}, 2*time.Second, 5*time.Millisecond)

			cancel()
			require.NoError(t, group.Wait())
		})
	}
}

func TestBinding_Subscriber(t *testing.T) {
	t.Parallel()

	b := message.Binding{Name: "binding", Destination: "orders", Group: "orderReceiver", QueuePrefix: "app/"}
	assert.Equal(t, message.SubscriberName("app/wk/order-receiver/orders"), b.Subscriber())
}
