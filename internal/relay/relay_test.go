package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/internal/relay"
	"github.com/klwxsrx/go-stream-binder/pkg/memory"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

func TestBinding(t *testing.T) {
	t.Parallel()

	b := relay.Binding("orders")
	assert.Equal(t, "relay:orders", b.Name)
	assert.Equal(t, message.Topic("orders"), b.Destination)
	assert.Equal(t, message.Topic("orders"), b.Output)
	assert.Equal(t, message.SubscriberName(relay.Group), b.Group)
}

func TestRegister_NoTopics(t *testing.T) {
	t.Parallel()

	registry := message.NewRegistry(memory.NewBroker())
	err := relay.Register(registry, nil)
	require.ErrorIs(t, err, message.ErrInvalidBinding)
}

func TestRegister_ForwardsToSink(t *testing.T) {
	t.Parallel()

	source := memory.NewBroker()
	sink := memory.NewBroker()
	registry := message.NewRegistry(source, message.WithRegistryProducer(sink))
	require.NoError(t, relay.Register(registry, []message.Topic{"orders", "payments"}))
	assert.Len(t, registry.Bindings(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	jobs, err := registry.Workers(ctx)
	require.NoError(t, err)

	group := worker.NewFailFastGroup(ctx)
	for _, job := range jobs {
		group.Do(job)
	}

	require.NoError(t, source.Produce(ctx, message.NewOutboundMessage(
		"orders",
		[]byte(`{"amount":10}`),
		message.Headers{"tenant": "acme"},
	)))
	require.Eventually(t, func() bool {
		return len(sink.Produced("orders")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, group.Wait())

	forwarded := sink.Produced("orders")[0]
	assert.Equal(t, `{"amount":10}`, string(forwarded.Payload))
	assert.Equal(t, "acme", forwarded.Headers["tenant"])
	assert.Empty(t, sink.Produced("payments"))

	settlements := source.Settlements()
	require.Len(t, settlements, 1)
	assert.Equal(t, message.DispositionAccept, settlements[0].Disposition)
}
