package errorhandling_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/internal/errorhandling"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/memory"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

type syncBuffer struct {
	mutex chan struct{}
	buf   bytes.Buffer
}

func newSyncBuffer() *syncBuffer {
	return &syncBuffer{mutex: make(chan struct{}, 1)}
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex <- struct{}{}
	defer func() { <-b.mutex }()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex <- struct{}{}
	defer func() { <-b.mutex }()

	return b.buf.String()
}

func TestFailingConsumer(t *testing.T) {
	t.Parallel()

	env := message.NewEnvelope(message.EnvelopeParams{Destination: "in", Payload: []byte("hello")})
	outcome := errorhandling.FailingConsumer(errorhandling.BindingFunctionOne, log.New(log.LevelDisabled))(
		context.Background(),
		message.NewDelivery(env, message.NewAckHandle(env, nil), ""),
	)

	assert.True(t, outcome.IsFault())
	assert.ErrorIs(t, outcome.Err(), errorhandling.ErrAlwaysFails)
}

func TestSinks_RouteFaultsByBinding(t *testing.T) {
	t.Parallel()

	out := newSyncBuffer()
	logger := log.New(log.LevelInfo, log.WithOutput(out))
	sinks := errorhandling.Sinks(logger)

	broker := memory.NewBroker()
	router := message.NewErrorRouter(
		message.WithBindingErrorSink(errorhandling.BindingFunctionOne, sinks[errorhandling.SinkBinderSpecific]),
		message.WithDefaultErrorSink(sinks[errorhandling.SinkDefault]),
	)
	registry := message.NewRegistry(broker, message.WithRegistryErrorRouter(router))
	for binding, destination := range map[string]message.Topic{
		errorhandling.BindingFunctionOne: "one",
		errorhandling.BindingFunctionTwo: "two",
	} {
		require.NoError(t, registry.Register(message.Binding{
			Name:        binding,
			Destination: destination,
			Group:       message.SubscriberName(binding),
		}, errorhandling.FailingConsumer(binding, logger)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobs, err := registry.Workers(ctx)
	require.NoError(t, err)
	group := worker.NewFailFastGroup(ctx)
	for _, job := range jobs {
		group.Do(job)
	}

	require.NoError(t, broker.Produce(ctx,
		message.NewOutboundMessage("one", []byte("first"), nil),
		message.NewOutboundMessage("two", []byte("second"), nil),
	))
	require.Eventually(t, func() bool {
		return len(broker.Settlements()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, group.Wait())

	for _, s := range broker.Settlements() {
		assert.Equal(t, message.DispositionReject, s.Disposition)
	}

	var specific, fallback string
	for _, line := range strings.Split(out.String(), "\n") {
		switch {
		case strings.Contains(line, "binder-specific error handler"):
			specific = line
		case strings.Contains(line, "default error handler"):
			fallback = line
		}
	}
	assert.Contains(t, specific, `"originalPayload":"first"`)
	assert.Contains(t, fallback, `"originalPayload":"second"`)
	assert.Contains(t, fallback, `"error":"exception thrown"`)
}
