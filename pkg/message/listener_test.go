package message_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/memory"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

const (
	inputTopic  message.Topic          = "input"
	outputTopic message.Topic          = "output"
	group       message.SubscriberName = "listener-test"
)

type listenerSuite struct {
	broker   *memory.Broker
	consumer message.Consumer
}

func newListenerSuite(t *testing.T) *listenerSuite {
	t.Helper()
	broker := memory.NewBroker()
	consumer, err := broker.Consumer(context.Background(), inputTopic, group)
	require.NoError(t, err)

	return &listenerSuite{
		broker:   broker,
		consumer: consumer,
	}
}

func (s *listenerSuite) produce(t *testing.T, payload string, headers message.Headers) {
	t.Helper()
	require.NoError(t, s.broker.Produce(context.Background(), message.NewOutboundMessage(inputTopic, []byte(payload), headers)))
}

func (s *listenerSuite) waitSettlements(t *testing.T, count int) []memory.Settlement {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.broker.Settlements()) >= count
	}, 2*time.Second, 5*time.Millisecond)

	return s.broker.Settlements()
}

func start(t *testing.T, job worker.ErrorJob) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- job(ctx)
	}()

	return func() error {
		cancel()
		select {
		case err := <-result:
			return err
		case <-time.After(2 * time.Second):
			require.FailNow(t, "listener did not stop")
			return nil
		}
	}
}

func TestListener_AcceptsAndProducesEmittedMessages(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "hello", message.Headers{message.HeaderCorrelationID: "trace"})

	stop := start(t, message.NewListener("uppercase", s.consumer,
		func(_ context.Context, d *message.Delivery) message.Outcome {
			return message.OutcomeOf(d.Emit(bytes.ToUpper(d.Payload()), nil))
		},
		message.WithOutput(outputTopic),
		message.WithProducer(s.broker),
	))

	settlements := s.waitSettlements(t, 1)
	require.NoError(t, stop())

	assert.Equal(t, message.DispositionAccept, settlements[0].Disposition)
	produced := s.broker.Produced(outputTopic)
	require.Len(t, produced, 1)
	assert.Equal(t, "HELLO", string(produced[0].Payload))
	assert.Equal(t, "trace", produced[0].Headers[message.HeaderCorrelationID])
}

func TestListener_RoutesFaultsAndRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler message.Handler
		cause   error
	}{
		{
			name: "fault outcome",
			handler: func(context.Context, *message.Delivery) message.Outcome {
				return message.Fault(errors.New("business failure"))
			},
		},
		{
			name: "panic",
			handler: func(context.Context, *message.Delivery) message.Outcome {
				panic("unexpected")
			},
			cause: message.ErrHandlerFault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newListenerSuite(t)
			s.produce(t, "payload", nil)

			sunk := make(chan *message.ErrorEnvelope, 1)
			router := message.NewErrorRouter(message.WithBindingErrorSink("failing", func(_ context.Context, msg *message.ErrorEnvelope) {
				sunk <- msg
			}))
			stop := start(t, message.NewListener("failing", s.consumer, tt.handler, message.WithErrorRouter(router)))

			settlements := s.waitSettlements(t, 1)
			require.NoError(t, stop())

			assert.Equal(t, message.DispositionReject, settlements[0].Disposition)
			require.Len(t, s.broker.DeadLetters(inputTopic), 1)

			msg := <-sunk
			assert.Equal(t, "failing", msg.Binding)
			assert.Equal(t, "payload", string(msg.Original.Payload()))
			require.Error(t, msg.Cause)
			if tt.cause != nil {
				assert.ErrorIs(t, msg.Cause, tt.cause)
			}
		})
	}
}

func TestListener_RequeueIncrementsRedeliveryCount(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "payload", nil)

	const requeues = 3
	var (
		mutex  sync.Mutex
		counts []uint
	)
	stop := start(t, message.NewListener("requeue", s.consumer, func(_ context.Context, d *message.Delivery) message.Outcome {
		mutex.Lock()
		defer mutex.Unlock()

		counts = append(counts, d.RedeliveryCount())
		if d.RedeliveryCount() < requeues {
			return message.Requeue()
		}
		assert.True(t, d.Redelivered())
		return message.Accept()
	}))

	settlements := s.waitSettlements(t, requeues+1)
	require.NoError(t, stop())

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []uint{0, 1, 2, 3}, counts)
	assert.Equal(t, message.DispositionAccept, settlements[requeues].Disposition)
}

func TestListener_ManualModeUnresolvedIsRejected(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "payload", nil)

	buf := &syncBuffer{}
	logger := log.New(log.LevelInfo, log.WithOutput(buf))
	stop := start(t, message.NewListener("manual", s.consumer,
		func(_ context.Context, d *message.Delivery) message.Outcome {
			d.Ack.NoAutoAck()
			return message.Accept()
		},
		message.WithLogging(logger, log.LevelInfo, log.LevelError),
	))

	settlements := s.waitSettlements(t, 1)
	require.NoError(t, stop())

	assert.Equal(t, message.DispositionReject, settlements[0].Disposition)
	assert.Contains(t, buf.String(), "handler returned without resolving manual acknowledgment")
}

func TestListener_ManualModeExplicitResolution(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "payload", nil)

	var secondErr atomic.Value
	stop := start(t, message.NewListener("manual", s.consumer, func(ctx context.Context, d *message.Delivery) message.Outcome {
		d.Ack.NoAutoAck()
		assert.NoError(t, d.Ack.Reject(ctx))
		secondErr.Store(d.Ack.Accept(ctx))
		return message.Accept()
	}))

	settlements := s.waitSettlements(t, 1)
	require.NoError(t, stop())

	require.Len(t, settlements, 1)
	assert.Equal(t, message.DispositionReject, settlements[0].Disposition)
	err, _ := secondErr.Load().(error)
	assert.ErrorIs(t, err, message.ErrAlreadyResolved)
}

func TestListener_AcknowledgmentFailureKeepsLoopRunning(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	sourceErr := errors.New("session closed")
	s.broker.FailSettlements(sourceErr)

	settleErrs := make(chan error, 1)
	handled := make(chan string, 2)
	stop := start(t, message.NewListener("ackfail", s.consumer, func(_ context.Context, d *message.Delivery) message.Outcome {
		handled <- string(d.Payload())
		return message.Accept()
	}, func(l *message.ListenerImpl) {
		l.OnSettled = append(l.OnSettled, func(_ context.Context, _ *message.Envelope, _ message.Disposition, err error) {
			if err != nil {
				settleErrs <- err
			}
		})
	}))

	s.produce(t, "first", nil)
	assert.Equal(t, "first", <-handled)
	assert.ErrorIs(t, <-settleErrs, sourceErr)

	s.broker.FailSettlements(nil)
	s.produce(t, "second", nil)
	assert.Equal(t, "second", <-handled)
	s.waitSettlements(t, 1)

	require.NoError(t, stop())
}

func TestListener_GracefulDrainCompletesInFlightHandler(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "payload", nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	job := message.NewListener("drain", s.consumer, func(handlerCtx context.Context, _ *message.Delivery) message.Outcome {
		close(entered)
		<-release
		return message.OutcomeOf(handlerCtx.Err())
	})

	result := make(chan error, 1)
	go func() {
		result <- job(ctx)
	}()

	<-entered
	cancel()
	select {
	case <-result:
		require.FailNow(t, "listener stopped before in-flight handler completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-result)
	settlements := s.broker.Settlements()
	require.Len(t, settlements, 1)
	assert.Equal(t, message.DispositionAccept, settlements[0].Disposition)
}

func TestListener_DrainTimeoutAbandonsDelivery(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "payload", nil)

	entered := make(chan struct{})
	var abandoned atomic.Int32
	stop := start(t, message.NewListener("abandon", s.consumer,
		func(ctx context.Context, _ *message.Delivery) message.Outcome {
			close(entered)
			<-ctx.Done()
			return message.Fault(ctx.Err())
		},
		message.WithDrainTimeout(20*time.Millisecond),
		func(l *message.ListenerImpl) {
			l.OnAbandoned = append(l.OnAbandoned, func(context.Context, []*message.Envelope, error) {
				abandoned.Add(1)
			})
		},
	))

	<-entered
	require.NoError(t, stop())
	assert.Equal(t, int32(1), abandoned.Load())
	assert.Empty(t, s.broker.Settlements())
	assert.Empty(t, s.broker.DeadLetters(inputTopic))

	next, err := s.broker.Consumer(context.Background(), inputTopic, group)
	require.NoError(t, err)
	defer next.Close()
	redelivered := <-next.Messages()
	assert.Equal(t, uint(1), redelivered.RedeliveryCount())
}

func TestListener_UnroutedFaultStopPolicyStopsWorker(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "payload", nil)

	router := message.NewErrorRouter(message.WithUnroutedFaultPolicy(message.UnroutedFaultStop))
	job := message.NewListener("strict", s.consumer, func(context.Context, *message.Delivery) message.Outcome {
		return message.Fault(errors.New("boom"))
	}, message.WithErrorRouter(router))

	err := job(context.Background())
	assert.ErrorIs(t, err, message.ErrNoErrorSink)
}

func TestListener_ConsumerClosedIsFatal(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	job := message.NewListener("closed", s.consumer, func(context.Context, *message.Delivery) message.Outcome {
		return message.Accept()
	})

	require.NoError(t, s.consumer.Close())
	assert.ErrorIs(t, job(context.Background()), message.ErrConsumerClosed)
}

type failingProducer struct {
	err error
}

func (p failingProducer) Produce(context.Context, ...*message.OutboundMessage) error {
	return p.err
}

func TestListener_ProduceFailureRequeues(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	s.produce(t, "payload", nil)

	stop := start(t, message.NewListener("emitting", s.consumer,
		func(_ context.Context, d *message.Delivery) message.Outcome {
			return message.OutcomeOf(d.Emit(d.Payload(), nil))
		},
		message.WithOutput(outputTopic),
		message.WithProducer(failingProducer{err: errors.New("broker unavailable")}),
	))

	settlements := s.waitSettlements(t, 1)
	require.NoError(t, stop())
	assert.Equal(t, message.DispositionRequeue, settlements[0].Disposition)
}

func TestBatchListener_DeliversAlignedBatch(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	for i := range 5 {
		s.produce(t, string(rune('a'+i)), message.Headers{"index": string(rune('0' + i))})
	}

	batches := make(chan *message.Batch, 1)
	stop := start(t, message.NewBatchListener("batch", s.consumer,
		func(_ context.Context, b *message.Batch) message.Outcome {
			batches <- b
			return message.Accept()
		},
		message.WithBatching(10, 100*time.Millisecond),
	))

	b := <-batches
	settlements := s.waitSettlements(t, 5)
	require.NoError(t, stop())

	payloads := b.Payloads()
	headers := b.Headers()
	require.Len(t, payloads, 5)
	require.Len(t, headers, len(payloads))
	for i := range payloads {
		assert.Equal(t, string(rune('a'+i)), string(payloads[i]))
		assert.Equal(t, string(rune('0'+i)), headers[i]["index"])
	}
	for _, settlement := range settlements {
		assert.Equal(t, message.DispositionAccept, settlement.Disposition)
	}
}

func TestBatchListener_FaultRejectsWholeBatch(t *testing.T) {
	t.Parallel()
	s := newListenerSuite(t)
	for range 3 {
		s.produce(t, "payload", nil)
	}

	var routed atomic.Int32
	router := message.NewErrorRouter(message.WithDefaultErrorSink(func(context.Context, *message.ErrorEnvelope) {
		routed.Add(1)
	}))
	stop := start(t, message.NewBatchListener("batch", s.consumer,
		func(context.Context, *message.Batch) message.Outcome {
			return message.Fault(errors.New("batch failure"))
		},
		message.WithBatching(3, time.Second),
		message.WithErrorRouter(router),
	))

	settlements := s.waitSettlements(t, 3)
	require.NoError(t, stop())

	assert.Equal(t, int32(3), routed.Load())
	for _, settlement := range settlements {
		assert.Equal(t, message.DispositionReject, settlement.Disposition)
	}
}

type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.buf.String()
}
