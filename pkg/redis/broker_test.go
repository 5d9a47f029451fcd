package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	"github.com/klwxsrx/go-stream-binder/pkg/redis"
)

const (
	testTopic = message.Topic("stream:orders")
	testGroup = message.SubscriberName("billing")
)

func setupBroker(t *testing.T, opts ...redis.BrokerOption) (*goredis.Client, *redis.Broker) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	broker := redis.NewBrokerWithClient(
		client,
		log.New(log.LevelDisabled),
		append([]redis.BrokerOption{
			redis.WithBlockDuration(20 * time.Millisecond),
			redis.WithReclaim(time.Hour, time.Hour),
		}, opts...)...,
	)
	return client, broker
}

func subscribe(t *testing.T, broker *redis.Broker) message.Consumer {
	t.Helper()

	consumer, err := broker.Consumer(context.Background(), testTopic, testGroup)
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

func receive(t *testing.T, consumer message.Consumer) *message.Envelope {
	t.Helper()

	select {
	case env, ok := <-consumer.Messages():
		require.True(t, ok, "consumer closed")
		return env
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for delivery")
		return nil
	}
}

func TestBroker_ProduceAndAccept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, broker := setupBroker(t)
	consumer := subscribe(t, broker)

	msg := message.NewOutboundMessage(testTopic, []byte(`{"amount":500}`), message.Headers{"contentType": "application/json"})
	require.NoError(t, broker.Produce(ctx, msg))

	env := receive(t, consumer)
	assert.Equal(t, msg.ID, env.ID())
	assert.Equal(t, testTopic, env.Destination())
	assert.Equal(t, `{"amount":500}`, string(env.Payload()))
	assert.Equal(t, message.Headers{
		"contentType":           "application/json",
		message.HeaderMessageID: msg.ID.String(),
	}, env.Headers())
	assert.False(t, env.Redelivered())

	require.NoError(t, consumer.Settle(ctx, env, message.DispositionAccept))

	pending, err := client.XPending(ctx, string(testTopic), string(testGroup)).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	err = consumer.Settle(ctx, env, message.DispositionAccept)
	assert.ErrorIs(t, err, redis.ErrNotPending)
}

func TestBroker_RequeueIncrementsRedeliveryCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, broker := setupBroker(t)
	consumer := subscribe(t, broker)

	msg := message.NewOutboundMessage(testTopic, []byte("retry me"), nil)
	require.NoError(t, broker.Produce(ctx, msg))

	for expected := uint(0); expected < 3; expected++ {
		env := receive(t, consumer)
		assert.Equal(t, msg.ID, env.ID())
		assert.Equal(t, expected, env.RedeliveryCount())
		require.NoError(t, consumer.Settle(ctx, env, message.DispositionRequeue))
	}

	env := receive(t, consumer)
	assert.Equal(t, uint(3), env.RedeliveryCount())
	assert.True(t, env.Redelivered())
}

func TestBroker_RejectMovesToDeadLetterStream(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, broker := setupBroker(t)
	consumer := subscribe(t, broker)

	msg := message.NewOutboundMessage(testTopic, []byte("poison"), nil)
	require.NoError(t, broker.Produce(ctx, msg))

	env := receive(t, consumer)
	require.NoError(t, consumer.Settle(ctx, env, message.DispositionReject))

	dlq := redis.DeadLetterStream(testTopic, testGroup)
	assert.Equal(t, message.Topic("stream:orders:billing:dlq"), dlq)

	entries, err := client.XRange(ctx, string(dlq), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "poison", entries[0].Values["payload"])

	pending, err := client.XPending(ctx, string(testTopic), string(testGroup)).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestBroker_GroupsReceiveEveryMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, broker := setupBroker(t)
	first := subscribe(t, broker)
	second, err := broker.Consumer(ctx, testTopic, "audit")
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	msg := message.NewOutboundMessage(testTopic, []byte("fan-out"), nil)
	require.NoError(t, broker.Produce(ctx, msg))

	assert.Equal(t, msg.ID, receive(t, first).ID())
	assert.Equal(t, msg.ID, receive(t, second).ID())
}

func TestBroker_TransactionCommitAndRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, broker := setupBroker(t)
	consumer := subscribe(t, broker)

	require.NoError(t, broker.Produce(ctx, message.NewOutboundMessage(testTopic, []byte("trigger"), nil)))
	env := receive(t, consumer)

	tx, err := broker.Begin(ctx, consumer, []*message.Envelope{env})
	require.NoError(t, err)
	require.NoError(t, tx.Produce(ctx, message.NewOutboundMessage("stream:derived", []byte("derived"), nil)))
	require.NoError(t, tx.Settle(ctx, env, message.DispositionAccept))
	require.NoError(t, tx.Rollback(ctx))

	derived, err := client.XLen(ctx, "stream:derived").Result()
	require.NoError(t, err)
	assert.Zero(t, derived)

	env = receive(t, consumer)
	assert.Equal(t, uint(1), env.RedeliveryCount())

	tx, err = broker.Begin(ctx, consumer, []*message.Envelope{env})
	require.NoError(t, err)
	require.NoError(t, tx.Produce(ctx, message.NewOutboundMessage("stream:derived", []byte("derived"), nil)))
	require.NoError(t, tx.Settle(ctx, env, message.DispositionAccept))
	require.NoError(t, tx.Commit(ctx))
	assert.ErrorIs(t, tx.Commit(ctx), redis.ErrTxDone)

	derived, err = client.XLen(ctx, "stream:derived").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), derived)

	pending, err := client.XPending(ctx, string(testTopic), string(testGroup)).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestBroker_CloseEndsMessages(t *testing.T) {
	t.Parallel()
	_, broker := setupBroker(t)
	consumer, err := broker.Consumer(context.Background(), testTopic, testGroup)
	require.NoError(t, err)

	require.NoError(t, consumer.Close())
	_, ok := <-consumer.Messages()
	assert.False(t, ok)
}

func TestBroker_InflightDeliveryIsNotReclaimedBySameConsumer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, broker := setupBroker(t, redis.WithReclaim(50*time.Millisecond, 200*time.Millisecond))
	consumer := subscribe(t, broker)

	msg := message.NewOutboundMessage(testTopic, []byte("slow handler"), nil)
	require.NoError(t, broker.Produce(ctx, msg))
	env := receive(t, consumer)

	select {
	case dup := <-consumer.Messages():
		require.FailNow(t, "unexpected second delivery", "id=%s redelivered=%t", dup.ID(), dup.Redelivered())
	case <-time.After(time.Second):
	}

	require.NoError(t, consumer.Settle(ctx, env, message.DispositionAccept))
}

func TestBroker_ReclaimsEntriesAbandonedByOtherConsumer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, broker := setupBroker(t, redis.WithReclaim(50*time.Millisecond, 200*time.Millisecond))

	_, err := client.XGroupCreateMkStream(ctx, string(testTopic), string(testGroup), "0").Result()
	require.NoError(t, err)
	msg := message.NewOutboundMessage(testTopic, []byte("orphan"), nil)
	require.NoError(t, broker.Produce(ctx, msg))

	abandoned, err := client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    string(testGroup),
		Consumer: "crashed-worker",
		Streams:  []string{string(testTopic), ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, abandoned, 1)

	consumer := subscribe(t, broker)
	env := receive(t, consumer)
	assert.Equal(t, msg.ID, env.ID())
	assert.Equal(t, uint(1), env.RedeliveryCount())
	require.NoError(t, consumer.Settle(ctx, env, message.DispositionAccept))

	pending, err := client.XPending(ctx, string(testTopic), string(testGroup)).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
