package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/klwxsrx/go-stream-binder/internal/order"
	"github.com/klwxsrx/go-stream-binder/internal/pkg/cmd"
	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	kindTrigger = "trigger"
	kindOrder   = "order"
	kindBatch   = "batch"

	defaultBatchTriggerTopic = "samples/batch/trigger"
	defaultOrderAmount       = 100
	orderSource              = "trigger-sender"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s %s|%s|%s\n", os.Args[0], kindTrigger, kindOrder, kindBatch)
		os.Exit(2)
	}

	ctx := context.Background()
	infra := cmd.NewInfrastructureContainer(ctx)
	defer infra.Close(ctx)

	sender := order.NewDependencyContainer(infra.Producer, infra.Logger).Sender

	var err error
	switch kind := os.Args[1]; kind {
	case kindTrigger:
		err = sender.MustLoad().SendTrigger(ctx, order.TriggerKeyword)
	case kindOrder:
		err = sender.MustLoad().SendOrder(ctx, order.Order{
			From:      orderSource,
			Amount:    defaultOrderAmount,
			Timestamp: time.Now().UnixMilli(),
		})
	case kindBatch:
		topic := env.Must(env.ParseOr("BATCH_TRIGGER_TOPIC", defaultBatchTriggerTopic))
		err = infra.Producer.MustLoad().Produce(ctx, message.NewOutboundMessage(
			message.Topic(topic),
			[]byte(order.TriggerKeyword),
			nil,
		))
	default:
		err = fmt.Errorf("unknown message kind %q", kind)
	}
	if err != nil {
		panic(err)
	}
}
