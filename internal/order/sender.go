package order

import (
	"context"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

// Sender publishes triggers and orders directly, outside any binding.
type Sender struct {
	producer     message.Producer
	triggerTopic message.Topic
	orderTopic   message.Topic
	logger       log.Logger
}

func NewSender(producer message.Producer, triggerTopic, orderTopic message.Topic, logger log.Logger) *Sender {
	return &Sender{
		producer:     producer,
		triggerTopic: triggerTopic,
		orderTopic:   orderTopic,
		logger:       logger,
	}
}

func (s *Sender) SendTrigger(ctx context.Context, text string) error {
	s.logger.With(log.Fields{
		"payload":     text,
		"destination": s.triggerTopic,
	}).Info(ctx, "sending trigger message")

	err := s.producer.Produce(ctx, message.NewOutboundMessage(s.triggerTopic, []byte(text), nil))
	if err != nil {
		return fmt.Errorf("send trigger to %s: %w", s.triggerTopic, err)
	}

	return nil
}

func (s *Sender) SendOrder(ctx context.Context, order Order) error {
	s.logger.With(log.Fields{
		"order":       order.String(),
		"destination": s.orderTopic,
	}).Info(ctx, "sending order message")

	data, err := message.JSONEncoder[Order]().Encode(order)
	if err != nil {
		return err
	}

	err = s.producer.Produce(ctx, message.NewOutboundMessage(
		s.orderTopic,
		data,
		message.Headers{message.HeaderContentType: "application/json"},
	))
	if err != nil {
		return fmt.Errorf("send order to %s: %w", s.orderTopic, err)
	}

	return nil
}
