package rabbitmq

import (
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

func newPublishing(msg *message.OutboundMessage) amqp.Publishing {
	headers := amqp.Table{}
	for key, value := range msg.TransportHeaders() {
		headers[key] = value
	}

	p := amqp.Publishing{
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Body:         msg.Payload,
	}
	if contentType, ok := msg.Headers.Lookup(message.HeaderContentType); ok {
		p.ContentType = contentType
	}
	if correlationID, ok := msg.Headers.Lookup(message.HeaderCorrelationID); ok {
		p.CorrelationId = correlationID
	}

	return p
}

func newEnvelope(topic message.Topic, d amqp.Delivery) *message.Envelope {
	headers := make(message.Headers, len(d.Headers))
	for key, value := range d.Headers {
		if key == headerDeliveryCount {
			continue
		}
		headers[key] = fmt.Sprint(value)
	}

	params := message.EnvelopeParams{
		Destination:     topic,
		Payload:         d.Body,
		Redelivered:     d.Redelivered,
		RedeliveryCount: redeliveryCount(d),
		Headers:         headers,
	}
	if id, err := uuid.Parse(d.MessageId); err == nil {
		params.ID = id
	}
	if d.CorrelationId != "" {
		params.CorrelationID = &d.CorrelationId
	}

	return message.NewEnvelope(params)
}

// redeliveryCount reads the quorum queue delivery counter, classic queues only report the redelivered flag
func redeliveryCount(d amqp.Delivery) uint {
	switch count := d.Headers[headerDeliveryCount].(type) {
	case int64:
		return uint(max(count, 0))
	case int32:
		return uint(max(count, 0))
	case int:
		return uint(max(count, 0))
	}

	if d.Redelivered {
		return 1
	}
	return 0
}
