//go:generate ${TOOLS_BIN}/mockgen -source ${GOFILE} -destination mock/${GOFILE} -package mock -mock_names "Producer=Producer"
package message

import (
	"context"

	"github.com/google/uuid"
)

type Producer interface {
	Produce(ctx context.Context, msgs ...*OutboundMessage) error
}

type OutboundMessage struct {
	ID    uuid.UUID
	Topic Topic
	// Key is used for partitioning by binders that support it
	Key     string
	Payload []byte
	Headers Headers
}

func NewOutboundMessage(topic Topic, payload []byte, headers Headers) *OutboundMessage {
	return &OutboundMessage{
		ID:      uuid.New(),
		Topic:   topic,
		Payload: payload,
		Headers: headers.Clone(),
	}
}

// Destination resolves the target destination header against the message topic.
func (m *OutboundMessage) Destination() Topic {
	if target, ok := m.Headers.Lookup(HeaderTargetDestination); ok && target != "" {
		return Topic(target)
	}

	return m.Topic
}

// TransportHeaders returns headers to be written on the wire, including the message id.
func (m *OutboundMessage) TransportHeaders() Headers {
	headers := m.Headers.Clone()
	delete(headers, HeaderTargetDestination)
	headers[HeaderMessageID] = m.ID.String()
	return headers
}
