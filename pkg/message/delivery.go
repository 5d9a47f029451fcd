package message

import (
	"errors"
	"fmt"
	"sync"
)

var ErrNoOutput = errors.New("binding has no output destination")

type emitter struct {
	output        Topic
	correlationID *string

	mutex *sync.Mutex
	msgs  []*OutboundMessage
}

func newEmitter(output Topic, correlationID *string) emitter {
	return emitter{
		output:        output,
		correlationID: correlationID,
		mutex:         &sync.Mutex{},
	}
}

func (e *emitter) Output() Topic {
	return e.output
}

// Emit stages a message for the binding output. A target destination header overrides the output.
// Staged messages are released after a successful handling only.
func (e *emitter) Emit(payload []byte, headers Headers) error {
	_, hasTarget := headers.Lookup(HeaderTargetDestination)
	if e.output == "" && !hasTarget {
		return ErrNoOutput
	}

	e.EmitTo(e.output, payload, headers)
	return nil
}

// EmitTo stages a message for an arbitrary destination.
func (e *emitter) EmitTo(topic Topic, payload []byte, headers Headers) {
	msg := NewOutboundMessage(topic, payload, headers)
	if _, ok := msg.Headers[HeaderCorrelationID]; !ok && e.correlationID != nil {
		msg.Headers[HeaderCorrelationID] = *e.correlationID
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.msgs = append(e.msgs, msg)
}

func (e *emitter) Emitted() []*OutboundMessage {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	result := make([]*OutboundMessage, len(e.msgs))
	copy(result, e.msgs)
	return result
}

// Delivery is what a single-mode handler receives: the envelope, its ack handle and an output emitter.
type Delivery struct {
	*Envelope
	emitter
	Ack *AckHandle
}

func NewDelivery(env *Envelope, ack *AckHandle, output Topic) *Delivery {
	return &Delivery{
		Envelope: env,
		emitter:  newEmitter(output, env.correlationID),
		Ack:      ack,
	}
}

// Batch is an ordered group of envelopes settled as one unit.
type Batch struct {
	emitter
	envelopes []*Envelope
	Ack       *BatchAckHandle
}

func NewBatch(envs []*Envelope, ack *BatchAckHandle, output Topic) *Batch {
	return &Batch{
		emitter:   newEmitter(output, nil),
		envelopes: envs,
		Ack:       ack,
	}
}

func (b *Batch) Len() int {
	return len(b.envelopes)
}

func (b *Batch) Envelopes() []*Envelope {
	return b.envelopes
}

func (b *Batch) Payloads() [][]byte {
	result := make([][]byte, 0, len(b.envelopes))
	for _, env := range b.envelopes {
		result = append(result, env.Payload())
	}

	return result
}

// Headers returns per-item headers, index-aligned with Payloads.
func (b *Batch) Headers() []Headers {
	result := make([]Headers, 0, len(b.envelopes))
	for _, env := range b.envelopes {
		result = append(result, env.Headers())
	}

	return result
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch(%d)", len(b.envelopes))
}
