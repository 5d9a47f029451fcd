package message

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"

	pkgstrings "github.com/klwxsrx/go-stream-binder/pkg/strings"
)

const (
	HeaderMessageID         = "messageId"
	HeaderCorrelationID     = "correlationId"
	HeaderNullPayload       = "nullPayload"
	HeaderTargetDestination = "targetDestination"
	HeaderRedeliveryCount   = "redeliveryCount"
	HeaderContentType       = "contentType"
)

var (
	ErrHeaderNotFound = errors.New("header not found")
	ErrHeaderInvalid  = errors.New("header has invalid value")
)

type Headers map[string]string

func (h Headers) Lookup(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

func (h Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}

	return maps.Clone(h)
}

// HeaderValue returns the typed value of the header.
func HeaderValue[T any](h Headers, key string) (T, error) {
	var blank T
	str, ok := h[key]
	if !ok {
		return blank, fmt.Errorf("%w: %s", ErrHeaderNotFound, key)
	}

	v, err := pkgstrings.ParseTypedValue[T](str)
	if err != nil {
		return blank, fmt.Errorf("%w: %s: %w", ErrHeaderInvalid, key, err)
	}

	return v, nil
}

type EnvelopeParams struct {
	ID              uuid.UUID
	Destination     Topic
	Payload         []byte
	CorrelationID   *string
	Redelivered     bool
	RedeliveryCount uint
	Headers         Headers
}

// Envelope is a received message with its delivery metadata. It is never modified after receipt.
type Envelope struct {
	id              uuid.UUID
	destination     Topic
	payload         []byte
	correlationID   *string
	redelivered     bool
	redeliveryCount uint
	headers         Headers
}

func NewEnvelope(params EnvelopeParams) *Envelope {
	headers := params.Headers.Clone()

	id := params.ID
	if id == uuid.Nil {
		if parsed, err := HeaderValue[uuid.UUID](headers, HeaderMessageID); err == nil {
			id = parsed
		} else {
			id = uuid.New()
		}
	}

	correlationID := params.CorrelationID
	if correlationID == nil {
		if v, ok := headers[HeaderCorrelationID]; ok {
			correlationID = &v
		}
	}

	return &Envelope{
		id:              id,
		destination:     params.Destination,
		payload:         params.Payload,
		correlationID:   correlationID,
		redelivered:     params.Redelivered || params.RedeliveryCount > 0,
		redeliveryCount: params.RedeliveryCount,
		headers:         headers,
	}
}

func (e *Envelope) ID() uuid.UUID {
	return e.id
}

func (e *Envelope) Destination() Topic {
	return e.destination
}

// Payload returns the raw payload, callers must not modify it.
func (e *Envelope) Payload() []byte {
	return e.payload
}

func (e *Envelope) CorrelationID() (string, bool) {
	if e.correlationID == nil {
		return "", false
	}

	return *e.correlationID, true
}

func (e *Envelope) Redelivered() bool {
	return e.redelivered
}

func (e *Envelope) RedeliveryCount() uint {
	return e.redeliveryCount
}

func (e *Envelope) Headers() Headers {
	return e.headers.Clone()
}

func (e *Envelope) Header(key string) (string, bool) {
	return e.headers.Lookup(key)
}

// IsNullPayload reports whether the source marked the message as carrying no payload.
func (e *Envelope) IsNullPayload() bool {
	v, err := HeaderValue[bool](e.headers, HeaderNullPayload)
	return err == nil && v
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s@%s(redelivery=%d)", e.id, e.destination, e.redeliveryCount)
}
