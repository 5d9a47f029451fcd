package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	AckModeAuto AckMode = iota
	AckModeManual
)

var (
	ErrAlreadyResolved      = errors.New("delivery already resolved")
	ErrAcknowledgmentFailed = errors.New("acknowledgment failed")
	ErrHandlerFault         = errors.New("handler fault")
	ErrDecodeFailed         = errors.New("decode failed")
)

type (
	AckMode int

	// Settler passes the final disposition of a delivery to its source.
	Settler interface {
		Settle(ctx context.Context, env *Envelope, d Disposition) error
	}

	SettlerFunc func(ctx context.Context, env *Envelope, d Disposition) error
)

func (f SettlerFunc) Settle(ctx context.Context, env *Envelope, d Disposition) error {
	return f(ctx, env, d)
}

// NewSessionSettler serializes settle calls of every handle sharing one source session.
func NewSessionSettler(settler Settler) Settler {
	return &sessionSettler{
		mutex: &sync.Mutex{},
		impl:  settler,
	}
}

type sessionSettler struct {
	mutex *sync.Mutex
	impl  Settler
}

func (s *sessionSettler) Settle(ctx context.Context, env *Envelope, d Disposition) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.impl.Settle(ctx, env, d)
}

// AckHandle is a one-shot capability to resolve a single delivery.
type AckHandle struct {
	envelope *Envelope
	settler  Settler

	mutex       *sync.Mutex
	mode        AckMode
	resolved    bool
	disposition Disposition
	failure     error
}

func NewAckHandle(env *Envelope, settler Settler) *AckHandle {
	return &AckHandle{
		envelope: env,
		settler:  settler,
		mutex:    &sync.Mutex{},
		mode:     AckModeAuto,
	}
}

// NoAutoAck makes the handler responsible for resolving the delivery before it returns.
func (h *AckHandle) NoAutoAck() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.mode = AckModeManual
}

func (h *AckHandle) Mode() AckMode {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.mode
}

func (h *AckHandle) Accept(ctx context.Context) error {
	return h.Resolve(ctx, DispositionAccept)
}

func (h *AckHandle) Requeue(ctx context.Context) error {
	return h.Resolve(ctx, DispositionRequeue)
}

func (h *AckHandle) Reject(ctx context.Context) error {
	return h.Resolve(ctx, DispositionReject)
}

// Resolve settles the delivery at the source. The handle becomes terminal even when the source fails:
// such a delivery stays unacknowledged and the source redelivers it.
func (h *AckHandle) Resolve(ctx context.Context, d Disposition) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.resolved {
		return fmt.Errorf("%w: message %s already settled as %s", ErrAlreadyResolved, h.envelope.ID(), h.disposition)
	}
	h.resolved = true
	h.disposition = d

	err := h.settler.Settle(ctx, h.envelope, d)
	if err != nil {
		h.failure = err
		return fmt.Errorf("%w: %s message %s: %w", ErrAcknowledgmentFailed, d, h.envelope.ID(), err)
	}

	return nil
}

func (h *AckHandle) IsResolved() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.resolved
}

// Disposition returns the requested disposition and whether the source accepted it.
func (h *AckHandle) Disposition() (d Disposition, settled bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.disposition, h.resolved && h.failure == nil
}

func (h *AckHandle) Envelope() *Envelope {
	return h.envelope
}

// BatchAckHandle resolves every delivery of a batch with a single disposition.
type BatchAckHandle struct {
	mutex    *sync.Mutex
	handles  []*AckHandle
	mode     AckMode
	resolved bool
}

func NewBatchAckHandle(envs []*Envelope, settler Settler) *BatchAckHandle {
	handles := make([]*AckHandle, 0, len(envs))
	for _, env := range envs {
		handles = append(handles, NewAckHandle(env, settler))
	}

	return &BatchAckHandle{
		mutex:   &sync.Mutex{},
		handles: handles,
		mode:    AckModeAuto,
	}
}

func (h *BatchAckHandle) NoAutoAck() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.mode = AckModeManual
}

func (h *BatchAckHandle) Mode() AckMode {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.mode
}

func (h *BatchAckHandle) Accept(ctx context.Context) error {
	return h.Resolve(ctx, DispositionAccept)
}

func (h *BatchAckHandle) Requeue(ctx context.Context) error {
	return h.Resolve(ctx, DispositionRequeue)
}

func (h *BatchAckHandle) Reject(ctx context.Context) error {
	return h.Resolve(ctx, DispositionReject)
}

func (h *BatchAckHandle) Resolve(ctx context.Context, d Disposition) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.resolved {
		return fmt.Errorf("%w: batch of %d already settled", ErrAlreadyResolved, len(h.handles))
	}
	h.resolved = true

	var errs []error
	for _, handle := range h.handles {
		if err := handle.Resolve(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (h *BatchAckHandle) IsResolved() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.resolved
}

func (h *BatchAckHandle) Handles() []*AckHandle {
	return h.handles
}
