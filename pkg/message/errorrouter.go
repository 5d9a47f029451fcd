package message

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
)

const (
	// UnroutedFaultLogAndDrop logs a fault without a sink and lets the delivery be rejected.
	UnroutedFaultLogAndDrop UnroutedFaultPolicy = iota
	// UnroutedFaultStop fails the dispatch loop with ErrNoErrorSink.
	UnroutedFaultStop
)

var ErrNoErrorSink = errors.New("no error sink for fault")

type (
	UnroutedFaultPolicy int

	ErrorEnvelope struct {
		Binding  string
		Original *Envelope
		Cause    error
	}

	ErrorSink func(ctx context.Context, msg *ErrorEnvelope)

	ErrorRouterOption func(*ErrorRouter)
)

type ErrorRouter struct {
	defaultSink  ErrorSink
	bindingSinks map[string]ErrorSink
	policy       UnroutedFaultPolicy

	OnRouted     []func(ctx context.Context, msg *ErrorEnvelope, bindingSpecific bool)
	OnUnrouted   []func(ctx context.Context, msg *ErrorEnvelope)
	OnSinkPanics []func(ctx context.Context, msg *ErrorEnvelope, panicMsg any, stack []byte)
}

func NewErrorRouter(opts ...ErrorRouterOption) *ErrorRouter {
	r := &ErrorRouter{
		bindingSinks: make(map[string]ErrorSink),
		policy:       UnroutedFaultLogAndDrop,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Route delivers the fault to the binding sink, then to the default one. It returns an error
// only for an unrouted fault under UnroutedFaultStop.
func (r *ErrorRouter) Route(ctx context.Context, binding string, env *Envelope, cause error) error {
	msg := &ErrorEnvelope{
		Binding:  binding,
		Original: env,
		Cause:    cause,
	}

	if sink, ok := r.bindingSinks[binding]; ok {
		r.deliver(ctx, sink, msg, true)
		return nil
	}
	if r.defaultSink != nil {
		r.deliver(ctx, r.defaultSink, msg, false)
		return nil
	}

	for _, fn := range r.OnUnrouted {
		fn(ctx, msg)
	}
	if r.policy == UnroutedFaultStop {
		return fmt.Errorf("%w: binding %s message %s: %w", ErrNoErrorSink, binding, env.ID(), cause)
	}

	return nil
}

func (r *ErrorRouter) HasSink(binding string) bool {
	_, ok := r.bindingSinks[binding]
	return ok || r.defaultSink != nil
}

func (r *ErrorRouter) deliver(ctx context.Context, sink ErrorSink, msg *ErrorEnvelope, bindingSpecific bool) {
	defer func() {
		panicMsg := recover()
		if panicMsg == nil {
			return
		}

		stack := debug.Stack()
		for _, fn := range r.OnSinkPanics {
			fn(ctx, msg, panicMsg, stack)
		}
	}()

	sink(ctx, msg)
	for _, fn := range r.OnRouted {
		fn(ctx, msg, bindingSpecific)
	}
}

func WithDefaultErrorSink(sink ErrorSink) ErrorRouterOption {
	return func(r *ErrorRouter) {
		r.defaultSink = sink
	}
}

func WithBindingErrorSink(binding string, sink ErrorSink) ErrorRouterOption {
	return func(r *ErrorRouter) {
		r.bindingSinks[binding] = sink
	}
}

func WithUnroutedFaultPolicy(policy UnroutedFaultPolicy) ErrorRouterOption {
	return func(r *ErrorRouter) {
		r.policy = policy
	}
}

func WithErrorRouterLogging(logger log.Logger) ErrorRouterOption {
	return func(r *ErrorRouter) {
		r.OnRouted = append(r.OnRouted, func(ctx context.Context, msg *ErrorEnvelope, bindingSpecific bool) {
			logger.
				With(log.Fields{
					"binding":         msg.Binding,
					"messageID":       msg.Original.ID(),
					"bindingSpecific": bindingSpecific,
				}).
				WithError(msg.Cause).
				Debug(ctx, "fault routed to error sink")
		})

		r.OnUnrouted = append(r.OnUnrouted, func(ctx context.Context, msg *ErrorEnvelope) {
			logger.
				With(log.Fields{
					"binding":   msg.Binding,
					"messageID": msg.Original.ID(),
					"topic":     msg.Original.Destination(),
				}).
				WithError(msg.Cause).
				Error(ctx, "fault has no error sink, dropping message")
		})

		r.OnSinkPanics = append(r.OnSinkPanics, func(ctx context.Context, msg *ErrorEnvelope, panicMsg any, stack []byte) {
			logger.
				With(log.Fields{
					"binding":   msg.Binding,
					"messageID": msg.Original.ID(),
				}).
				WithField("panic", log.Fields{
					"message": fmt.Sprintf("%v", panicMsg),
					"stack":   string(stack),
				}).
				Error(ctx, "error sink failed with panic")
		})
	}
}
