package errorhandling

import (
	"context"
	"errors"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	BindingFunctionOne = "functionOne"
	BindingFunctionTwo = "functionTwo"

	SinkBinderSpecific = "binderSpecificErrorHandler"
	SinkDefault        = "defaultErrorHandler"
)

var ErrAlwaysFails = errors.New("exception thrown")

// FailingConsumer logs the payload and always faults, so every message reaches an error sink.
func FailingConsumer(binding string, logger log.Logger) message.Handler {
	return message.ConsumerHandler(message.StringDecoder(), func(ctx context.Context, payload string) error {
		logger.With(log.Fields{
			"binding": binding,
			"payload": payload,
		}).Info(ctx, "received message")
		return ErrAlwaysFails
	})
}

// Sinks returns the error sinks by the names bindings refer to.
func Sinks(logger log.Logger) map[string]message.ErrorSink {
	return map[string]message.ErrorSink{
		SinkBinderSpecific: sink(logger, "received error message on binder-specific error handler"),
		SinkDefault:        sink(logger, "received error message on default error handler"),
	}
}

func sink(logger log.Logger, msg string) message.ErrorSink {
	return func(ctx context.Context, e *message.ErrorEnvelope) {
		logger.With(log.Fields{
			"binding":         e.Binding,
			"originalID":      e.Original.ID(),
			"originalPayload": string(e.Original.Payload()),
		}).WithError(e.Cause).Info(ctx, msg)
	}
}
