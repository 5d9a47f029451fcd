package manualack

import (
	"context"
	"time"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	BindingName = "manualAckFunction"

	CorrelationAccept  = "accept"
	CorrelationRequeue = "requeue"

	ReplyAccepted = "Accepted the Message"
	ReplyRequeued = "Requeuing the Message"
	ReplyRejected = "Rejecting the Message"

	DefaultRejectDelay = 10 * time.Second
)

type (
	// Sleep blocks for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	Option func(*Function)
)

// Function resolves every delivery itself, the correlation id picks the disposition.
// Unknown or missing correlation ids are rejected.
type Function struct {
	logger      log.Logger
	rejectDelay time.Duration
	sleep       Sleep
}

func NewFunction(logger log.Logger, opts ...Option) *Function {
	f := &Function{
		logger:      logger,
		rejectDelay: DefaultRejectDelay,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *Function) Handle(ctx context.Context, d *message.Delivery) message.Outcome {
	d.Ack.NoAutoAck()

	cid, _ := d.CorrelationID()
	logger := f.logger.With(log.Fields{
		"destination":   d.Destination(),
		"messageID":     d.ID(),
		"correlationID": cid,
	})
	logger.Info(ctx, "received message")

	reply, err := f.resolve(ctx, logger, d.Ack, cid)
	if err != nil {
		logger.WithError(err).Warn(ctx, "acknowledgment failed, message will be redelivered by the broker")
		return message.Accept()
	}

	if err = d.Emit([]byte(reply), nil); err != nil {
		return message.Fault(err)
	}

	return message.Accept()
}

func (f *Function) resolve(ctx context.Context, logger log.Logger, ack *message.AckHandle, cid string) (string, error) {
	switch cid {
	case CorrelationAccept:
		logger.Info(ctx, "accepting the message")
		return ReplyAccepted, ack.Accept(ctx)
	case CorrelationRequeue:
		logger.Info(ctx, "requeuing the message")
		return ReplyRequeued, ack.Requeue(ctx)
	default:
		logger.Info(ctx, "rejecting the message")
		if err := ack.Reject(ctx); err != nil {
			return "", err
		}
		if err := f.sleep(ctx, f.rejectDelay); err != nil {
			return "", err
		}

		return ReplyRejected, nil
	}
}

func WithRejectDelay(d time.Duration) Option {
	return func(f *Function) {
		f.rejectDelay = d
	}
}

func WithSleep(sleep Sleep) Option {
	return func(f *Function) {
		f.sleep = sleep
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
