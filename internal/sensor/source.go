package sensor

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	pkgtime "github.com/klwxsrx/go-stream-binder/pkg/time"
	"github.com/klwxsrx/go-stream-binder/pkg/worker"
)

const (
	minFahrenheit = 10.0
	maxFahrenheit = 90.0
)

// Source publishes a random Fahrenheit reading of a single sensor on every tick.
type Source struct {
	producer message.Producer
	topic    message.Topic
	sensorID string
	clock    pkgtime.Clock
	random   func() float64
	logger   log.Logger
}

func NewSource(producer message.Producer, topic message.Topic, logger log.Logger) *Source {
	return &Source{
		producer: producer,
		topic:    topic,
		sensorID: uuid.NewString(),
		clock:    pkgtime.NewClock(),
		random:   rand.Float64,
		logger:   logger,
	}
}

func (s *Source) Emit(ctx context.Context) error {
	reading := Reading{
		SensorID:    s.sensorID,
		Temperature: minFahrenheit + s.random()*(maxFahrenheit-minFahrenheit),
		BaseUnit:    BaseUnitFahrenheit,
		Timestamp:   s.clock.Now(ctx).UnixMilli(),
	}

	data, err := message.JSONEncoder[Reading]().Encode(reading)
	if err != nil {
		return err
	}

	return s.producer.Produce(ctx, message.NewOutboundMessage(s.topic, data, nil))
}

// Job emits readings every interval until ctx is done. Failed emits are logged and skipped.
func (s *Source) Job(every time.Duration) worker.ErrorJob {
	return worker.PeriodicJob(func(ctx context.Context) {
		if err := s.Emit(ctx); err != nil {
			s.logger.WithError(err).Warn(ctx, "failed to emit sensor reading")
		}
	}, every)
}
