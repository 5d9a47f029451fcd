package sensor

import (
	"context"
	"fmt"

	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	BindingConverter = "convertFtoC"
	BindingSink      = "sink"

	BaseUnitCelsius    BaseUnit = "CELSIUS"
	BaseUnitFahrenheit BaseUnit = "FAHRENHEIT"
)

type (
	BaseUnit string

	Reading struct {
		SensorID    string   `json:"sensorID"`
		Temperature float64  `json:"temperature"`
		BaseUnit    BaseUnit `json:"baseUnit"`
		Timestamp   int64    `json:"timestamp"`
	}
)

func (r Reading) String() string {
	return fmt.Sprintf("SensorReading [sensorID=%s, temperature=%.2f, baseUnit=%s, timestamp=%d]",
		r.SensorID, r.Temperature, r.BaseUnit, r.Timestamp)
}

// ToCelsius converts a Fahrenheit reading, other readings are returned unchanged.
func ToCelsius(r Reading) Reading {
	if r.BaseUnit != BaseUnitFahrenheit {
		return r
	}

	r.Temperature = (r.Temperature - 32) * 5 / 9
	r.BaseUnit = BaseUnitCelsius
	return r
}

func Converter(logger log.Logger) message.Handler {
	return message.FunctionHandler(
		message.JSONDecoder[Reading](),
		message.JSONEncoder[Reading](),
		func(ctx context.Context, in Reading) (Reading, error) {
			logger.WithField("reading", in.String()).Info(ctx, "received")
			out := ToCelsius(in)
			logger.WithField("reading", out.String()).Info(ctx, "sending")
			return out, nil
		},
	)
}

// Decoder substitutes an empty reading for messages published without a payload.
func Decoder() message.Decoder[Reading] {
	return message.NullPayloadDecoder(message.JSONDecoder[Reading](), func() Reading {
		return Reading{}
	})
}

func Sink(logger log.Logger) message.Handler {
	return message.ConsumerHandler(Decoder(), func(ctx context.Context, r Reading) error {
		logger.WithField("reading", r.String()).Info(ctx, "reading received")
		return nil
	})
}
