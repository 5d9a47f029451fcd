package sensor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/klwxsrx/go-stream-binder/internal/sensor"
	"github.com/klwxsrx/go-stream-binder/pkg/log"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
	pkgmessagemock "github.com/klwxsrx/go-stream-binder/pkg/message/mock"
)

func TestToCelsius(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     sensor.Reading
		expect sensor.Reading
	}{
		{
			name:   "freezing point",
			in:     sensor.Reading{SensorID: "s", Temperature: 32, BaseUnit: sensor.BaseUnitFahrenheit},
			expect: sensor.Reading{SensorID: "s", Temperature: 0, BaseUnit: sensor.BaseUnitCelsius},
		},
		{
			name:   "boiling point",
			in:     sensor.Reading{Temperature: 212, BaseUnit: sensor.BaseUnitFahrenheit},
			expect: sensor.Reading{Temperature: 100, BaseUnit: sensor.BaseUnitCelsius},
		},
		{
			name:   "already celsius",
			in:     sensor.Reading{Temperature: 21, BaseUnit: sensor.BaseUnitCelsius},
			expect: sensor.Reading{Temperature: 21, BaseUnit: sensor.BaseUnitCelsius},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expect, sensor.ToCelsius(tt.in))
		})
	}
}

func TestConverter_EmitsCelsiusReading(t *testing.T) {
	t.Parallel()

	env := message.NewEnvelope(message.EnvelopeParams{
		Destination: "sensor/temperature/fahrenheit",
		Payload:     []byte(`{"sensorID":"s1","temperature":50,"baseUnit":"FAHRENHEIT","timestamp":7}`),
	})
	d := message.NewDelivery(env, message.NewAckHandle(env, nil), "sensor/temperature/celsius")

	outcome := sensor.Converter(log.New(log.LevelDisabled))(context.Background(), d)
	require.False(t, outcome.IsFault())

	emitted := d.Emitted()
	require.Len(t, emitted, 1)
	var got sensor.Reading
	require.NoError(t, json.Unmarshal(emitted[0].Payload, &got))
	assert.Equal(t, sensor.Reading{SensorID: "s1", Temperature: 10, BaseUnit: sensor.BaseUnitCelsius, Timestamp: 7}, got)
}

func TestDecoder_SubstitutesNullPayload(t *testing.T) {
	t.Parallel()

	env := message.NewEnvelope(message.EnvelopeParams{
		Destination: "sensor/temperature/99",
		Headers:     message.Headers{message.HeaderNullPayload: "true"},
	})

	reading, err := sensor.Decoder().Decode(env)
	require.NoError(t, err)
	assert.Equal(t, sensor.Reading{}, reading)

	_, err = sensor.Decoder().Decode(message.NewEnvelope(message.EnvelopeParams{Destination: "sensor/temperature/99"}))
	assert.ErrorIs(t, err, message.ErrDecodeFailed)
}

func TestSink_AcceptsNullPayload(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	env := message.NewEnvelope(message.EnvelopeParams{
		Destination: "sensor/temperature/99",
		Headers:     message.Headers{message.HeaderNullPayload: "true"},
	})

	outcome := sensor.Sink(log.New(log.LevelInfo, log.WithOutput(buf)))(
		context.Background(),
		message.NewDelivery(env, message.NewAckHandle(env, nil), ""),
	)

	assert.Equal(t, message.DispositionAccept, outcome.Disposition())
	assert.Contains(t, buf.String(), "reading received")
}

func TestSource_EmitsFahrenheitReading(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	producer := pkgmessagemock.NewProducer(ctrl)
	source := sensor.NewSource(producer, "sensor/temperature/fahrenheit", log.New(log.LevelDisabled))

	produced := make(chan *message.OutboundMessage, 1)
	producer.EXPECT().Produce(gomock.Any(), gomock.Any()).
		Do(func(_ context.Context, msgs ...*message.OutboundMessage) {
			produced <- msgs[0]
		}).
		Return(nil)

	require.NoError(t, source.Emit(context.Background()))

	msg := <-produced
	assert.Equal(t, message.Topic("sensor/temperature/fahrenheit"), msg.Topic)

	var reading sensor.Reading
	require.NoError(t, json.Unmarshal(msg.Payload, &reading))
	assert.Equal(t, sensor.BaseUnitFahrenheit, reading.BaseUnit)
	assert.NotEmpty(t, reading.SensorID)
	assert.NotZero(t, reading.Timestamp)
	assert.GreaterOrEqual(t, reading.Temperature, 10.0)
	assert.LessOrEqual(t, reading.Temperature, 90.0)
}

func TestSource_JobKeepsRunningAfterFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	producer := pkgmessagemock.NewProducer(ctrl)
	source := sensor.NewSource(producer, "sensor/temperature/fahrenheit", log.New(log.LevelDisabled))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	producer.EXPECT().Produce(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, ...*message.OutboundMessage) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return errors.New("unavailable")
		}).
		MinTimes(2)

	err := source.Job(time.Millisecond)(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
