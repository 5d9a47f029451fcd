package message

import (
	"context"
	"fmt"
)

type (
	// Handler returns the outcome of a single delivery. A handler in manual mode resolves d.Ack itself.
	Handler func(ctx context.Context, d *Delivery) Outcome

	// BatchHandler returns the outcome of a whole batch.
	BatchHandler func(ctx context.Context, b *Batch) Outcome

	Function[T, R any] func(ctx context.Context, in T) (R, error)
)

// Compose chains two functions into one.
func Compose[A, B, C any](first Function[A, B], second Function[B, C]) Function[A, C] {
	return func(ctx context.Context, in A) (C, error) {
		mid, err := first(ctx, in)
		if err != nil {
			var blank C
			return blank, err
		}

		return second(ctx, mid)
	}
}

// ConsumerHandler adapts a side-effect only consumer.
func ConsumerHandler[T any](decoder Decoder[T], fn func(ctx context.Context, payload T) error) Handler {
	return func(ctx context.Context, d *Delivery) Outcome {
		payload, err := decoder.Decode(d.Envelope)
		if err != nil {
			return Fault(err)
		}

		return OutcomeOf(fn(ctx, payload))
	}
}

// FunctionHandler adapts a function whose result is emitted to the binding output.
func FunctionHandler[T, R any](decoder Decoder[T], encoder Encoder[R], fn Function[T, R]) Handler {
	return func(ctx context.Context, d *Delivery) Outcome {
		payload, err := decoder.Decode(d.Envelope)
		if err != nil {
			return Fault(err)
		}

		result, err := fn(ctx, payload)
		if err != nil {
			return Fault(err)
		}

		data, err := encoder.Encode(result)
		if err != nil {
			return Fault(err)
		}
		if err = d.Emit(data, nil); err != nil {
			return Fault(err)
		}

		return Accept()
	}
}

// ForwardHandler re-publishes every delivery unchanged to the binding output.
func ForwardHandler() Handler {
	return func(_ context.Context, d *Delivery) Outcome {
		headers := d.Headers()
		delete(headers, HeaderMessageID)
		delete(headers, HeaderRedeliveryCount)

		if err := d.Emit(d.Payload(), headers); err != nil {
			return Fault(err)
		}

		return Accept()
	}
}

func BatchConsumerHandler[T any](
	decoder Decoder[T],
	fn func(ctx context.Context, payloads []T, headers []Headers) error,
) BatchHandler {
	return func(ctx context.Context, b *Batch) Outcome {
		payloads, err := decodeBatch(decoder, b)
		if err != nil {
			return Fault(err)
		}

		return OutcomeOf(fn(ctx, payloads, b.Headers()))
	}
}

func BatchFunctionHandler[T, R any](decoder Decoder[T], encoder Encoder[R], fn Function[[]T, []R]) BatchHandler {
	return func(ctx context.Context, b *Batch) Outcome {
		payloads, err := decodeBatch(decoder, b)
		if err != nil {
			return Fault(err)
		}

		results, err := fn(ctx, payloads)
		if err != nil {
			return Fault(err)
		}

		for _, result := range results {
			data, err := encoder.Encode(result)
			if err != nil {
				return Fault(err)
			}
			if err = b.Emit(data, nil); err != nil {
				return Fault(err)
			}
		}

		return Accept()
	}
}

func decodeBatch[T any](decoder Decoder[T], b *Batch) ([]T, error) {
	result := make([]T, 0, b.Len())
	for i, env := range b.Envelopes() {
		v, err := decoder.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		result = append(result, v)
	}

	return result, nil
}
