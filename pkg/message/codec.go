package message

import (
	"encoding/json"
	"fmt"
)

type (
	Decoder[T any] interface {
		Decode(env *Envelope) (T, error)
	}

	Encoder[T any] interface {
		Encode(v T) ([]byte, error)
	}

	DecoderFunc[T any] func(env *Envelope) (T, error)
	EncoderFunc[T any] func(v T) ([]byte, error)
)

func (f DecoderFunc[T]) Decode(env *Envelope) (T, error) {
	return f(env)
}

func (f EncoderFunc[T]) Encode(v T) ([]byte, error) {
	return f(v)
}

func JSONDecoder[T any]() Decoder[T] {
	return DecoderFunc[T](func(env *Envelope) (T, error) {
		var v T
		if err := json.Unmarshal(env.Payload(), &v); err != nil {
			return v, fmt.Errorf("%w: message %s to %T: %w", ErrDecodeFailed, env.ID(), v, err)
		}

		return v, nil
	})
}

func JSONEncoder[T any]() Encoder[T] {
	return EncoderFunc[T](func(v T) ([]byte, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}

		return data, nil
	})
}

func StringDecoder() Decoder[string] {
	return DecoderFunc[string](func(env *Envelope) (string, error) {
		return string(env.Payload()), nil
	})
}

func StringEncoder() Encoder[string] {
	return EncoderFunc[string](func(v string) ([]byte, error) {
		return []byte(v), nil
	})
}

func BytesDecoder() Decoder[[]byte] {
	return DecoderFunc[[]byte](func(env *Envelope) ([]byte, error) {
		return env.Payload(), nil
	})
}

// NullPayloadDecoder substitutes sentinel for envelopes marked with the null payload header
// and delegates everything else to the inner decoder.
func NullPayloadDecoder[T any](inner Decoder[T], sentinel func() T) Decoder[T] {
	return DecoderFunc[T](func(env *Envelope) (T, error) {
		if env.IsNullPayload() {
			return sentinel(), nil
		}

		return inner.Decode(env)
	})
}
