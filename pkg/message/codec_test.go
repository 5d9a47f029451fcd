package message_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

type reading struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func TestNullPayloadDecoder(t *testing.T) {
	t.Parallel()
	decoder := message.NullPayloadDecoder(message.JSONDecoder[reading](), func() reading {
		return reading{Unit: "none"}
	})

	tests := []struct {
		name     string
		payload  []byte
		headers  message.Headers
		expected reading
		fails    bool
	}{
		{
			name:     "null payload header substitutes sentinel",
			payload:  []byte("not even json"),
			headers:  message.Headers{message.HeaderNullPayload: "true"},
			expected: reading{Unit: "none"},
		},
		{
			name:     "empty payload with header",
			payload:  nil,
			headers:  message.Headers{message.HeaderNullPayload: "true"},
			expected: reading{Unit: "none"},
		},
		{
			name:     "regular payload",
			payload:  []byte(`{"value":100,"unit":"F"}`),
			expected: reading{Value: 100, Unit: "F"},
		},
		{
			name:    "malformed payload without header",
			payload: []byte("{"),
			fails:   true,
		},
		{
			name:    "header set to false",
			payload: []byte("{"),
			headers: message.Headers{message.HeaderNullPayload: "false"},
			fails:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := message.NewEnvelope(message.EnvelopeParams{Payload: tt.payload, Headers: tt.headers})

			result, err := decoder.Decode(env)
			if tt.fails {
				assert.ErrorIs(t, err, message.ErrDecodeFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestJSONEncoder(t *testing.T) {
	t.Parallel()

	data, err := message.JSONEncoder[reading]().Encode(reading{Value: 37.5, Unit: "C"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":37.5,"unit":"C"}`, string(data))
}
