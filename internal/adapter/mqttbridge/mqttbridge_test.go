package mqttbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithos-systems/petra/pkg/value"
)

func TestEncodeDecodeWireValueRoundTrip(t *testing.T) {
	cases := []value.Value{
		value.FromBool(true),
		value.FromInt32(42),
		value.FromFloat64(98.6),
	}
	for _, v := range cases {
		wv := encodeWireValue(v)
		got, err := decodeWireValue(wv)
		require.NoError(t, err)
		assert.Equal(t, v.Kind(), got.Kind())
		assert.True(t, v.Equal(got))
	}
}

func TestDecodeWireValueRejectsUnknownType(t *testing.T) {
	_, err := decodeWireValue(wireValue{Type: "string", Value: "hi"})
	assert.Error(t, err)
}

func TestDecodeWireValueRejectsTypeMismatch(t *testing.T) {
	_, err := decodeWireValue(wireValue{Type: "bool", Value: "not-a-bool"})
	assert.Error(t, err)
}

func TestNewBridgeNotConnectedBeforeRun(t *testing.T) {
	br := New(Config{Address: "nats://127.0.0.1:4222"}, nil)
	assert.False(t, br.Connected())
	health := br.CheckHealth(nil)
	assert.False(t, health.Healthy)
}
