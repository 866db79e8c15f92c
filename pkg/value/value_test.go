package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversions(t *testing.T) {
	require.Equal(t, int32(1), FromBool(true).Int32())
	require.Equal(t, int32(0), FromBool(false).Int32())
	require.Equal(t, 1.0, FromBool(true).Float64())

	require.True(t, FromInt32(5).Bool())
	require.False(t, FromInt32(0).Bool())
	require.Equal(t, 5.0, FromInt32(5).Float64())

	require.True(t, FromFloat64(0.5).Bool())
	require.False(t, FromFloat64(0.0).Bool())
	require.Equal(t, int32(3), FromFloat64(3.9).Int32())
}

func TestEqualRequiresSameTag(t *testing.T) {
	assert.False(t, FromBool(true).Equal(FromInt32(1)))
	assert.True(t, FromInt32(7).Equal(FromInt32(7)))
	assert.True(t, FromFloat64(1.5).Equal(FromFloat64(1.5)))
}

func TestNaNNeverEqual(t *testing.T) {
	nan := FromFloat64(math.NaN())
	assert.False(t, nan.Equal(nan))
	assert.True(t, nan.IsNaN())
}

func TestString(t *testing.T) {
	assert.Equal(t, "true", FromBool(true).String())
	assert.Equal(t, "42", FromInt32(42).String())
	assert.Equal(t, "98.600", FromFloat64(98.6).String())
}
