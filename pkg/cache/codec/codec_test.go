package codec

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripScalarsAndStructure(t *testing.T) {
	value := map[string]any{
		"name":   "east-region",
		"amount": 105.5,
		"tags":   []any{"a", "b", "c"},
		"nested": map[string]any{"ok": true},
	}
	encoded, err := Encode(value)
	require.NoError(t, err)
	require.True(t, len(encoded) > 5)
	assert.Equal(t, magic[:], encoded[:4])
	assert.Equal(t, version, encoded[4])

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	out, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "east-region", out["name"])
	assert.Equal(t, 105.5, out["amount"])
}

func TestEncodeDecodeBinaryBuffer(t *testing.T) {
	value := map[string]any{"blob": []byte{1, 2, 3, 4, 5}}
	encoded, err := Encode(value)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	out := decoded.(map[string]any)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, out["blob"])
}

func TestEncodeDecodeNaNAndInf(t *testing.T) {
	value := map[string]any{"nan": math.NaN(), "pos": math.Inf(1), "neg": math.Inf(-1)}
	encoded, err := Encode(value)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	out := decoded.(map[string]any)
	assert.True(t, math.IsNaN(out["nan"].(float64)))
	assert.True(t, math.IsInf(out["pos"].(float64), 1))
	assert.True(t, math.IsInf(out["neg"].(float64), -1))
}

func TestEncodeDecodeDate(t *testing.T) {
	when := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	encoded, err := Encode(when)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	got, ok := decoded.(time.Time)
	require.True(t, ok)
	assert.True(t, when.Equal(got))
}

func TestEncodeDecodeSet(t *testing.T) {
	encoded, err := Encode(Set{"x", "y", "z"})
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	got, ok := decoded.(Set)
	require.True(t, ok)
	assert.Equal(t, Set{"x", "y", "z"}, got)
}

func TestEncodeDecodeMapValue(t *testing.T) {
	encoded, err := Encode(MapValue{{Key: "k1", Value: 1.0}, {Key: "k2", Value: 2.0}})
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	got, ok := decoded.(MapValue)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "k1", got[0].Key)
	assert.Equal(t, 1.0, got[0].Value)
}

func TestEncodeCircularReferenceFails(t *testing.T) {
	a := map[string]any{}
	a["self"] = a
	_, err := Encode(a)
	require.Error(t, err)
}

func TestEncodeUnsupportedValueFails(t *testing.T) {
	type unsupported struct{ X int }
	_, err := Encode(unsupported{X: 1})
	require.Error(t, err)
	var uv ErrUnsupportedValue
	require.ErrorAs(t, err, &uv)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("not a codec frame"))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	encoded, err := Encode(map[string]any{"a": 1.0})
	require.NoError(t, err)
	bad := append([]byte{}, encoded...)
	bad[4] = 99
	_, err = Decode(bad)
	require.Error(t, err)
}
