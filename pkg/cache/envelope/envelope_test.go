package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetforge/sheetguard/pkg/cryptobox"
)

func testBox(t *testing.T) *cryptobox.Box {
	key, err := cryptobox.DeriveKey([]byte("root secret"), "store:orders")
	require.NoError(t, err)
	box, err := cryptobox.NewBox(key)
	require.NoError(t, err)
	return box
}

func TestSealDecodeOpenRoundTrip(t *testing.T) {
	box := testBox(t)
	aad := CanonicalAAD(1, "orders")

	env, err := Seal(box, 3, []byte("cached bytes"), aad)
	require.NoError(t, err)
	assert.Equal(t, currentVersion, env.Version)
	assert.Equal(t, 3, env.Payload.KeyVersion)

	raw, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Decode(raw)
	require.NoError(t, err)

	plaintext, err := Open(box, decoded, aad)
	require.NoError(t, err)
	assert.Equal(t, "cached bytes", string(plaintext))
}

func TestOpenFailsOnAADDrift(t *testing.T) {
	box := testBox(t)
	env, err := Seal(box, 1, []byte("secret"), CanonicalAAD(1, "orders"))
	require.NoError(t, err)

	_, err = Open(box, env, CanonicalAAD(2, "orders"))
	assert.ErrorIs(t, err, cryptobox.ErrAuthFailed)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	box := testBox(t)
	env, err := Seal(box, 1, []byte("secret"), nil)
	require.NoError(t, err)
	env.Version = currentVersion + 1
	raw, err := Marshal(env)
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecodeRejectsNonEnvelopeBytes(t *testing.T) {
	_, err := Decode([]byte(`{"hello":"world"}`))
	assert.ErrorIs(t, err, ErrNotAnEnvelope)
}
