// Package envelope defines the on-disk encrypted record wrapped around a
// cache entry's encoded bytes: a small JSON header carrying the key
// version and nonce around an AES-256-GCM sealed payload (spec §4.7).
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/sheetforge/sheetguard/pkg/cryptobox"
)

const marker = "sheetguard-cache-envelope"

// currentVersion is the only envelope shape this build knows how to seal.
// Decode accepts any Version <= currentVersion it recognizes and treats
// anything newer as a forward-compatible miss rather than a hard error.
const currentVersion = 1

// Payload carries the sealed bytes and the key generation that sealed them.
// Go's cipher.AEAD appends the authentication tag to the ciphertext it
// returns, so Tag is not populated separately; it is kept as a field so a
// future cipher choice that does expose the tag independently has somewhere
// to put it without changing the envelope shape.
type Payload struct {
	KeyVersion int    `json:"keyVersion"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// Envelope is the full on-disk record.
type Envelope struct {
	Marker  string  `json:"marker"`
	Version int     `json:"v"`
	Payload Payload `json:"payload"`
}

// AAD is the additional authenticated data bound into every sealed payload,
// pinning ciphertext to the context it was written under so a value moved
// between stores or schema versions fails to decrypt instead of silently
// decoding as something else.
type AAD struct {
	Scope         string `json:"scope"`
	SchemaVersion int    `json:"schemaVersion"`
	StoreID       string `json:"storeId,omitempty"`
}

// CanonicalAAD renders AAD as its deterministic JSON encoding. Go's
// json.Marshal always emits struct fields in declaration order, which is
// sufficient determinism for a value that is never compared byte-for-byte
// against anything but its own re-derivation.
func CanonicalAAD(schemaVersion int, storeID string) []byte {
	b, _ := json.Marshal(AAD{Scope: "power-query-cache", SchemaVersion: schemaVersion, StoreID: storeID})
	return b
}

// Seal encrypts plaintext under box and wraps it in an Envelope tagged with
// keyVersion, so a later key rotation can identify which generation sealed
// a given entry.
func Seal(box *cryptobox.Box, keyVersion int, plaintext, aad []byte) (Envelope, error) {
	sealed, err := box.Seal(plaintext, aad)
	if err != nil {
		return Envelope{}, err
	}
	const nonceSize = 12
	if len(sealed) < nonceSize {
		return Envelope{}, fmt.Errorf("envelope: sealed output shorter than nonce")
	}
	return Envelope{
		Marker:  marker,
		Version: currentVersion,
		Payload: Payload{
			KeyVersion: keyVersion,
			IV:         append([]byte(nil), sealed[:nonceSize]...),
			Ciphertext: append([]byte(nil), sealed[nonceSize:]...),
		},
	}, nil
}

// ErrUnknownVersion marks an envelope newer than this build understands.
// Callers must treat it as a miss and leave the entry alone (spec §4.7
// forward-compatibility requirement), not delete it.
var ErrUnknownVersion = fmt.Errorf("envelope: unknown version")

// ErrNotAnEnvelope marks bytes that are not a recognizable envelope at all.
var ErrNotAnEnvelope = fmt.Errorf("envelope: not an envelope")

// Decode parses the JSON envelope wrapper without attempting to open it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Marker != marker {
		return Envelope{}, ErrNotAnEnvelope
	}
	if env.Version > currentVersion {
		return Envelope{}, ErrUnknownVersion
	}
	return env, nil
}

// Open decrypts an already-decoded Envelope with box, which must be keyed
// for env.Payload.KeyVersion. A key, AAD, or ciphertext mismatch surfaces as
// cryptobox.ErrAuthFailed so callers can treat it as a miss plus a
// best-effort delete rather than a hard failure.
func Open(box *cryptobox.Box, env Envelope, aad []byte) ([]byte, error) {
	combined := make([]byte, 0, len(env.Payload.IV)+len(env.Payload.Ciphertext))
	combined = append(combined, env.Payload.IV...)
	combined = append(combined, env.Payload.Ciphertext...)
	return box.Open(combined, aad)
}

// Marshal renders an Envelope to its on-disk JSON bytes.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
