// Package cryptobox implements at-rest encryption for cached values:
// AES-256-GCM with per-store subkeys derived from a root key via HKDF
// (RFC 5869), so a single root secret never touches the cipher directly and
// compromising one store's derived key does not expose the others.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // standard GCM nonce
)

// DeriveKey expands root into a 32-byte AES-256 key scoped to info via
// HKDF-SHA256. The same (root, info) pair always yields the same key;
// different info values yield independent keys even from the same root.
func DeriveKey(root []byte, info string) ([]byte, error) {
	if len(root) == 0 {
		return nil, fmt.Errorf("cryptobox: empty root key")
	}
	reader := hkdf.New(sha256.New, root, nil, []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("cryptobox: deriving key: %w", err)
	}
	return key, nil
}

// Box seals and opens values with a single derived key, binding additional
// authenticated data (AAD) that callers use to pin ciphertext to the
// context it was written under (store id, schema version, scope).
type Box struct {
	gcm cipher.AEAD
}

// NewBox builds a Box from a 32-byte AES-256 key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("cryptobox: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: constructing cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: constructing gcm: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning a fresh-nonce-prefixed ciphertext:
// [nonce][ciphertext+tag]. The nonce is generated per call via crypto/rand.
func (b *Box) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: generating nonce: %w", err)
	}
	sealed := b.gcm.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// ErrAuthFailed is returned when the ciphertext, AAD, or key do not match:
// a tampered payload, a key rotated out from under it, or an AAD that no
// longer reflects the context the value was written under.
var ErrAuthFailed = fmt.Errorf("cryptobox: authentication failed")

// Open decrypts a value produced by Seal. A mismatched key or AAD surfaces
// as ErrAuthFailed, letting callers treat it as a cache miss rather than a
// hard error.
func (b *Box) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrAuthFailed
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
