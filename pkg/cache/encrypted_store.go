package cache

import (
	"context"
	"errors"

	"github.com/sheetforge/sheetguard/pkg/cache/envelope"
	"github.com/sheetforge/sheetguard/pkg/cryptobox"
)

// EncryptedStore wraps an inner Store with AES-256-GCM envelope encryption
// over every value's bytes (spec §9 composition, not inheritance): the
// Manager sees only this outermost Store and never the plaintext backend.
type EncryptedStore struct {
	inner         Store
	box           *cryptobox.Box
	keyVersion    int
	schemaVersion int
	storeID       string
}

// NewEncryptedStore builds an EncryptedStore delegating persistence to
// inner. keyVersion is stamped into every envelope so a later key rotation
// can tell which generation sealed a given entry; schemaVersion and
// storeID are bound into the AAD so ciphertext cannot be replayed across
// schema changes or between stores.
func NewEncryptedStore(inner Store, box *cryptobox.Box, keyVersion, schemaVersion int, storeID string) *EncryptedStore {
	return &EncryptedStore{inner: inner, box: box, keyVersion: keyVersion, schemaVersion: schemaVersion, storeID: storeID}
}

func (s *EncryptedStore) aad() []byte {
	return envelope.CanonicalAAD(s.schemaVersion, s.storeID)
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, Entry, bool, error) {
	raw, entry, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, Entry{}, ok, err
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		if errors.Is(err, envelope.ErrUnknownVersion) {
			// Forward-compat: retained untouched, reported as a miss.
			return nil, Entry{}, false, nil
		}
		// Not a recognizable envelope at all: corrupted, best-effort delete.
		_ = s.inner.Delete(ctx, key)
		return nil, Entry{}, false, nil
	}

	plaintext, err := envelope.Open(s.box, env, s.aad())
	if err != nil {
		// Wrong key, tampered ciphertext, or mismatched AAD.
		_ = s.inner.Delete(ctx, key)
		return nil, Entry{}, false, nil
	}
	return plaintext, entry, true, nil
}

func (s *EncryptedStore) Set(ctx context.Context, key string, data []byte, entry Entry) error {
	env, err := envelope.Seal(s.box, s.keyVersion, data, s.aad())
	if err != nil {
		return err
	}
	raw, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	entry.SizeBytes = int64(len(raw))
	return s.inner.Set(ctx, key, raw, entry)
}

func (s *EncryptedStore) Touch(ctx context.Context, key string, lastAccessMs int64) error {
	return s.inner.Touch(ctx, key, lastAccessMs)
}

func (s *EncryptedStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *EncryptedStore) Clear(ctx context.Context) error {
	return s.inner.Clear(ctx)
}

func (s *EncryptedStore) Entries(ctx context.Context) ([]Entry, error) {
	return s.inner.Entries(ctx)
}
