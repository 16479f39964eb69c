// Package cache implements the pluggable key/value cache core: TTL expiry,
// LRU/byte-quota eviction, atomic persistence, and encrypted-at-rest
// composition, shared by query engines and the tool executor alike.
package cache

import "context"

// Entry carries a cache record's bookkeeping fields, without its payload
// bytes, so a store can report them cheaply for pruning and listing.
type Entry struct {
	Key          string
	CreatedAtMs  int64
	ExpiresAtMs  *int64
	LastAccessMs int64
	SizeBytes    int64
}

// Store is a dumb key/value backend: it persists whatever bytes it is
// given and reports bookkeeping fields back, but has no opinion on TTL or
// quota policy — that belongs to Manager. Implementations MUST tolerate
// concurrent operations on different keys.
type Store interface {
	// Get returns the stored bytes and entry for key. ok is false when the
	// key is absent or the stored artifact was corrupted (in which case the
	// implementation has already best-effort deleted it). err is reserved
	// for genuine I/O failures, not misses.
	Get(ctx context.Context, key string) (data []byte, entry Entry, ok bool, err error)
	// Set stores data under key with the given bookkeeping entry, replacing
	// any existing record.
	Set(ctx context.Context, key string, data []byte, entry Entry) error
	// Touch updates only an existing entry's LastAccessMs, without touching
	// its payload.
	Touch(ctx context.Context, key string, lastAccessMs int64) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// Entries lists bookkeeping for every live key, for pruning and cursor
	// listing. It never returns payload bytes.
	Entries(ctx context.Context) ([]Entry, error)
}
