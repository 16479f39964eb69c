package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sheetforge/sheetguard/pkg/cache/codec"
	"github.com/sheetforge/sheetguard/pkg/pagination"
)

// Limits configures quota-driven eviction. A zero field means "unbounded"
// for that dimension.
type Limits struct {
	MaxEntries int
	MaxBytes   int64
}

// Clock returns the current time in milliseconds; swappable in tests.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMilli() }

// Manager implements the cache policy layer (TTL, quotas, pruning) over a
// dumb Store backend, generalizing the teacher's workbook-handle
// lifecycle manager (ticker-driven sweep, best-effort cleanup, single
// owner per key) from workbook handles to arbitrary cached values.
type Manager struct {
	store  Store
	limits Limits
	clock  Clock
}

// NewManager builds a Manager over store with the given quota limits.
func NewManager(store Store, limits Limits) *Manager {
	return &Manager{store: store, limits: limits, clock: defaultClock}
}

// WithClock overrides the manager's time source, for deterministic tests.
func (m *Manager) WithClock(c Clock) *Manager {
	m.clock = c
	return m
}

// Get returns the decoded value for key, or ok=false if absent, expired, or
// corrupted. A get that observes expiry or decode failure best-effort
// deletes the entry before returning the miss.
func (m *Manager) Get(ctx context.Context, key string) (any, bool, error) {
	data, entry, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	now := m.clock()
	if entry.ExpiresAtMs != nil && now > *entry.ExpiresAtMs {
		_ = m.store.Delete(ctx, key)
		return nil, false, nil
	}
	_ = m.store.Touch(ctx, key, now)

	value, err := codec.Decode(data)
	if err != nil {
		_ = m.store.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set encodes value and stores it under key, optionally with a TTL, then
// best-effort enforces quotas if any are configured.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl *time.Duration) error {
	now := m.clock()
	data, err := codec.Encode(value)
	if err != nil {
		return err
	}
	var expiresAtMs *int64
	if ttl != nil {
		e := now + ttl.Milliseconds()
		expiresAtMs = &e
	}
	entry := Entry{Key: key, CreatedAtMs: now, ExpiresAtMs: expiresAtMs, LastAccessMs: now, SizeBytes: int64(len(data))}
	if err := m.store.Set(ctx, key, data, entry); err != nil {
		return err
	}
	if m.limits.MaxEntries > 0 || m.limits.MaxBytes > 0 {
		_ = m.Prune(ctx)
	}
	return nil
}

// Delete removes key, if present.
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.store.Delete(ctx, key)
}

// Clear removes every entry.
func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// PruneExpired removes every entry whose ExpiresAtMs has passed.
func (m *Manager) PruneExpired(ctx context.Context) error {
	entries, err := m.store.Entries(ctx)
	if err != nil {
		return err
	}
	now := m.clock()
	for _, e := range entries {
		if e.ExpiresAtMs != nil && now > *e.ExpiresAtMs {
			_ = m.store.Delete(ctx, e.Key)
		}
	}
	return nil
}

// Prune first removes expired entries, then evicts by ascending
// LastAccessMs (tie-break by stable key order) until both configured
// quotas are satisfied. No live entry is evicted while an expired one
// remains, since PruneExpired always runs first.
func (m *Manager) Prune(ctx context.Context) error {
	if err := m.PruneExpired(ctx); err != nil {
		return err
	}
	if m.limits.MaxEntries <= 0 && m.limits.MaxBytes <= 0 {
		return nil
	}
	entries, err := m.store.Entries(ctx)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastAccessMs != entries[j].LastAccessMs {
			return entries[i].LastAccessMs < entries[j].LastAccessMs
		}
		return entries[i].Key < entries[j].Key
	})

	count := len(entries)
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}

	for i := 0; i < len(entries); i++ {
		overEntries := m.limits.MaxEntries > 0 && count > m.limits.MaxEntries
		overBytes := m.limits.MaxBytes > 0 && total > m.limits.MaxBytes
		if !overEntries && !overBytes {
			break
		}
		victim := entries[i]
		if err := m.store.Delete(ctx, victim.Key); err != nil {
			continue
		}
		count--
		total -= victim.SizeBytes
	}
	return nil
}

// ListKeys returns a cursor-paginated, lexicographically sorted page of
// keys, reusing the workbook-range pagination cursor shape: storeName
// stands in for the workbook id, and the unit is always rows of keys.
func (m *Manager) ListKeys(ctx context.Context, storeName, cursorToken string, pageSize int) ([]string, string, error) {
	entries, err := m.store.Entries(ctx)
	if err != nil {
		return nil, "", err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	offset := 0
	if cursorToken != "" {
		c, err := pagination.DecodeCursor(cursorToken)
		if err != nil {
			return nil, "", err
		}
		if c.Wid != storeName {
			return nil, "", fmt.Errorf("cache: cursor was issued for a different store")
		}
		offset = c.Off
	}
	if pageSize <= 0 {
		pageSize = len(entries)
	}
	if offset > len(entries) {
		offset = len(entries)
	}
	end := offset + pageSize
	if end > len(entries) {
		end = len(entries)
	}

	page := make([]string, 0, end-offset)
	for _, e := range entries[offset:end] {
		page = append(page, e.Key)
	}

	var next string
	if end < len(entries) {
		nc := pagination.Cursor{Wid: storeName, S: "keys", R: "*", U: pagination.UnitRows, Off: end, Ps: pageSize}
		next, err = pagination.EncodeCursor(nc)
		if err != nil {
			return nil, "", err
		}
	}
	return page, next, nil
}
