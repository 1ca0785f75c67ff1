package rbac

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	perms     []string
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend driven by an injectable clock.
type MemoryBackend struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryBackend builds a MemoryBackend. A nil clock uses time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{now: now, entries: make(map[string]memoryEntry)}
}

// Get returns the cached set when present and unexpired.
func (b *MemoryBackend) Get(ctx context.Context, role string) ([]string, bool, error) {
	b.mu.RLock()
	entry, ok := b.entries[role]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !b.now().Before(entry.expiresAt) {
		b.mu.Lock()
		if cur, ok := b.entries[role]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(b.entries, role)
		}
		b.mu.Unlock()
		return nil, false, nil
	}
	return append([]string(nil), entry.perms...), true, nil
}

// Set stores perms for ttl. A non-positive ttl never expires.
func (b *MemoryBackend) Set(ctx context.Context, role string, perms []string, ttl time.Duration) error {
	entry := memoryEntry{perms: append([]string(nil), perms...)}
	if ttl > 0 {
		entry.expiresAt = b.now().Add(ttl)
	}
	b.mu.Lock()
	b.entries[role] = entry
	b.mu.Unlock()
	return nil
}

// Delete removes the given roles.
func (b *MemoryBackend) Delete(ctx context.Context, roles ...string) error {
	b.mu.Lock()
	for _, r := range roles {
		delete(b.entries, r)
	}
	b.mu.Unlock()
	return nil
}

// Flush removes every entry.
func (b *MemoryBackend) Flush(ctx context.Context) error {
	b.mu.Lock()
	b.entries = make(map[string]memoryEntry)
	b.mu.Unlock()
	return nil
}
