package lock

import (
	"context"
	"sync"
	"time"
)

// Backend records lock ownership. TryAcquire succeeds when the key is free or
// already owned by owner, which makes re-acquisition after a restart safe.
type Backend interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
	Owner(ctx context.Context, key string) (string, error)
	// Refresh extends the TTL of key while owner still holds it. It never
	// takes a free key.
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseOwner drops every key held by owner and returns them.
	ReleaseOwner(ctx context.Context, owner string) ([]string, error)
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

// MemoryBackend keeps locks in process.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	owners  map[string]map[string]struct{}
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		owners:  make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (m *MemoryBackend) TryAcquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok {
		expired := !e.expires.IsZero() && now.After(e.expires)
		if !expired && e.owner != owner {
			return false, nil
		}
		if expired {
			m.dropLocked(key, e.owner)
		}
	}

	entry := memoryEntry{owner: owner}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	m.entries[key] = entry
	if m.owners[owner] == nil {
		m.owners[owner] = make(map[string]struct{})
	}
	m.owners[owner][key] = struct{}{}
	return true, nil
}

func (m *MemoryBackend) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.owner == owner {
		m.dropLocked(key, owner)
	}
	return nil
}

func (m *MemoryBackend) Owner(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		m.dropLocked(key, e.owner)
		return "", nil
	}
	return e.owner, nil
}

func (m *MemoryBackend) Refresh(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.owner != owner {
		return false, nil
	}
	now := m.now()
	if !e.expires.IsZero() && now.After(e.expires) {
		m.dropLocked(key, owner)
		return false, nil
	}
	if ttl > 0 {
		e.expires = now.Add(ttl)
		m.entries[key] = e
	}
	return true, nil
}

func (m *MemoryBackend) ReleaseOwner(_ context.Context, owner string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var released []string
	for key := range m.owners[owner] {
		if e, ok := m.entries[key]; ok && e.owner == owner {
			delete(m.entries, key)
			released = append(released, key)
		}
	}
	delete(m.owners, owner)
	return released, nil
}

func (m *MemoryBackend) dropLocked(key, owner string) {
	delete(m.entries, key)
	if keys := m.owners[owner]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.owners, owner)
		}
	}
}
