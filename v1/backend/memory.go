package backend

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// InMemory implements Backend using local memory. Expired entries are
// dropped lazily on access.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	closed  bool
}

// NewInMemory returns an empty in-memory backend.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *InMemory) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return e, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return e, false
	}
	return e, true
}

// SetNX implements Backend.SetNX.
func (m *InMemory) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	e := memoryEntry{token: token}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

// CompareAndDelete implements Backend.CompareAndDelete.
func (m *InMemory) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// Get returns the token stored under key and its remaining TTL. A zero TTL
// means the key never expires.
func (m *InMemory) Get(key string) (string, time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", 0, false
	}
	if e.expiresAt.IsZero() {
		return e.token, 0, true
	}
	return e.token, e.expiresAt.Sub(m.now()), true
}

// Probe implements Backend.Probe. It only fails once the backend is closed.
func (m *InMemory) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	return ctx.Err()
}

// Close implements Backend.Close.
func (m *InMemory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
