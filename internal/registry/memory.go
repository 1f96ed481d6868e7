package registry

import (
	"context"
	"sync"
	"time"
)

// entry is the bookkeeping kept per registered session.
type entry struct {
	SessionID string
	AddedAt   time.Time
}

// Memory is an in-process Registry backed by a map.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
	}
}

// Add implements Registry.
func (m *Memory) Add(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[sessionID] = entry{
		SessionID: sessionID,
		AddedAt:   time.Now(),
	}
	return nil
}

// Remove implements Registry.
func (m *Memory) Remove(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, sessionID)
	return nil
}

// Has implements Registry.
func (m *Memory) Has(_ context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[sessionID]
	return ok, nil
}

// Clear implements Registry. The map is swapped under the write lock, so any
// Has that starts after Clear returns observes an empty registry.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]entry)
	return nil
}

// Count implements Registry.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
