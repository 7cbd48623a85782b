// Package secrets provides the opaque key-value vault the token manager
// persists credentials in. Implementations stand in for the platform
// secure store.
package secrets

import "sync"

// Store holds secret strings by key. Get reports presence instead of
// returning an error for missing keys.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryStore keeps secrets in process memory. Useful for tests and for
// callers that handle persistence themselves.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
