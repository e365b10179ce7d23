// Package store provides the generic string key/value persistence the vault
// and audit logger sit on. There is no schema beyond namespacing by key
// prefix.
package store

import "sync"

// KV is the persistence interface. Keys are namespaced by prefix, e.g.
// "cred:<serverId>:<kind>" and "audit:<id>".
type KV interface {
	// Get returns the value and whether the key exists.
	Get(key string) (string, bool, error)

	// Set writes or replaces a value.
	Set(key, value string) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns all key/value pairs under a prefix.
	List(prefix string) (map[string]string, error)

	// Close releases the backing resources.
	Close() error
}

// Memory is the in-memory KV used by tests and local-only setups.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) List(prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
