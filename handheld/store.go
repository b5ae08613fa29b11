package handheld

import "sync"

// KeyValueStore is the persistence the handheld layer needs: string keys to
// string values.
type KeyValueStore interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// Persisted keys.
const (
	KeySessionBackend = "handheld.session.backend"
	KeySessionDevice  = "handheld.session.device"
	KeyProfile        = "handheld.profile"
	KeyFilter         = "handheld.filter"
	KeyPower          = "handheld.power"
	KeyRegion         = "handheld.region"
	KeyChannel        = "handheld.channel"
)

// MemoryStore is an in-memory KeyValueStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Remove deletes key. Missing keys are not an error.
func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
