package handheld

import "fmt"

// SessionStore remembers the last selected backend and connected device so
// the next start can pre-select them.
type SessionStore struct {
	store KeyValueStore
}

func NewSessionStore(store KeyValueStore) *SessionStore {
	return &SessionStore{store: store}
}

// Save persists the backend kind and device name of a successful connect.
func (s *SessionStore) Save(kind BackendKind, device string) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Set(KeySessionBackend, kind.String()); err != nil {
		return fmt.Errorf("persist session backend: %w", err)
	}
	if err := s.store.Set(KeySessionDevice, device); err != nil {
		return fmt.Errorf("persist session device: %w", err)
	}
	return nil
}

// SaveBackend persists only the backend selection.
func (s *SessionStore) SaveBackend(kind BackendKind) error {
	if s.store == nil {
		return nil
	}
	if kind == BackendNone {
		return s.store.Remove(KeySessionBackend)
	}
	return s.store.Set(KeySessionBackend, kind.String())
}

// Last returns the persisted backend and device name. An empty store yields
// BackendNone and "".
func (s *SessionStore) Last() (BackendKind, string, error) {
	if s.store == nil {
		return BackendNone, "", nil
	}
	raw, _, err := s.store.Get(KeySessionBackend)
	if err != nil {
		return BackendNone, "", err
	}
	kind, err := ParseBackendKind(raw)
	if err != nil {
		return BackendNone, "", err
	}
	device, _, err := s.store.Get(KeySessionDevice)
	if err != nil {
		return kind, "", err
	}
	return kind, device, nil
}

// Clear forgets the persisted session.
func (s *SessionStore) Clear() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Remove(KeySessionBackend); err != nil {
		return err
	}
	return s.store.Remove(KeySessionDevice)
}
