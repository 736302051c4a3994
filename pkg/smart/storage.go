package smart

import (
	"context"
	"sync"
)

// Storage persists authorization state across the redirect legs of a launch.
// Implementations must be safe for concurrent use; the only ordering guarantee
// callers rely on is per-key last-write-wins.
type Storage interface {
	// Get returns the stored value for key, with ok=false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Unset removes key and reports whether it existed.
	Unset(ctx context.Context, key string) (bool, error)
}

// MemoryStorage is a process-local Storage. It backs tests and embedded hosts
// that manage persistence themselves.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: map[string][]byte{}}
}

func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryStorage) Unset(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func saveSession(ctx context.Context, st Storage, s *SessionState) error {
	data, err := s.marshal()
	if err != nil {
		return err
	}
	return st.Set(ctx, s.Key, data)
}

func loadSession(ctx context.Context, st Storage, key string) (*SessionState, error) {
	data, ok, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return unmarshalSession(data)
}
