package session

import (
	"context"
	"sync"
)

// Storage keys. All three are cleared together.
const (
	KeyAccess  = "dp_access"
	KeyRefresh = "dp_refresh"
	KeyProfile = "dp_me"
)

// AllKeys is the full set of keys owned by a session.
var AllKeys = []string{KeyAccess, KeyRefresh, KeyProfile}

// Storage is durable key/value storage for credentials.
//
// Implementations must make Delete of missing keys a no-op so logout stays idempotent.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStorage keeps values in process memory. Useful for tests and throwaway sessions.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Len reports the number of stored keys.
func (m *MemoryStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}
