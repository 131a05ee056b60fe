package persistence

import (
	"context"
	"sync"
)

// InMemoryMedium is a thread-safe, in-process Medium. It is durable only for
// the life of the process; useful as a default and in tests.
type InMemoryMedium struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewInMemoryMedium creates an empty in-memory medium.
func NewInMemoryMedium() *InMemoryMedium {
	return &InMemoryMedium{data: make(map[string]string)}
}

func (m *InMemoryMedium) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *InMemoryMedium) Set(_ context.Context, key string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *InMemoryMedium) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *InMemoryMedium) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys, nil
}

// Len returns the number of records held.
func (m *InMemoryMedium) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
