// Package kvstore is the persistence collaborator: an abstract key-value
// interface with in-memory, Redis, and Postgres implementations. The core
// stores envelopes, crisis history, and moderation state through it without
// depending on a specific storage technology.
package kvstore

import (
	"context"
	"strings"
	"sync"
)

// Store is the durable key-value boundary used by the core.
type Store interface {
	// Save durably stores value under key, overwriting any previous value.
	Save(ctx context.Context, key string, value []byte) error

	// LoadAll returns every stored entry whose key starts with prefix.
	LoadAll(ctx context.Context, prefix string) (map[string][]byte, error)

	// Delete removes the entry under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Memory is an in-process Store, used in tests and as a default when no
// durable backend is configured.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadAll(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
