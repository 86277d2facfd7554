// Package secrets stores provider credentials outside the conversation
// database. Values are opaque and must never be logged.
package secrets

import (
	"context"
	"fmt"
	"sync"
)

// Store is keyed by account id.
type Store interface {
	Get(ctx context.Context, accountID string) (string, bool, error)
	Set(ctx context.Context, accountID, secret string) error
	Delete(ctx context.Context, accountID string) error
}

// Backend names accepted by Open.
const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
	BackendMemory  = "memory"
)

// Open returns the store for a configured backend. path is only used by the
// file backend and may be empty to use the default location.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendKeyring:
		return NewKeyringStore(DefaultService), nil
	case BackendFile:
		if path == "" {
			p, err := DefaultFilePath()
			if err != nil {
				return nil, err
			}
			path = p
		}
		return NewFileStore(path), nil
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown secrets backend %q", backend)
}

// MemoryStore keeps secrets in process memory. Used by tests and ephemeral runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, accountID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[accountID]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, accountID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[accountID] = secret
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, accountID)
	return nil
}
