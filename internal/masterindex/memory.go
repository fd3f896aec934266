package masterindex

import (
	"sync"

	"github.com/Edwardzcn/SLOG/internal/txn"
)

// InMemory is a sync.RWMutex-guarded map implementation of
// LookupMasterIndex, the default for tests and local development.
type InMemory struct {
	mu   sync.RWMutex
	data map[string]txn.MasterMetadata
}

// NewInMemory builds an empty in-memory master index.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string]txn.MasterMetadata)}
}

func (m *InMemory) GetMasterMetadata(key string) (txn.MasterMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.data[key]
	return md, ok
}

func (m *InMemory) Put(key string, metadata txn.MasterMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = metadata
	return nil
}

// BatchPut seeds multiple keys at once, for test harnesses.
func (m *InMemory) BatchPut(entries map[string]txn.MasterMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.data[k] = v
	}
	return nil
}

func (m *InMemory) Close() error { return nil }
