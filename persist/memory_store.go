package persist

import (
	"context"
	"sync"
)

// MemoryStore keeps envelopes in a process-scoped map. A positive quota bounds
// the total bytes held (keys plus values) and Set fails with ErrQuotaExceeded
// once a write would cross it.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]string
	used  int
	quota int
}

// NewMemoryStore creates an empty store. A quota of zero or less means unbounded.
func NewMemoryStore(quota int) *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]string),
		quota: quota,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	return value, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.used
	if old, ok := m.data[key]; ok {
		used -= len(key) + len(old)
	}
	used += len(key) + len(value)

	if m.quota > 0 && used > m.quota {
		return &BackendError{Operation: "set", Key: key, Err: ErrQuotaExceeded}
	}

	m.data[key] = value
	m.used = used
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

// SetQuota changes the byte quota. Existing entries are kept even if they
// already exceed the new bound.
func (m *MemoryStore) SetQuota(quota int) {
	m.mu.Lock()
	m.quota = quota
	m.mu.Unlock()
}

// Len returns the number of keys held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Ping() error {
	return nil
}

// Close is a no-op; contents live as long as the store value.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) GetType() string {
	return string(StoreTypeSession)
}
