package sealkv

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"

	"southwinds.dev/sealkv/audit"
	"southwinds.dev/sealkv/internal/mem"
	"southwinds.dev/sealkv/persist"
)

var (
	memLockOnce     sync.Once
	protectionLevel = mem.ProtectionNone
)

// lockMemory applies process-wide memory locking once. The level achieved is
// reported by MemoryProtection.
func lockMemory() {
	memLockOnce.Do(func() {
		level, err := mem.Lock()
		if err != nil {
			logger.Warningf("cannot fully protect memory: %v", err)
		}
		protectionLevel = level
		logger.Infof("memory protection level: %s", level)
	})
}

// MemoryProtection reports the memory protection level reached by the process:
// "full", "partial" or "none".
func MemoryProtection() string {
	return protectionLevel.String()
}

// Manager hands out bindings that share one store, one audit trail and one set
// of base options, and closes them together.
type Manager struct {
	options  Options
	store    persist.Store
	audit    audit.Logger
	mu       sync.RWMutex
	bindings map[string]map[string]io.Closer // key -> binding id -> binding
	closed   bool
}

// NewManager creates a manager over store. baseOptions apply to every binding;
// its Storage and Audit fields are replaced by store and auditLogger.
func NewManager(baseOptions Options, store persist.Store, auditLogger audit.Logger) *Manager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	baseOptions.Storage = store
	baseOptions.Audit = auditLogger
	if baseOptions.EnableMemoryLock {
		lockMemory()
	}

	return &Manager{
		options:  baseOptions,
		store:    store,
		audit:    auditLogger,
		bindings: make(map[string]map[string]io.Closer),
	}
}

// NewManagerWithStoreConfig opens a store with persist.NewStore and wraps it in
// a manager.
func NewManagerWithStoreConfig(baseOptions Options, storeConfig persist.StoreConfig, namespace string, auditLogger audit.Logger) (*Manager, error) {
	store, err := persist.NewStore(storeConfig, namespace)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s store", storeConfig.Type)
	}
	return NewManager(baseOptions, store, auditLogger), nil
}

// Bind creates a binding for key through m. Closing the binding removes it from m.
func Bind[T any](m *Manager, key string, initial T) (*Binding[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.Annotate(ErrBindingClosed, "manager closed")
	}

	b, err := New[T](key, initial, m.options)
	if err != nil {
		return nil, err
	}
	b.onClose = func() { m.untrack(key, b.id) }

	if m.bindings[key] == nil {
		m.bindings[key] = make(map[string]io.Closer)
	}
	m.bindings[key][b.id] = b
	return b, nil
}

// Keys lists the keys with at least one open binding.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.bindings))
	for key := range m.bindings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Store returns the shared store.
func (m *Manager) Store() persist.Store {
	return m.store
}

// QueryAuditLogs searches the shared audit trail.
func (m *Manager) QueryAuditLogs(options audit.QueryOptions) (audit.QueryResult, error) {
	return m.audit.Query(options)
}

// Close closes every open binding, then the store and the audit logger.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	var open []io.Closer
	for _, byID := range m.bindings {
		for _, b := range byID {
			open = append(open, b)
		}
	}
	m.mu.Unlock()

	var closeErrors []string
	for _, b := range open {
		if err := b.Close(); err != nil {
			closeErrors = append(closeErrors, err.Error())
		}
	}
	if err := m.store.Close(); err != nil {
		closeErrors = append(closeErrors, fmt.Sprintf("store: %v", err))
	}
	if err := m.audit.Close(); err != nil {
		closeErrors = append(closeErrors, fmt.Sprintf("audit: %v", err))
	}

	if len(closeErrors) > 0 {
		return errors.Errorf("failed to close manager: %s", strings.Join(closeErrors, "; "))
	}
	return nil
}

func (m *Manager) untrack(key, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bindings[key], id)
	if len(m.bindings[key]) == 0 {
		delete(m.bindings, key)
	}
}
