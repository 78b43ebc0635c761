package sealkv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/sealkv/audit"
	"southwinds.dev/sealkv/persist"
)

func newTestManager(t *testing.T) (*Manager, audit.Logger) {
	auditLogger, err := audit.NewLogger(&audit.Config{
		Enabled:   true,
		Namespace: "app",
		Type:      audit.FileAuditType,
		Options:   map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	require.NoError(t, err)

	m, err := NewManagerWithStoreConfig(Options{Secret: testSecret, Hub: NewHub()}, persist.StoreConfig{
		Type:   persist.StoreTypeSQLite,
		Config: map[string]interface{}{"path": filepath.Join(t.TempDir(), "envelopes.db")},
	}, "app", auditLogger)
	require.NoError(t, err)
	return m, auditLogger
}

func TestManagerBind(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	defer m.Close()

	p, err := Bind(m, "prefs", defaultPrefs)
	require.NoError(t, err)
	counter, err := Bind(m, "counter", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"counter", "prefs"}, m.Keys())

	saveAndFlush(t, p, prefs{Theme: "dark"})
	require.NoError(t, counter.Save(ctx, 42))
	counter.Flush()

	again, err := Bind(m, "counter", 0)
	require.NoError(t, err)
	v, err := again.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	require.NoError(t, again.Close())
	assert.Equal(t, []string{"counter", "prefs"}, m.Keys(), "another binding for counter is still open")
	require.NoError(t, counter.Close())
	assert.Equal(t, []string{"prefs"}, m.Keys())
}

func TestManagerAudit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	defer m.Close()

	b, err := Bind(m, "prefs", defaultPrefs)
	require.NoError(t, err)
	saveAndFlush(t, b, prefs{Theme: "dark"})
	_, err = b.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Reencrypt(ctx, "the next secret"))
	require.NoError(t, b.Remove(ctx))

	result, err := m.QueryAuditLogs(audit.QueryOptions{Key: "prefs"})
	require.NoError(t, err)

	actions := make(map[string]bool)
	for _, event := range result.Events {
		actions[event.Action] = true
		assert.Equal(t, "app", event.Namespace)
		for _, v := range event.Metadata {
			assert.NotEqual(t, testSecret, v)
			assert.NotEqual(t, "the next secret", v)
		}
	}
	assert.True(t, actions[audit.ActionSave])
	assert.True(t, actions[audit.ActionLoad])
	assert.True(t, actions[audit.ActionReencrypt])
	assert.True(t, actions[audit.ActionRemove])

	security, err := m.QueryAuditLogs(audit.QueryOptions{Security: true})
	require.NoError(t, err)
	require.Len(t, security.Events, 1)
	assert.Equal(t, audit.ActionReencrypt, security.Events[0].Action)
}

func TestManagerClose(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	b, err := Bind(m, "prefs", defaultPrefs)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.True(t, errors.Is(b.Save(ctx, prefs{}), ErrBindingClosed))
	assert.Empty(t, m.Keys())

	_, err = Bind(m, "other", 0)
	assert.True(t, errors.Is(err, ErrBindingClosed))
}

func TestMemoryProtection(t *testing.T) {
	m := NewManager(Options{Secret: testSecret, EnableMemoryLock: true}, persist.NewMemoryStore(0), nil)
	defer m.Close()

	assert.Contains(t, []string{"full", "partial", "none"}, MemoryProtection())
}
