package persist

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS envelopes (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
) WITHOUT ROWID;
`

// SQLiteStore implements Store on a SQLite database file, one row per key.
// Several namespaces can share a database.
type SQLiteStore struct {
	pool      *sqlitex.Pool
	path      string
	namespace string
}

// NewSQLiteStore opens (creating if needed) the database at path with a WAL
// connection pool and ensures the envelopes table exists.
func NewSQLiteStore(path string, namespace string, poolSize int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required for sqlite store")
	}
	if namespace == "" {
		namespace = "default"
	}
	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	store := &SQLiteStore{pool: pool, path: path, namespace: namespace}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	conn, err := pool.Take(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to take sqlite connection: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Debugf("sqlite store opened at %s (pool size %d)", path, poolSize)
	return store, nil
}

// NewSQLiteStoreFromConfig reads "path" and the optional "pool_size" from the
// config map.
func NewSQLiteStoreFromConfig(config StoreConfig, namespace string) (*SQLiteStore, error) {
	path, ok := stringOption(config.Config, "path")
	if !ok {
		return nil, fmt.Errorf("path is required for sqlite store")
	}

	poolSize := 0
	switch v := config.Config["pool_size"].(type) {
	case int:
		poolSize = v
	case float64:
		poolSize = int(v)
	}

	return NewSQLiteStore(path, namespace, poolSize)
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, &BackendError{Operation: "get", Key: key, Err: err}
	}
	defer s.pool.Put(conn)

	var (
		value string
		found bool
	)
	err = sqlitex.Execute(conn,
		"SELECT value FROM envelopes WHERE namespace = ? AND key = ?",
		&sqlitex.ExecOptions{
			Args: []any{s.namespace, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return "", false, &BackendError{Operation: "get", Key: key, Err: err}
	}
	return value, found, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &BackendError{Operation: "set", Key: key, Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO envelopes (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{s.namespace, key, value, time.Now().UnixMilli()},
		})
	if err != nil {
		return &BackendError{Operation: "set", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return &BackendError{Operation: "remove", Key: key, Err: err}
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM envelopes WHERE namespace = ? AND key = ?",
		&sqlitex.ExecOptions{Args: []any{s.namespace, key}})
	if err != nil {
		return &BackendError{Operation: "remove", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping sqlite: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		logger.Errorf("closing sqlite store %s: %v", s.path, err)
		return fmt.Errorf("failed to close sqlite store %s: %w", s.path, err)
	}
	return nil
}

func (s *SQLiteStore) GetType() string {
	return string(StoreTypeSQLite)
}
