package persist

import (
	"context"
	"errors"
	"fmt"
)

// ErrQuotaExceeded is returned by Set when a size-bounded backend is full.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Adapter is the capability set the envelope engine needs from a key-value
// backend. Values handed to Set are always envelopes produced by the engine:
// ciphertext plus an optional expiry, never plaintext or key material.
//
// Any type implementing these three methods can back a binding. No ordering or
// atomicity is assumed beyond per-key last-write-wins.
type Adapter interface {
	// Get returns the stored value for key. found is false when the key is absent;
	// err is reserved for backend failures.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores value under key. It may fail, e.g. with ErrQuotaExceeded.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}

// Store is an Adapter with lifecycle and health operations, implemented by all
// built-in backends.
type Store interface {
	Adapter

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeLocal,
//	    Config: map[string]interface{}{"base_path": "/var/lib/app/sealkv"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type" yaml:"type"`

	// Config contains settings specific to the chosen backend, e.g. "base_path"
	// for local, "path" for sqlite, "bucket" and "endpoint" for s3.
	Config map[string]interface{} `json:"config" yaml:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeLocal persists envelopes as files on the local file system.
	StoreTypeLocal StoreType = "local"

	// StoreTypeSession keeps envelopes in process memory for the life of the process.
	StoreTypeSession StoreType = "session"

	// StoreTypeS3 stores one object per key in an S3 compatible bucket.
	StoreTypeS3 StoreType = "s3"

	// StoreTypeSQLite stores one row per key in a SQLite database.
	StoreTypeSQLite StoreType = "sqlite"
)

// BackendError wraps a failure raised by a backend with the operation and key.
type BackendError struct {
	Operation string
	Key       string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Operation, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
