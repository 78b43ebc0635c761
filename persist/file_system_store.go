package persist

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"southwinds.dev/sealkv/internal/debug"
	"southwinds.dev/sealkv/internal/misc"
)

const envelopeExt = ".env.json"

// FileSystemStore implements Store on the local filesystem: one file per key
// under basePath/namespace/. File names are blake3 digests of the key so any
// key string maps to a safe name.
type FileSystemStore struct {
	basePath      string
	namespace     string
	namespacePath string // basePath/namespace/
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, namespace string) (*FileSystemStore, error) {
	if namespace == "" {
		namespace = "default"
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	fs := &FileSystemStore{
		basePath:      basePath,
		namespace:     namespace,
		namespacePath: filepath.Join(basePath, namespace),
	}

	if err := os.MkdirAll(fs.namespacePath, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", fs.namespacePath, err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig reads "base_path" from the config map.
func NewFileSystemStoreFromConfig(config StoreConfig, namespace string) (*FileSystemStore, error) {
	basePath, ok := stringOption(config.Config, "base_path")
	if !ok {
		return nil, fmt.Errorf("base_path is required for file system store")
	}
	return NewFileSystemStore(basePath, namespace)
}

func (fs *FileSystemStore) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(fs.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, &BackendError{Operation: "get", Key: key, Err: err}
	}
	debug.Print("read %d bytes for key %q\n", len(data), key)
	return string(data), true, nil
}

func (fs *FileSystemStore) Set(_ context.Context, key, value string) error {
	if err := writeSecureFile(fs.keyPath(key), []byte(value), misc.FilePermissions); err != nil {
		return &BackendError{Operation: "set", Key: key, Err: err}
	}
	return nil
}

func (fs *FileSystemStore) Remove(_ context.Context, key string) error {
	if err := os.Remove(fs.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return &BackendError{Operation: "remove", Key: key, Err: err}
	}
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeLocal)
}

// Ping checks the namespace directory is still there.
func (fs *FileSystemStore) Ping() error {
	exists, err := fileExists(fs.namespacePath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("namespace directory %s does not exist", fs.namespacePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) keyPath(key string) string {
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(fs.namespacePath, hex.EncodeToString(sum[:])+envelopeExt)
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
