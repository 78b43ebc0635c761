package persist

import (
	"fmt"
	"strings"
	"sync"

	"github.com/juju/loggo"

	"southwinds.dev/sealkv/internal/misc"
)

var logger = loggo.GetLogger("sealkv.persist")

var (
	sessionOnce  sync.Once
	sessionStore *MemoryStore
)

// Session returns the process-wide session store. Every binding configured with
// the "session" storage type shares it, and it vanishes with the process.
func Session() *MemoryStore {
	sessionOnce.Do(func() {
		sessionStore = NewMemoryStore(0)
	})
	return sessionStore
}

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, namespace string) (Store, error) {
	switch config.Type {
	case StoreTypeLocal:
		return NewFileSystemStoreFromConfig(config, namespace)

	case StoreTypeSession:
		return Session(), nil

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, namespace)

	case StoreTypeSQLite:
		return NewSQLiteStoreFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateNamespace validates the namespace for security
func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > misc.MaxNamespaceLength {
		return fmt.Errorf("namespace too long (max %d characters)", misc.MaxNamespaceLength)
	}

	return nil
}

func stringOption(config map[string]interface{}, name string) (string, bool) {
	value, ok := config[name].(string)
	return value, ok && value != ""
}
