package sealkv

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"southwinds.dev/sealkv/audit"
	"southwinds.dev/sealkv/persist"
)

var validate = validator.New()

// FallbackEvent describes one use of the insecure XOR cipher.
type FallbackEvent struct {
	Key       string
	Operation string // "load", "save", "reencrypt" or "change"
	Cause     error
}

// Options configures a binding.
//
// Secret handling:
//   - Secret is never serialized, logged or written to any backend.
//   - When Secret is empty, DefaultSecret is asked once at bind time. This is
//     how an application-wide secret is shared without a global.
//   - A binding holding neither returns ErrMissingSecret from Save, Load and
//     Reencrypt.
//
// Storage selection:
//   - Storage takes precedence and may be any persist.Adapter.
//   - Otherwise StorageType picks a built-in backend: "local" (files under
//     BasePath/Namespace, the default) or "session" (process memory).
//
// Callbacks are invoked synchronously from whichever goroutine detected the
// event and are suppressed once the binding is closed.
type Options struct {
	Secret        string        `json:"-" yaml:"-" validate:"-"`
	DefaultSecret func() string `json:"-" yaml:"-" validate:"-"`

	Storage     persist.Adapter   `json:"-" yaml:"-" validate:"-"`
	StorageType persist.StoreType `json:"storage,omitempty" yaml:"storage,omitempty" validate:"omitempty,oneof=local session"`

	// BasePath is the root of the "local" backend. Defaults to
	// <user config dir>/sealkv.
	BasePath string `json:"base_path,omitempty" yaml:"base_path,omitempty" validate:"omitempty,max=4096"`

	// Namespace separates applications sharing a BasePath.
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty" validate:"omitempty,max=100"`

	// TTL sets expires = now + TTL on every write. Zero means envelopes never expire.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty" validate:"gte=0"`

	// Fallback defaults to FallbackXOR.
	Fallback FallbackMode `json:"fallback,omitempty" yaml:"fallback,omitempty" validate:"omitempty,oneof=xor none"`

	// Algorithm picks the strong cipher for new writes. Data written under
	// either algorithm can always be read. An unknown name leaves the strong
	// path unavailable.
	Algorithm Algorithm `json:"algorithm,omitempty" yaml:"algorithm,omitempty" validate:"-"`

	// Cipher replaces the built-in strong cipher.
	Cipher Cipher `json:"-" yaml:"-" validate:"-"`

	OnFallback  func(FallbackEvent) `json:"-" yaml:"-" validate:"-"`
	OnError     func(error)         `json:"-" yaml:"-" validate:"-"`
	OnReencrypt func(key string)    `json:"-" yaml:"-" validate:"-"`

	Clock clock.Clock  `json:"-" yaml:"-" validate:"-"`
	Hub   ChangeFeed   `json:"-" yaml:"-" validate:"-"`
	Audit audit.Logger `json:"-" yaml:"-" validate:"-"`

	// EnableMemoryLock tries to lock process memory so secrets and derived keys
	// are not swapped out. Failure to lock is logged, not fatal.
	EnableMemoryLock bool `json:"enable_memory_lock,omitempty" yaml:"enable_memory_lock,omitempty"`
}

// Validate checks the serializable part of the options.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return errors.NewNotValid(err, "invalid options")
	}
	return nil
}

// withDefaults validates o and fills in every unset collaborator.
func (o Options) withDefaults() (Options, error) {
	if err := o.Validate(); err != nil {
		return o, err
	}

	if o.StorageType == "" {
		o.StorageType = persist.StoreTypeLocal
	}
	if o.Fallback == "" {
		o.Fallback = FallbackXOR
	}
	if o.Namespace == "" {
		o.Namespace = "default"
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Hub == nil {
		o.Hub = DefaultHub()
	}
	if o.Audit == nil {
		o.Audit = audit.NewNoOpLogger()
	}

	if o.Storage == nil {
		store, err := o.builtinStore()
		if err != nil {
			return o, err
		}
		o.Storage = store
	}
	return o, nil
}

func (o Options) builtinStore() (persist.Store, error) {
	if o.StorageType == persist.StoreTypeSession {
		return persist.Session(), nil
	}

	basePath := o.BasePath
	if basePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, errors.Annotate(err, "resolving default base path")
		}
		basePath = filepath.Join(dir, "sealkv")
	}

	store, err := persist.NewStore(persist.StoreConfig{
		Type:   persist.StoreTypeLocal,
		Config: map[string]interface{}{"base_path": basePath},
	}, o.Namespace)
	if err != nil {
		return nil, errors.Annotate(err, "opening local store")
	}
	return store, nil
}
