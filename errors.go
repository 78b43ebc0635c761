package sealkv

import (
	"fmt"

	"github.com/juju/errors"

	"southwinds.dev/sealkv/internal/crypto"
	"southwinds.dev/sealkv/persist"
)

// Error taxonomy. Every error a binding reports matches one of these with
// errors.Is.
const (
	// ErrMissingSecret is returned when neither a secret nor a default secret
	// provider is bound.
	ErrMissingSecret = errors.ConstError("no secret bound")

	ErrInvalidSecret         = crypto.ErrInvalidSecret
	ErrWeakSecret            = crypto.ErrWeakSecret
	ErrCapabilityUnavailable = crypto.ErrCapabilityUnavailable
	ErrDecryptionFailed      = crypto.ErrDecryptionFailed

	// ErrCorruptedData means an envelope decrypted but its payload is not a valid
	// serialized value.
	ErrCorruptedData = errors.ConstError("stored payload is corrupted")

	// ErrNotSerializable is returned by Save before any cryptographic work when a
	// value cannot be round-tripped through JSON.
	ErrNotSerializable = errors.ConstError("value is not serializable")

	// ErrBackendFailure wraps any error raised by a storage adapter.
	ErrBackendFailure = errors.ConstError("storage backend failure")

	// ErrBindingClosed is returned by operations on a binding after Close.
	ErrBindingClosed = errors.ConstError("binding closed")
)

// backendError matches both ErrBackendFailure and the adapter's own error.
type backendError struct {
	op  string
	key string
	err error
}

func newBackendError(op, key string, err error) error {
	return &backendError{op: op, key: key, err: err}
}

func (e *backendError) Error() string {
	var be *persist.BackendError
	if errors.As(e.err, &be) {
		return fmt.Sprintf("%s: %v", ErrBackendFailure, e.err)
	}
	return fmt.Sprintf("%s: %s %q: %v", ErrBackendFailure, e.op, e.key, e.err)
}

func (e *backendError) Unwrap() []error {
	return []error{ErrBackendFailure, e.err}
}
