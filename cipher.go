package sealkv

import (
	"github.com/juju/errors"

	"southwinds.dev/sealkv/internal/crypto"
)

// Cipher encrypts text under a secret. The built-in strong cipher can be
// replaced through Options.Cipher, e.g. with a hardware-backed implementation.
// Implementations must return ErrCapabilityUnavailable when they cannot run at
// all, and ErrDecryptionFailed for every authentication failure.
type Cipher interface {
	Encrypt(secret, plaintext string) (string, error)
	Decrypt(secret, blob string) (string, error)
}

// Algorithm names an authenticated cipher.
type Algorithm = crypto.Algorithm

const (
	AES256GCM        = crypto.AES256GCM
	ChaCha20Poly1305 = crypto.ChaCha20Poly1305
)

// FallbackMode selects what happens when the strong cipher is unusable.
type FallbackMode string

const (
	// FallbackXOR degrades to the insecure XOR cipher and fires OnFallback.
	FallbackXOR FallbackMode = "xor"

	// FallbackNone reports the strong path error instead.
	FallbackNone FallbackMode = "none"
)

// engine decides between the strong and the legacy cipher.
type engine struct {
	strong Cipher
	legacy Cipher // nil when fallback is disabled
}

func newEngine(opts Options) *engine {
	e := &engine{strong: opts.Cipher}
	if e.strong == nil {
		sealer, err := crypto.NewSealer(opts.Algorithm)
		if err != nil {
			logger.Warningf("strong cipher unavailable: %v", err)
			e.strong = crypto.Unavailable{Reason: err.Error()}
		} else {
			e.strong = sealer
		}
	}
	if opts.Fallback != FallbackNone {
		e.legacy = crypto.NewLegacy(nil)
	}
	return e
}

// encrypt seals plaintext on the strong path, degrading to the legacy cipher
// only on capability loss. fallbackCause is set when the legacy cipher ran.
func (e *engine) encrypt(secret, plaintext string) (blob string, fallbackCause error, err error) {
	blob, err = e.strong.Encrypt(secret, plaintext)
	if err == nil {
		return blob, nil, nil
	}
	if e.legacy == nil || !errors.Is(err, ErrCapabilityUnavailable) {
		return "", nil, err
	}

	fallbackCause = err
	blob, err = e.legacy.Encrypt(secret, plaintext)
	return blob, fallbackCause, err
}

// decrypt opens blob on the strong path. Capability loss and authentication
// failure both move on to the legacy cipher when it is enabled; its output is
// unauthenticated and must be validated by the caller.
func (e *engine) decrypt(secret, blob string) (plaintext string, fallbackCause error, err error) {
	plaintext, err = e.strong.Decrypt(secret, blob)
	if err == nil {
		return plaintext, nil, nil
	}
	if e.legacy == nil || !(errors.Is(err, ErrCapabilityUnavailable) || errors.Is(err, ErrDecryptionFailed)) {
		return "", nil, err
	}

	fallbackCause = err
	plaintext, err = e.legacy.Decrypt(secret, blob)
	if err != nil {
		return "", fallbackCause, ErrDecryptionFailed
	}
	return plaintext, fallbackCause, nil
}
