package crypto

import "github.com/juju/errors"

const (
	// ErrInvalidSecret is returned when a secret is empty.
	ErrInvalidSecret = errors.ConstError("invalid secret")

	// ErrWeakSecret is returned when a rotation target secret is below the length floor.
	ErrWeakSecret = errors.ConstError("secret too weak")

	// ErrCapabilityUnavailable is returned when the authenticated cipher cannot run
	// in this process (unsupported algorithm, no entropy source).
	ErrCapabilityUnavailable = errors.ConstError("strong cipher capability unavailable")

	// ErrDecryptionFailed covers every strong-path decryption failure: wrong secret,
	// corrupted or tampered blob. The causes are deliberately indistinguishable.
	ErrDecryptionFailed = errors.ConstError("decryption failed")
)
