package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"github.com/juju/loggo"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/sealkv/internal/misc"
)

var logger = loggo.GetLogger("sealkv.crypto")

// DeriveKey stretches secret into a 256-bit key with PBKDF2-HMAC-SHA256 using the
// fixed application salt. The result is returned in a locked buffer which the
// caller must Destroy once the single encrypt/decrypt operation is finished.
func DeriveKey(secret string) (*memguard.LockedBuffer, error) {
	if secret == "" {
		return nil, ErrInvalidSecret
	}

	password := []byte(secret)
	defer memguard.WipeBytes(password)

	derived := pbkdf2.Key(password, misc.DerivationSalt, misc.DerivationIterations, misc.DerivedKeyLen, sha256.New)

	// NewBufferFromBytes wipes derived after copying it into protected memory
	return memguard.NewBufferFromBytes(derived), nil
}

// ValidateRotationSecret enforces the length floor for a secret that existing data
// is about to be re-encrypted under.
func ValidateRotationSecret(secret string) error {
	if utf8.RuneCountInString(secret) < misc.MinRotationSecretLength {
		return ErrWeakSecret
	}
	return nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
