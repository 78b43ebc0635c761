package crypto

import (
	"encoding/base64"
)

// Warner receives the warning emitted on every legacy cipher call.
type Warner interface {
	Warningf(format string, args ...interface{})
}

// Legacy is the XOR fallback cipher. It cycles the raw secret bytes over the
// plaintext: reversible, no key stretching, no integrity, no real confidentiality.
// Only used when the strong path is unavailable.
type Legacy struct {
	warn Warner
}

// NewLegacy returns the fallback cipher warning through w, or through the
// package logger when w is nil.
func NewLegacy(w Warner) *Legacy {
	if w == nil {
		w = logger
	}
	return &Legacy{warn: w}
}

// Encrypt XORs plaintext with secret and base64 encodes the result.
func (l *Legacy) Encrypt(secret, plaintext string) (string, error) {
	if secret == "" {
		return "", ErrInvalidSecret
	}
	l.warn.Warningf("INSECURE: legacy XOR cipher used to encrypt %d bytes; data is not confidential and has no integrity protection", len(plaintext))

	return base64.StdEncoding.EncodeToString(xorBytes([]byte(plaintext), []byte(secret))), nil
}

// Decrypt reverses Encrypt. A wrong secret yields garbage, not an error.
func (l *Legacy) Decrypt(secret, blob string) (string, error) {
	if secret == "" {
		return "", ErrInvalidSecret
	}
	l.warn.Warningf("INSECURE: legacy XOR cipher used to decrypt %d bytes; result is unauthenticated", len(blob))

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(xorBytes(raw, []byte(secret))), nil
}

func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}
