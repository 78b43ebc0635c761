package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/juju/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"southwinds.dev/sealkv/internal/debug"
	"southwinds.dev/sealkv/internal/misc"
)

// Algorithm names an authenticated cipher usable on the strong path.
type Algorithm string

const (
	AES256GCM        Algorithm = "aes-256-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"

	DefaultAlgorithm = AES256GCM
)

// the id byte prefixed to every blob so either algorithm can open data written by the other
var algorithmIDs = map[Algorithm]byte{
	AES256GCM:        1,
	ChaCha20Poly1305: 2,
}

// tag size shared by both AEADs
const tagSize = 16

// Sealer is the strong-path cipher: key derived per call, fresh random nonce per
// encryption, output layout
//
//	[1 byte algorithm id][12 bytes nonce][ciphertext + 16 byte tag]
//
// base64 encoded.
type Sealer struct {
	alg Algorithm
	id  byte
}

// NewSealer returns a Sealer for alg. An empty alg selects DefaultAlgorithm.
// Unknown algorithms report ErrCapabilityUnavailable.
func NewSealer(alg Algorithm) (*Sealer, error) {
	if alg == "" {
		alg = DefaultAlgorithm
	}
	id, ok := algorithmIDs[alg]
	if !ok {
		return nil, errors.Annotatef(ErrCapabilityUnavailable, "algorithm %q", alg)
	}
	return &Sealer{alg: alg, id: id}, nil
}

// Algorithm returns the algorithm used for new encryptions.
func (s *Sealer) Algorithm() Algorithm {
	return s.alg
}

func newAEAD(id byte, key []byte) (cipher.AEAD, error) {
	switch id {
	case algorithmIDs[AES256GCM]:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case algorithmIDs[ChaCha20Poly1305]:
		return chacha20poly1305.New(key)
	default:
		return nil, errors.Errorf("unknown algorithm id %d", id)
	}
}

// Encrypt seals plaintext under a key derived from secret.
func (s *Sealer) Encrypt(secret, plaintext string) (string, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return "", err
	}
	defer key.Destroy()

	aead, err := newAEAD(s.id, key.Bytes())
	if err != nil {
		return "", errors.Annotatef(ErrCapabilityUnavailable, "creating %s cipher: %v", s.alg, err)
	}

	nonce := make([]byte, misc.NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return "", errors.Annotatef(ErrCapabilityUnavailable, "generating nonce: %v", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+tagSize)
	out = append(out, s.id)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), nil)

	debug.Print("sealer: %s sealed %d bytes into %d\n", s.alg, len(plaintext), len(out))

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure past secret validation
// is reported as ErrDecryptionFailed.
func (s *Sealer) Decrypt(secret, blob string) (string, error) {
	if secret == "" {
		return "", ErrInvalidSecret
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) < 1+misc.NonceSize+tagSize {
		return "", ErrDecryptionFailed
	}

	key, err := DeriveKey(secret)
	if err != nil {
		return "", err
	}
	defer key.Destroy()

	aead, err := newAEAD(raw[0], key.Bytes())
	if err != nil {
		return "", ErrDecryptionFailed
	}

	nonce := raw[1 : 1+misc.NonceSize]
	plaintext, err := aead.Open(nil, nonce, raw[1+misc.NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// Unavailable stands in for the strong cipher when it cannot be constructed, so
// the caller sees ErrCapabilityUnavailable and decides on the fallback itself.
type Unavailable struct {
	Reason string
}

func (u Unavailable) err() error {
	if u.Reason == "" {
		return ErrCapabilityUnavailable
	}
	return errors.Annotate(ErrCapabilityUnavailable, u.Reason)
}

func (u Unavailable) Encrypt(secret, plaintext string) (string, error) {
	return "", u.err()
}

func (u Unavailable) Decrypt(secret, blob string) (string, error) {
	return "", u.err()
}
