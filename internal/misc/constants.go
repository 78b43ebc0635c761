package misc

const (
	// DerivationIterations is the fixed PBKDF2 work factor for secret stretching
	DerivationIterations = 100000

	// DerivedKeyLen is the size of the derived symmetric key (256 bits)
	DerivedKeyLen = 32

	// NonceSize is the AEAD nonce length in bytes (96 bits)
	NonceSize = 12

	// MinRotationSecretLength is the minimum length of a rotation target secret
	MinRotationSecretLength = 8

	// MaxNamespaceLength bounds the storage namespace used by persistent backends
	MaxNamespaceLength = 100

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)

// DerivationSalt is the application-specific salt mixed into every derived key.
// Changing it makes all previously written envelopes unreadable.
var DerivationSalt = []byte("southwinds.dev/sealkv:envelope-key:v1")
