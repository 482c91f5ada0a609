// Package crypto implements one-way secret hashing for stored credentials.
// Secrets are hashed with argon2id and are never recoverable; only the hash
// is stored.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/custodia-io/custodia/internal/domain/service"
)

// argon2id parameters. Tuned for interactive validation latency rather than
// password-vault hardness: the secret already carries 256 bits of entropy.
const (
	argonTime    = 1
	argonMemory  = 16 * 1024 // KiB
	argonThreads = 2
	argonKeyLen  = 32
	saltLen      = 16
)

// Argon2Hasher implements service.SecretHasher using argon2id with a per-key
// random salt and an optional service-wide pepper.
type Argon2Hasher struct {
	pepper []byte
}

// NewArgon2Hasher creates a hasher. The pepper may be empty; when set it is
// mixed into every hash, so losing it invalidates all stored hashes.
func NewArgon2Hasher(pepper string) *Argon2Hasher {
	return &Argon2Hasher{pepper: []byte(pepper)}
}

var _ service.SecretHasher = (*Argon2Hasher)(nil)

// Hash derives an encoded argon2id hash of the secret.
// Encoding: base64(salt) + "$" + base64(hash).
func (h *Argon2Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	sum := h.derive(secret, salt)
	return base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(sum), nil
}

// Compare re-derives the hash with the stored salt and compares in constant
// time. Malformed stored hashes compare false.
func (h *Argon2Hasher) Compare(secret, encodedHash string) bool {
	parts := strings.SplitN(encodedHash, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := h.derive(secret, salt)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (h *Argon2Hasher) derive(secret string, salt []byte) []byte {
	material := append([]byte(secret), h.pepper...)
	return argon2.IDKey(material, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
