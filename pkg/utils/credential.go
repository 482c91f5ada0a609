// Package utils holds small leaf helpers shared across layers, chiefly the
// credential wire format.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/custodia-io/custodia/pkg/constants"
)

// Credential format: ck_<keyID>_<secret>. The key ID is a dashless UUID
// (32 hex chars) and doubles as the public identifier; the secret is 32
// random bytes hex-encoded (64 chars, 256 bits of entropy).

// GenerateCredential produces a fresh key ID and plaintext credential. The
// plaintext is returned exactly once at issue time and never stored.
func GenerateCredential() (keyID, credential string, err error) {
	keyID = strings.ReplaceAll(uuid.NewString(), "-", "")

	secret := make([]byte, constants.SecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	credential = fmt.Sprintf("%s_%s_%s",
		constants.CredentialPrefix, keyID, hex.EncodeToString(secret))
	return keyID, credential, nil
}

// ParseCredential splits a presented credential into its key ID and secret
// portion, validating the format without touching any store.
func ParseCredential(credential string) (keyID, secret string, err error) {
	parts := strings.Split(credential, "_")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("expected 3 underscore-separated segments")
	}
	if parts[0] != constants.CredentialPrefix {
		return "", "", fmt.Errorf("unknown credential prefix")
	}
	keyID, secret = parts[1], parts[2]
	if len(keyID) != 32 || !isHex(keyID) {
		return "", "", fmt.Errorf("key id segment is not 32 hex characters")
	}
	if len(secret) != constants.SecretBytes*2 || !isHex(secret) {
		return "", "", fmt.Errorf("secret segment is not %d hex characters", constants.SecretBytes*2)
	}
	return keyID, secret, nil
}

// MaskCredential renders a credential safe for logs: prefix and key ID stay,
// the secret is elided.
func MaskCredential(credential string) string {
	parts := strings.Split(credential, "_")
	if len(parts) != 3 {
		return "****"
	}
	return parts[0] + "_" + parts[1] + "_****"
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
