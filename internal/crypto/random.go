package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// userCodeAlphabet excludes vowels and look-alike digits so that user codes
// never spell words and survive being read aloud.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// GenerateSecureToken creates a cryptographically secure random token.
// Returns 256 bits of entropy as an unpadded base64url string, suitable for
// authorization codes, device codes and client secrets.
func GenerateSecureToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateUserCode creates a device-flow user code formatted as XXXX-XXXX.
func GenerateUserCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	var sb strings.Builder
	for i, v := range b {
		if i == 4 {
			sb.WriteByte('-')
		}
		sb.WriteByte(userCodeAlphabet[int(v)%len(userCodeAlphabet)])
	}
	return sb.String(), nil
}

// NewKey returns a random UUID used as an opaque storage key or token jti.
func NewKey() string {
	return uuid.NewString()
}

// HashClientSecret hashes a client secret using bcrypt
// This should be used before storing the secret
func HashClientSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// IsHashedSecret reports whether stored looks like a bcrypt hash.
func IsHashedSecret(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// CompareClientSecret checks a presented secret against a stored one.
// Stored values may be bcrypt hashes or plaintext; plaintext is compared in
// constant time.
func CompareClientSecret(stored, presented string) bool {
	if IsHashedSecret(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
