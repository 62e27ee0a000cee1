package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// SessionTokenBytes is the entropy of a session token.
	SessionTokenBytes = 32
	// ResetTokenBytes is the entropy of a password reset token.
	ResetTokenBytes = 48
)

// RandomToken returns n bytes from crypto/rand, base64url encoded without
// padding.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenDigest returns the hex SHA-256 of token. Stores key bearer tokens by
// digest so a leaked table holds nothing usable.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
