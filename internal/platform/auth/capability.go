package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const capabilityTokenBytes = 32

// NewCapabilityToken mints a random bearer token for guest order access and
// returns it together with its SHA-256 hash. Only the hash is persisted; the
// raw token is shown to the client exactly once.
func NewCapabilityToken() (token string, hash string, err error) {
	buf := make([]byte, capabilityTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate capability token: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, HashCapabilityToken(token), nil
}

// HashCapabilityToken derives the persisted hash for a raw capability token.
func HashCapabilityToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// VerifyCapabilityToken compares a presented raw token against the stored
// hash in constant time.
func VerifyCapabilityToken(token, hash string) bool {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(hash) == "" {
		return false
	}
	computed := HashCapabilityToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(strings.ToLower(strings.TrimSpace(hash)))) == 1
}
