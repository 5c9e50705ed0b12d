package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// apiKeyPrefix marks the plaintext form of an API key.
const apiKeyPrefix = "es_"

const apiKeyRandomBytes = 32

// GenerateAPIKey returns a new plaintext API key (es_ + 32 random bytes,
// URL-base64 without padding) and the SHA-256 hash that should be persisted
// instead of the plaintext. The plaintext is returned exactly once; callers
// must surface it to the user at creation time and never store it.
func GenerateAPIKey() (plaintext, hash string, err error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate api key: %w", err)
	}
	plaintext = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey returns the SHA-256 hash of a plaintext API key, hex-encoded.
// Lookups compare against this hash, never the plaintext.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// LooksLikeAPIKey reports whether a bearer token has the API key prefix, so
// the authenticator can decide which credential kind to try first without
// attempting a session lookup on every API key.
func LooksLikeAPIKey(bearer string) bool {
	return len(bearer) > len(apiKeyPrefix) && bearer[:len(apiKeyPrefix)] == apiKeyPrefix
}
