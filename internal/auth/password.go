// Package auth implements authentication: bcrypt password hashing, API
// key generation/verification, and session lifecycle. Credentials are
// opaque (hashed keys and random session ids), never signed tokens.
package auth

import "golang.org/x/crypto/bcrypt"

// DefaultBcryptCost matches config.New()'s AuthConfig.BcryptCost default.
const DefaultBcryptCost = 12

// HashPassword bcrypt-hashes a plaintext password at the given cost. A cost
// of zero falls back to DefaultBcryptCost.
func HashPassword(plaintext string, cost int) (string, error) {
	if cost <= 0 {
		cost = DefaultBcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches the bcrypt hash.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
