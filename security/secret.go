package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummySecretHash is compared against when a client does not exist or has no
// secret, so lookups of unknown clients cost as much as real ones.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret returns the bcrypt hash of a client secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether secret matches hash. An empty hash never
// matches, but a bcrypt comparison still runs against a dummy hash.
func CompareSecret(hash, secret string) bool {
	target := hash
	if target == "" {
		target = dummySecretHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(target), []byte(secret))
	return hash != "" && err == nil
}
