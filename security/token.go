package security

import "golang.org/x/oauth2"

// GenerateToken returns a new opaque credential: 32 random bytes, base64url
// encoded without padding (43 characters).
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}
