// Package security holds the security primitives used by the grant engine
// and its storage backends.
//
// # PKCE
//
// VerifyPKCE compares an RFC 7636 code_verifier against the challenge that was
// recorded on an authorization grant. Comparison is constant-time for both the
// S256 and plain methods; any other method never verifies.
//
// # Secrets
//
// Client secrets are stored as bcrypt hashes (HashSecret) and checked with
// CompareSecret, which always performs a bcrypt comparison so that unknown
// clients cannot be told apart from wrong secrets by timing.
//
// Opaque credentials (authorization codes, device codes, access and refresh
// tokens) come from GenerateToken: 32 bytes of crypto/rand, base64url encoded.
//
// # Audit Logging
//
// Auditor writes security_audit records through slog. Resource owner IDs are
// hashed before they are logged. Event type names live in events.go.
//
// # Rate Limiting
//
// RateLimiter is a per-key token bucket (golang.org/x/time/rate) with LRU
// eviction. The engine uses it to keep replay-attack audit logging from being
// used as a log flooding vector.
//
//	limiter := security.NewRateLimiter(1, 5, logger)
//	defer limiter.Stop()
//
//	if limiter.Allow(clientID) {
//	    auditor.LogReuseDetected(...)
//	}
//
// # Encryption at Rest
//
// Encryptor seals storage payloads with AES-256-GCM. Persistent backends bind
// each ciphertext to its record key through GCM additional data, so a sealed
// grant cannot be replayed under another key.
package security
