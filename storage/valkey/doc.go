// Package valkey provides a Valkey storage backend for the oauth-engine grant flows.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store
// implements [storage.Repository] and [storage.ClientAdmin], and suits
// deployments where several engine instances share grants and tokens.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}client:{clientID}           -> sealed JSON(Client)
//	{prefix}grant:{token}               -> HASH data, revoked_at, owner, denied, last_polled_at
//	{prefix}usercode:{code}             -> grant token (expires with the grant)
//	{prefix}token:{accessToken}         -> HASH data, revoked_at
//	{prefix}refresh:{refreshToken}      -> access token
//	{prefix}owner:{clientID}:{ownerID}  -> ZSET of access tokens scored by creation time
//
// The data field holds the JSON record, sealed with the configured
// security.Encryptor and bound to its key. The other hash fields change after
// creation and override the payload on read.
//
// # Atomic Operations
//
// Lua scripts make the security-relevant writes atomic:
//
//   - Creating a grant fails if its token exists or its user code is reserved (SET NX).
//   - Creating a token fails if its access or refresh token exists.
//   - LockAndRevokeGrant and LockAndRevokeToken compare-and-set revoked_at
//     with HSETNX, so only one concurrent caller wins.
//
// # Expiry
//
// Grants and non-refreshable tokens expire Retention after their ExpiresAt.
// Revocation caps the remaining TTL at Retention, long enough to detect a
// replay of the consumed code or rotated refresh token.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS and encryption at rest:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    Encryptor: encryptor,
//	})
package valkey
