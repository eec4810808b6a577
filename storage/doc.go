// Package storage provides the repository contract and records used by the
// grant-flow engines.
//
// The engines consume three interfaces:
//   - ClientStore: resolves registered clients by uid and secret
//   - GrantStore: persists authorization codes and device codes
//   - TokenStore: persists access and refresh tokens
//
// Absence is reported with ErrClientNotFound, ErrGrantNotFound and
// ErrTokenNotFound, all of which wrap ErrNotFound.
//
// LockAndRevokeGrant and LockAndRevokeToken must let exactly one of any
// number of concurrent callers win. Every implementation documents how it
// achieves that.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/bolt: Embedded persistent storage backed by bbolt
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
//   - storage/mock: Mock storage for unit testing
package storage
