// Package memory provides an in-memory implementation of storage.Repository.
//
// All state lives in maps guarded by a single sync.RWMutex. Lock-and-revoke
// operations take the write lock and re-check the revoked flag before
// setting it, so exactly one concurrent caller wins.
//
// A background goroutine removes grants and tokens some time after they stop
// being usable; call Stop to end it.
//
// For persistence use storage/bolt, and for multi-instance deployments use
// storage/valkey.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, server.Config{...}, logger)
package memory
