// Package bolt provides a persistent storage.Repository on a single bbolt file.
//
// Records are JSON, sealed with security.Encryptor when one is configured.
// Each record is bound to its bucket and key as associated data. Lookups by
// refresh token, user code and owner go through index buckets.
//
// Lock-and-revoke operations read and write the record in one read-write
// transaction. bbolt allows a single writer at a time, which gives them a
// single winner. Only one process may open the file.
//
// Example usage:
//
//	store, err := bolt.Open(bolt.Config{Path: "oauth.db", Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package bolt
