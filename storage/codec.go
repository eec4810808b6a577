package storage

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oauth-engine/security"
)

// SealRecord serializes v to JSON and encrypts it when enc is enabled.
// key is bound as associated data so a sealed record cannot be moved to
// another key undetected.
func SealRecord(enc *security.Encryptor, key string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	sealed, err := enc.Seal(data, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt record: %w", err)
	}
	return sealed, nil
}

// OpenRecord reverses SealRecord into v.
func OpenRecord(enc *security.Encryptor, key string, sealed []byte, v any) error {
	data, err := enc.Open(sealed, []byte(key))
	if err != nil {
		return fmt.Errorf("failed to decrypt record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}
