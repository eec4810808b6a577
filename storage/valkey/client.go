package valkey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// FindClientByUID retrieves a client by ID
func (s *Store) FindClientByUID(ctx context.Context, uid string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_client")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "find_client", err, start) }(time.Now())

	return s.getClient(ctx, s.clientKey(uid))
}

func (s *Store) getClient(ctx context.Context, key string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client storage.Client
	if err := storage.OpenRecord(s.encryptor, key, data, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// FindClientByUIDSecret retrieves a client and checks its secret with bcrypt.
// SECURITY: a bcrypt comparison runs even for unknown clients, so response
// time does not reveal which client IDs exist.
func (s *Store) FindClientByUIDSecret(ctx context.Context, uid, secret string) (*storage.Client, error) {
	client, err := s.FindClientByUID(ctx, uid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	hash := ""
	if client != nil {
		hash = client.SecretHash
	}
	if !security.CompareSecret(hash, secret) || client == nil {
		return nil, storage.ErrClientNotFound
	}
	return client, nil
}

// ============================================================
// ClientAdmin Implementation
// ============================================================

// SaveClient creates or replaces a client, hashing secret when given
func (s *Store) SaveClient(ctx context.Context, client *storage.Client, secret string) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}
	if err := validateStringLength(client.ID, MaxIDLength, "clientID"); err != nil {
		return err
	}

	cp := client.Clone()
	if secret != "" {
		hash, err := security.HashSecret(secret)
		if err != nil {
			return err
		}
		cp.SecretHash = hash
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}

	key := s.clientKey(cp.ID)
	sealed, err := storage.SealRecord(s.encryptor, key, cp)
	if err != nil {
		return err
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(sealed)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", cp.ID, "confidential", cp.Confidential)
	return nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return a key more than once
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			client, err := s.getClient(ctx, key)
			if errors.Is(err, storage.ErrNotFound) {
				continue // deleted between SCAN and GET
			}
			if err != nil {
				s.logger.Warn("Failed to read client, skipping",
					"client_id", strings.TrimPrefix(key, s.clientKey("")),
					"error", err)
				continue
			}
			clientMap[key] = client
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })

	return clients, nil
}

// DeleteClient removes a client. Its grants and tokens are left to expire.
func (s *Store) DeleteClient(ctx context.Context, uid string) error {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.clientKey(uid)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}
