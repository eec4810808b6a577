package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

const (
	storeType = "bolt"

	// DefaultOpenTimeout bounds how long Open waits for the file lock.
	DefaultOpenTimeout = 5 * time.Second
)

// top level buckets
var (
	clientsBucket   = []byte("clients")
	grantsBucket    = []byte("grants")
	userCodesBucket = []byte("user_codes")
	tokensBucket    = []byte("tokens")
	refreshBucket   = []byte("refresh_tokens")
	ownersBucket    = []byte("token_owners")
)

// Config configures a bbolt-backed store.
type Config struct {
	// Path is the database file. It is created if missing.
	Path string

	// Timeout bounds the wait for the file lock (default: 5s).
	Timeout time.Duration

	// Encryptor seals every record at rest when enabled.
	Encryptor *security.Encryptor

	// Clock stamps revocations and client creation (default: time.Now).
	Clock func() time.Time

	Logger *slog.Logger
}

// Store is a persistent storage.Repository and storage.ClientAdmin backed by
// a single bbolt file. Every write runs in one read-write transaction and
// bbolt runs those one at a time, so lock-and-revoke has a single winner
// across goroutines.
//
// Buckets:
//   - clients: client ID -> sealed client
//   - grants: grant token -> sealed grant
//   - user_codes: user code -> grant token
//   - tokens: access token -> sealed token
//   - refresh_tokens: refresh token -> access token
//   - token_owners: client, owner, creation time, access token -> access token
type Store struct {
	db              *bolt.DB
	encryptor       *security.Encryptor
	now             func() time.Time
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var (
	_ storage.Repository  = (*Store)(nil)
	_ storage.ClientAdmin = (*Store)(nil)
)

// Open opens or creates the database at cfg.Path and makes its buckets.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt path cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOpenTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{clientsBucket, grantsBucket, userCodesBucket, tokensBucket, refreshBucket, ownersBucket} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, e)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Opened bolt storage",
		"path", cfg.Path,
		"encrypted", cfg.Encryptor.IsEnabled())

	return &Store{
		db:        db,
		encryptor: cfg.Encryptor,
		now:       cfg.Clock,
		logger:    logger,
	}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetInstrumentation enables storage spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(storeType,
		s.bucketSize(grantsBucket),
		s.bucketSize(tokensBucket),
		s.bucketSize(clientsBucket),
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) bucketSize(name []byte) instrumentation.StorageSizeCallback {
	return func() int64 {
		var n int
		_ = s.db.View(func(tx *bolt.Tx) error {
			n = tx.Bucket(name).Stats().KeyN
			return nil
		})
		return int64(n)
	}
}

// ============================================================
// ClientStore Implementation
// ============================================================

// FindClientByUID retrieves a client by ID
func (s *Store) FindClientByUID(ctx context.Context, uid string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_client")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "find_client", err, start) }(time.Now())

	err = s.db.View(func(tx *bolt.Tx) error {
		client, err = s.getClient(tx, uid)
		return err
	})
	return client, err
}

// FindClientByUIDSecret retrieves a client and checks its secret with bcrypt.
// A bcrypt comparison runs even for unknown clients.
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

func (s *Store) getClient(tx *bolt.Tx, uid string) (*storage.Client, error) {
	var client storage.Client
	if err := s.load(tx.Bucket(clientsBucket), "client", uid, &client); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrClientNotFound
		}
		return nil, err
	}
	return &client, nil
}

// ============================================================
// ClientAdmin Implementation
// ============================================================

// SaveClient creates or replaces a client, hashing secret when given
func (s *Store) SaveClient(ctx context.Context, client *storage.Client, secret string) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client ID cannot be empty")
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

	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.save(tx.Bucket(clientsBucket), "client", cp.ID, cp)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Saved client", "client_id", cp.ID, "confidential", cp.Confidential)
	return nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var clients []*storage.Client
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, _ []byte) error {
			client, err := s.getClient(tx, string(k))
			if err != nil {
				return err
			}
			clients = append(clients, client)
			return nil
		})
	})
	return clients, err
}

// DeleteClient removes a client. Its grants and tokens are left to expire.
func (s *Store) DeleteClient(ctx context.Context, uid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(uid)) == nil {
			return storage.ErrClientNotFound
		}
		return b.Delete([]byte(uid))
	})
}

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant stores a new grant and reserves its user code
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_grant")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "create_grant", err, start) }(time.Now())

	if grant == nil || grant.Token == "" {
		return fmt.Errorf("grant token cannot be empty")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		grants := tx.Bucket(grantsBucket)
		if grants.Get([]byte(grant.Token)) != nil {
			return storage.ErrAlreadyExists
		}

		if grant.UserCode != "" {
			codes := tx.Bucket(userCodesBucket)
			if holder := codes.Get([]byte(grant.UserCode)); holder != nil {
				held, e := s.getGrant(tx, string(holder))
				if e != nil && !errors.Is(e, storage.ErrNotFound) {
					return e
				}
				if held != nil && held.ExpiresAt.After(grant.CreatedAt) {
					return fmt.Errorf("user code: %w", storage.ErrAlreadyExists)
				}
			}
			if e := codes.Put([]byte(grant.UserCode), []byte(grant.Token)); e != nil {
				return fmt.Errorf("failed to index user code: %w", e)
			}
		}

		return s.save(grants, "grant", grant.Token, grant)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Created grant",
		"kind", grant.Kind,
		"client_id", grant.ClientID,
		"token_prefix", util.TokenPrefix(grant.Token))
	return nil
}

// FindGrantByToken retrieves a grant, revoked or not
func (s *Store) FindGrantByToken(ctx context.Context, token string) (grant *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_grant")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "find_grant", err, start) }(time.Now())

	err = s.db.View(func(tx *bolt.Tx) error {
		grant, err = s.getGrant(tx, token)
		return err
	})
	return grant, err
}

// LockAndRevokeGrant stamps RevokedAt inside one read-write transaction.
// Concurrent callers are serialized by bbolt, so only the first sees the
// grant unrevoked.
func (s *Store) LockAndRevokeGrant(ctx context.Context, token string) (won bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "lock_and_revoke_grant")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "lock_and_revoke_grant", err, start) }(time.Now())

	err = s.updateGrant(token, func(g *storage.Grant) bool {
		if g.RevokedAt != nil {
			return false
		}
		now := s.now()
		g.RevokedAt = &now
		won = true
		return true
	})
	return won, err
}

// UserCodeExists reports whether a grant still live at notExpiredSince uses code
func (s *Store) UserCodeExists(ctx context.Context, code string, notExpiredSince time.Time) (bool, error) {
	grant, err := s.FindGrantByUserCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return grant.ExpiresAt.After(notExpiredSince), nil
}

// FindGrantByUserCode retrieves the device grant bound to a user code
func (s *Store) FindGrantByUserCode(ctx context.Context, code string) (grant *storage.Grant, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		token := tx.Bucket(userCodesBucket).Get([]byte(code))
		if token == nil {
			return storage.ErrGrantNotFound
		}
		grant, err = s.getGrant(tx, string(token))
		return err
	})
	return grant, err
}

// TouchGrantPolled records the time of a device poll unless the previous
// one is within interval
func (s *Store) TouchGrantPolled(ctx context.Context, token string, at time.Time, interval time.Duration) (bool, error) {
	touched := false
	err := s.updateGrant(token, func(g *storage.Grant) bool {
		if storage.PolledTooSoon(g.LastPolledAt, at, interval) {
			return false
		}
		polled := at
		g.LastPolledAt = &polled
		touched = true
		return true
	})
	return touched, err
}

// AssignGrantOwner binds a device grant to the approving resource owner
func (s *Store) AssignGrantOwner(ctx context.Context, token, ownerID string) error {
	return s.updateGrant(token, func(g *storage.Grant) bool {
		g.ResourceOwnerID = ownerID
		return true
	})
}

// DenyGrant flags a device grant as denied
func (s *Store) DenyGrant(ctx context.Context, token string) error {
	return s.updateGrant(token, func(g *storage.Grant) bool {
		g.Denied = true
		return true
	})
}

// updateGrant loads, mutates and saves a grant in one transaction. The grant
// is written back only when mutate returns true.
func (s *Store) updateGrant(token string, mutate func(*storage.Grant) bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		grant, err := s.getGrant(tx, token)
		if err != nil {
			return err
		}
		if !mutate(grant) {
			return nil
		}
		return s.save(tx.Bucket(grantsBucket), "grant", token, grant)
	})
}

func (s *Store) getGrant(tx *bolt.Tx, token string) (*storage.Grant, error) {
	var grant storage.Grant
	if err := s.load(tx.Bucket(grantsBucket), "grant", token, &grant); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, err
	}
	return &grant, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken stores a new token with its refresh and owner indexes
func (s *Store) CreateToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "create_token", err, start) }(time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(tokensBucket)
		if tokens.Get([]byte(token.Token)) != nil {
			return storage.ErrAlreadyExists
		}
		if token.RefreshToken != "" {
			refresh := tx.Bucket(refreshBucket)
			if refresh.Get([]byte(token.RefreshToken)) != nil {
				return fmt.Errorf("refresh token: %w", storage.ErrAlreadyExists)
			}
			if e := refresh.Put([]byte(token.RefreshToken), []byte(token.Token)); e != nil {
				return fmt.Errorf("failed to index refresh token: %w", e)
			}
		}
		if e := tx.Bucket(ownersBucket).Put(ownerKey(token), []byte(token.Token)); e != nil {
			return fmt.Errorf("failed to index token owner: %w", e)
		}
		return s.save(tokens, "token", token.Token, token)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Created token",
		"client_id", token.ClientID,
		"refreshable", token.RefreshToken != "",
		"token_prefix", util.TokenPrefix(token.Token))
	return nil
}

// FindTokenByToken retrieves a token by its access token value
func (s *Store) FindTokenByToken(ctx context.Context, token string) (t *storage.Token, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		t, err = s.getToken(tx, token)
		return err
	})
	return t, err
}

// FindTokenByRefreshToken retrieves the token carrying a refresh token
func (s *Store) FindTokenByRefreshToken(ctx context.Context, rt string) (t *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_token_by_refresh_token")
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "find_token_by_refresh_token", err, start)
	}(time.Now())

	if rt == "" {
		return nil, storage.ErrTokenNotFound
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		access := tx.Bucket(refreshBucket).Get([]byte(rt))
		if access == nil {
			return storage.ErrTokenNotFound
		}
		t, err = s.getToken(tx, string(access))
		return err
	})
	return t, err
}

// FindAccessibleTokenFor walks the owner index newest first and returns the
// first non-revoked token carrying exactly scopes.
func (s *Store) FindAccessibleTokenFor(ctx context.Context, clientID, ownerID string, scopes scope.Set) (found *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_accessible_token")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "find_accessible_token", err, start) }(time.Now())

	prefix := ownerPrefix(clientID, ownerID)
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(ownersBucket).Cursor()

		// position on the last key carrying prefix
		k, v := c.Seek(prefixEnd(prefix))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			t, e := s.getToken(tx, string(v))
			if errors.Is(e, storage.ErrNotFound) {
				continue
			}
			if e != nil {
				return e
			}
			if !t.Revoked() && t.MatchesOwner(clientID, ownerID, scopes) {
				found = t
				return nil
			}
		}
		return storage.ErrTokenNotFound
	})
	return found, err
}

// RevokeToken marks a token revoked. Revoking twice is a no-op.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	_, err := s.LockAndRevokeToken(ctx, token)
	return err
}

// LockAndRevokeToken marks a token revoked and reports whether this call did it
func (s *Store) LockAndRevokeToken(ctx context.Context, token string) (won bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "lock_and_revoke_token")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "lock_and_revoke_token", err, start) }(time.Now())

	err = s.db.Update(func(tx *bolt.Tx) error {
		t, e := s.getToken(tx, token)
		if e != nil {
			return e
		}
		if t.RevokedAt != nil {
			return nil
		}
		now := s.now()
		t.RevokedAt = &now
		won = true
		return s.save(tx.Bucket(tokensBucket), "token", token, t)
	})
	return won, err
}

func (s *Store) getToken(tx *bolt.Tx, token string) (*storage.Token, error) {
	var t storage.Token
	if err := s.load(tx.Bucket(tokensBucket), "token", token, &t); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ============================================================
// Maintenance
// ============================================================

// Purge deletes grants that expired before cutoff, and tokens revoked before
// cutoff or expired before it without a refresh token. It returns the number
// of records removed.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var stale []*storage.Grant
		err := tx.Bucket(grantsBucket).ForEach(func(k, _ []byte) error {
			g, e := s.getGrant(tx, string(k))
			if e != nil {
				return e
			}
			if g.ExpiresAt.Before(cutoff) {
				stale = append(stale, g)
			}
			return nil
		})
		if err != nil {
			return err
		}
		codes := tx.Bucket(userCodesBucket)
		for _, g := range stale {
			if g.UserCode != "" && string(codes.Get([]byte(g.UserCode))) == g.Token {
				if e := codes.Delete([]byte(g.UserCode)); e != nil {
					return e
				}
			}
			if e := tx.Bucket(grantsBucket).Delete([]byte(g.Token)); e != nil {
				return e
			}
			removed++
		}

		var dead []*storage.Token
		err = tx.Bucket(tokensBucket).ForEach(func(k, _ []byte) error {
			t, e := s.getToken(tx, string(k))
			if e != nil {
				return e
			}
			revokedLongAgo := t.RevokedAt != nil && t.RevokedAt.Before(cutoff)
			expiredUnrefreshable := t.RefreshToken == "" && !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(cutoff)
			if revokedLongAgo || expiredUnrefreshable {
				dead = append(dead, t)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, t := range dead {
			if t.RefreshToken != "" {
				if e := tx.Bucket(refreshBucket).Delete([]byte(t.RefreshToken)); e != nil {
					return e
				}
			}
			if e := tx.Bucket(ownersBucket).Delete(ownerKey(t)); e != nil {
				return e
			}
			if e := tx.Bucket(tokensBucket).Delete([]byte(t.Token)); e != nil {
				return e
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge: %w", err)
	}

	if removed > 0 {
		s.logger.Debug("Purged expired entries", "count", removed)
	}
	return removed, nil
}

// ============================================================
// Record Helpers
// ============================================================

// save seals v under kind/key so a record cannot be swapped between buckets.
func (s *Store) save(b *bolt.Bucket, kind, key string, v any) error {
	sealed, err := storage.SealRecord(s.encryptor, kind+"/"+key, v)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(key), sealed); err != nil {
		return fmt.Errorf("failed to put %s: %w", kind, err)
	}
	return nil
}

// load returns storage.ErrNotFound when key is absent.
func (s *Store) load(b *bolt.Bucket, kind, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return storage.ErrNotFound
	}
	// bolt values are only valid inside the transaction
	return storage.OpenRecord(s.encryptor, kind+"/"+key, append([]byte(nil), data...), v)
}

func ownerPrefix(clientID, ownerID string) []byte {
	return []byte(clientID + "\x00" + ownerID + "\x00")
}

// ownerKey orders tokens of one client and owner by creation time.
func ownerKey(t *storage.Token) []byte {
	key := ownerPrefix(t.ClientID, t.ResourceOwnerID)
	key = binary.BigEndian.AppendUint64(key, uint64(t.CreatedAt.UnixNano()))
	return append(key, t.Token...)
}

// prefixEnd returns the smallest key greater than every key carrying prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.instrumentation.StartStorageSpan(ctx, storeType, operation)
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.instrumentation.EndStorageOperation(ctx, span, operation, err, startTime)
	span.End()
}
