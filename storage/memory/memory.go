// Package memory provides an in-memory implementation of the storage repository.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

const (
	storeType = "memory"

	// DefaultRetention is how long expired or revoked records are kept
	// before cleanup removes them.
	DefaultRetention = time.Hour
)

// Store is an in-memory implementation of storage.Repository and storage.ClientAdmin.
// Records are copied on the way in and out, so callers never share memory
// with the store.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	grants    map[string]*storage.Grant // grant token -> grant
	userCodes map[string]string         // user code -> grant token

	tokens        map[string]*storage.Token // access token -> token
	refreshTokens map[string]string         // refresh token -> access token

	// Instrumentation
	instrumentation *instrumentation.Instrumentation

	// Atomic counters for metrics (lock-free access during metric collection)
	grantsCountAtomic  atomic.Int64
	tokensCountAtomic  atomic.Int64
	clientsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	retention       time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.Repository  = (*Store)(nil)
	_ storage.ClientAdmin = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		grants:          make(map[string]*storage.Grant),
		userCodes:       make(map[string]string),
		tokens:          make(map[string]*storage.Token),
		refreshTokens:   make(map[string]string),
		cleanupInterval: cleanupInterval,
		retention:       DefaultRetention,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetRetention sets how long expired or revoked records outlive their expiry.
func (s *Store) SetRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = d
}

// SetClock replaces the time source used for revocation stamps and cleanup.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.grantsCountAtomic.Store(int64(len(s.grants)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	logger := s.logger
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(storeType,
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// FindClientByUID retrieves a client by ID
func (s *Store) FindClientByUID(ctx context.Context, uid string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "find_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[uid]
	if !ok {
		err = storage.ErrClientNotFound
		return nil, err
	}

	return client.Clone(), nil
}

// FindClientByUIDSecret retrieves a client and checks its secret with bcrypt.
// A bcrypt comparison runs even for unknown clients.
func (s *Store) FindClientByUIDSecret(ctx context.Context, uid, secret string) (*storage.Client, error) {
	s.mu.RLock()
	client, ok := s.clients[uid]
	hash := ""
	if ok {
		hash = client.SecretHash
		client = client.Clone()
	}
	s.mu.RUnlock()

	if !security.CompareSecret(hash, secret) || !ok {
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

	cp := client.Clone()
	if secret != "" {
		hash, err := security.HashSecret(secret)
		if err != nil {
			return err
		}
		cp.SecretHash = hash
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	if _, existed := s.clients[cp.ID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[cp.ID] = cp

	s.logger.Debug("Saved client", "client_id", cp.ID, "confidential", cp.Confidential)
	return nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client.Clone())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })

	return clients, nil
}

// DeleteClient removes a client. Its grants and tokens are left to expire.
func (s *Store) DeleteClient(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[uid]; !ok {
		return storage.ErrClientNotFound
	}
	delete(s.clients, uid)
	s.clientsCountAtomic.Add(-1)
	return nil
}

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant stores a new grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "create_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_grant", err, startTime)
	}()

	if grant == nil || grant.Token == "" {
		err = fmt.Errorf("grant token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.Token]; exists {
		err = storage.ErrAlreadyExists
		return err
	}
	if grant.UserCode != "" {
		if holder, ok := s.grants[s.userCodes[grant.UserCode]]; ok && holder.ExpiresAt.After(grant.CreatedAt) {
			err = fmt.Errorf("user code: %w", storage.ErrAlreadyExists)
			return err
		}
		s.userCodes[grant.UserCode] = grant.Token
	}

	s.grants[grant.Token] = grant.Clone()
	s.grantsCountAtomic.Add(1)

	s.logger.Debug("Created grant",
		"kind", grant.Kind,
		"client_id", grant.ClientID,
		"token_prefix", util.TokenPrefix(grant.Token))
	return nil
}

// FindGrantByToken retrieves a grant, revoked or not
func (s *Store) FindGrantByToken(ctx context.Context, token string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "find_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_grant", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[token]
	if !ok {
		err = storage.ErrGrantNotFound
		return nil, err
	}
	return grant.Clone(), nil
}

// LockAndRevokeGrant marks a grant revoked under the write lock.
// The re-check of RevokedAt under the same lock guarantees a single winner.
func (s *Store) LockAndRevokeGrant(ctx context.Context, token string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "lock_and_revoke_grant")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "lock_and_revoke_grant", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	grant, ok := s.grants[token]
	if !ok {
		err = storage.ErrGrantNotFound
		return false, err
	}
	if grant.RevokedAt != nil {
		s.logger.Debug("Grant already revoked",
			"token_prefix", util.TokenPrefix(token))
		return false, nil
	}

	now := s.now()
	grant.RevokedAt = &now
	return true, nil
}

// UserCodeExists reports whether a grant still live at notExpiredSince uses code
func (s *Store) UserCodeExists(ctx context.Context, code string, notExpiredSince time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[s.userCodes[code]]
	return ok && grant.ExpiresAt.After(notExpiredSince), nil
}

// FindGrantByUserCode retrieves the device grant bound to a user code
func (s *Store) FindGrantByUserCode(ctx context.Context, code string) (*storage.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[s.userCodes[code]]
	if !ok {
		return nil, storage.ErrGrantNotFound
	}
	return grant.Clone(), nil
}

// TouchGrantPolled records the time of a device poll unless the previous
// one is within interval
func (s *Store) TouchGrantPolled(ctx context.Context, token string, at time.Time, interval time.Duration) (bool, error) {
	touched := false
	err := s.updateGrant(token, func(g *storage.Grant) {
		if storage.PolledTooSoon(g.LastPolledAt, at, interval) {
			return
		}
		polled := at
		g.LastPolledAt = &polled
		touched = true
	})
	return touched, err
}

// AssignGrantOwner binds a device grant to the approving resource owner
func (s *Store) AssignGrantOwner(ctx context.Context, token, ownerID string) error {
	return s.updateGrant(token, func(g *storage.Grant) {
		g.ResourceOwnerID = ownerID
	})
}

// DenyGrant flags a device grant as denied
func (s *Store) DenyGrant(ctx context.Context, token string) error {
	return s.updateGrant(token, func(g *storage.Grant) {
		g.Denied = true
	})
}

func (s *Store) updateGrant(token string, mutate func(*storage.Grant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[token]
	if !ok {
		return storage.ErrGrantNotFound
	}
	mutate(grant)
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken stores a new token
func (s *Store) CreateToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_token", err, startTime)
	}()

	if token == nil || token.Token == "" {
		err = fmt.Errorf("token cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Token]; exists {
		err = storage.ErrAlreadyExists
		return err
	}
	if token.RefreshToken != "" {
		if _, exists := s.refreshTokens[token.RefreshToken]; exists {
			err = fmt.Errorf("refresh token: %w", storage.ErrAlreadyExists)
			return err
		}
		s.refreshTokens[token.RefreshToken] = token.Token
	}

	s.tokens[token.Token] = token.Clone()
	s.tokensCountAtomic.Add(1)

	s.logger.Debug("Created token",
		"client_id", token.ClientID,
		"refreshable", token.RefreshToken != "",
		"token_prefix", util.TokenPrefix(token.Token))
	return nil
}

// FindTokenByToken retrieves a token by its access token value
func (s *Store) FindTokenByToken(ctx context.Context, token string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return t.Clone(), nil
}

// FindTokenByRefreshToken retrieves the token carrying a refresh token
func (s *Store) FindTokenByRefreshToken(ctx context.Context, rt string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "find_token_by_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_token_by_refresh_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[s.refreshTokens[rt]]
	if !ok || rt == "" {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	return t.Clone(), nil
}

// FindAccessibleTokenFor returns the newest non-revoked token matching the
// client, owner and scopes
func (s *Store) FindAccessibleTokenFor(ctx context.Context, clientID, ownerID string, scopes scope.Set) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "find_accessible_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "find_accessible_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *storage.Token
	for _, t := range s.tokens {
		if t.Revoked() || !t.MatchesOwner(clientID, ownerID, scopes) {
			continue
		}
		if newest == nil || t.CreatedAt.After(newest.CreatedAt) {
			newest = t
		}
	}
	if newest == nil {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	return newest.Clone(), nil
}

// RevokeToken marks a token revoked. Revoking twice is a no-op.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	_, err := s.LockAndRevokeToken(ctx, token)
	return err
}

// LockAndRevokeToken marks a token revoked and reports whether this call did it
func (s *Store) LockAndRevokeToken(ctx context.Context, token string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "lock_and_revoke_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "lock_and_revoke_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		err = storage.ErrTokenNotFound
		return false, err
	}
	if t.RevokedAt != nil {
		return false, nil
	}

	now := s.now()
	t.RevokedAt = &now
	return true, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes grants expired for longer than the retention period and
// tokens that can no longer be used or refreshed.
func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	cleaned := 0

	for token, grant := range s.grants {
		if grant.ExpiresAt.Before(cutoff) {
			if s.userCodes[grant.UserCode] == token {
				delete(s.userCodes, grant.UserCode)
			}
			delete(s.grants, token)
			s.grantsCountAtomic.Add(-1)
			cleaned++
		}
	}

	for access, t := range s.tokens {
		revokedLongAgo := t.RevokedAt != nil && t.RevokedAt.Before(cutoff)
		expiredUnrefreshable := t.RefreshToken == "" && !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(cutoff)
		if revokedLongAgo || expiredUnrefreshable {
			delete(s.refreshTokens, t.RefreshToken)
			delete(s.tokens, access)
			s.tokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.instrumentation.StartStorageSpan(ctx, storeType, operation)
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.instrumentation.EndStorageOperation(ctx, span, operation, err, startTime)
}
