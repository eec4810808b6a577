// Package mock provides a storage.Repository whose methods can be overridden
// one at a time for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
)

// Repository is a mock implementation of storage.Repository for testing.
// Each call runs the matching Func field when set and otherwise delegates to
// Fallback. A call with neither fails.
type Repository struct {
	Fallback storage.Repository

	FindClientByUIDSecretFunc  func(ctx context.Context, uid, secret string) (*storage.Client, error)
	FindClientByUIDFunc        func(ctx context.Context, uid string) (*storage.Client, error)
	FindGrantByTokenFunc       func(ctx context.Context, token string) (*storage.Grant, error)
	CreateGrantFunc            func(ctx context.Context, grant *storage.Grant) error
	LockAndRevokeGrantFunc     func(ctx context.Context, token string) (bool, error)
	UserCodeExistsFunc         func(ctx context.Context, code string, notExpiredSince time.Time) (bool, error)
	FindGrantByUserCodeFunc    func(ctx context.Context, code string) (*storage.Grant, error)
	TouchGrantPolledFunc       func(ctx context.Context, token string, at time.Time, interval time.Duration) (bool, error)
	AssignGrantOwnerFunc       func(ctx context.Context, token, ownerID string) error
	DenyGrantFunc              func(ctx context.Context, token string) error
	FindAccessibleTokenForFunc func(ctx context.Context, clientID, ownerID string, scopes scope.Set) (*storage.Token, error)
	FindTokenByRefreshFunc     func(ctx context.Context, rt string) (*storage.Token, error)
	FindTokenByTokenFunc       func(ctx context.Context, token string) (*storage.Token, error)
	CreateTokenFunc            func(ctx context.Context, token *storage.Token) error
	RevokeTokenFunc            func(ctx context.Context, token string) error
	LockAndRevokeTokenFunc     func(ctx context.Context, token string) (bool, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ storage.Repository = (*Repository)(nil)

// New creates a mock repository delegating to fallback, which may be nil.
func New(fallback storage.Repository) *Repository {
	return &Repository{Fallback: fallback}
}

// Calls returns how often method was called.
func (m *Repository) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *Repository) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = nil
}

func (m *Repository) record(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
	if m.Fallback == nil {
		return fmt.Errorf("mock: %s not configured", method)
	}
	return nil
}

// FindClientByUIDSecret implements storage.ClientStore
func (m *Repository) FindClientByUIDSecret(ctx context.Context, uid, secret string) (*storage.Client, error) {
	err := m.record("FindClientByUIDSecret")
	if m.FindClientByUIDSecretFunc != nil {
		return m.FindClientByUIDSecretFunc(ctx, uid, secret)
	}
	if err != nil {
		return nil, err
	}
	return m.Fallback.FindClientByUIDSecret(ctx, uid, secret)
}

// FindClientByUID implements storage.ClientStore
func (m *Repository) FindClientByUID(ctx context.Context, uid string) (*storage.Client, error) {
	err := m.record("FindClientByUID")
	if m.FindClientByUIDFunc != nil {
		return m.FindClientByUIDFunc(ctx, uid)
	}
	if err != nil {
		return nil, err
	}
	return m.Fallback.FindClientByUID(ctx, uid)
}

// FindGrantByToken implements storage.GrantStore
func (m *Repository) FindGrantByToken(ctx context.Context, token string) (*storage.Grant, error) {
	err := m.record("FindGrantByToken")
	if m.FindGrantByTokenFunc != nil {
		return m.FindGrantByTokenFunc(ctx, token)
	}
	if err != nil {
		return nil, err
	}
	return m.Fallback.FindGrantByToken(ctx, token)
}

// CreateGrant implements storage.GrantStore
func (m *Repository) CreateGrant(ctx context.Context, grant *storage.Grant) error {
	err := m.record("CreateGrant")
	if m.CreateGrantFunc != nil {
		return m.CreateGrantFunc(ctx, grant)
	}
	if err != nil {
		return err
	}
	return m.Fallback.CreateGrant(ctx, grant)
}

// LockAndRevokeGrant implements storage.GrantStore
func (m *Repository) LockAndRevokeGrant(ctx context.Context, token string) (bool, error) {
	err := m.record("LockAndRevokeGrant")
	if m.LockAndRevokeGrantFunc != nil {
		return m.LockAndRevokeGrantFunc(ctx, token)
	}
	if err != nil {
		return false, err
	}
	return m.Fallback.LockAndRevokeGrant(ctx, token)
}

// UserCodeExists implements storage.GrantStore
func (m *Repository) UserCodeExists(ctx context.Context, code string, notExpiredSince time.Time) (bool, error) {
	err := m.record("UserCodeExists")
	if m.UserCodeExistsFunc != nil {
		return m.UserCodeExistsFunc(ctx, code, notExpiredSince)
	}
	if err != nil {
		return false, err
	}
	return m.Fallback.UserCodeExists(ctx, code, notExpiredSince)
}

// FindGrantByUserCode implements storage.GrantStore
func (m *Repository) FindGrantByUserCode(ctx context.Context, code string) (*storage.Grant, error) {
	err := m.record("FindGrantByUserCode")
	if m.FindGrantByUserCodeFunc != nil {
		return m.FindGrantByUserCodeFunc(ctx, code)
	}
	if err != nil {
		return nil, err
	}
	return m.Fallback.FindGrantByUserCode(ctx, code)
}

// TouchGrantPolled implements storage.GrantStore
func (m *Repository) TouchGrantPolled(ctx context.Context, token string, at time.Time, interval time.Duration) (bool, error) {
	err := m.record("TouchGrantPolled")
	if m.TouchGrantPolledFunc != nil {
		return m.TouchGrantPolledFunc(ctx, token, at, interval)
	}
	if err != nil {
		return false, err
	}
	return m.Fallback.TouchGrantPolled(ctx, token, at, interval)
}

// AssignGrantOwner implements storage.GrantStore
func (m *Repository) AssignGrantOwner(ctx context.Context, token, ownerID string) error {
	err := m.record("AssignGrantOwner")
	if m.AssignGrantOwnerFunc != nil {
		return m.AssignGrantOwnerFunc(ctx, token, ownerID)
	}
	if err != nil {
		return err
	}
	return m.Fallback.AssignGrantOwner(ctx, token, ownerID)
}

// DenyGrant implements storage.GrantStore
func (m *Repository) DenyGrant(ctx context.Context, token string) error {
	err := m.record("DenyGrant")
	if m.DenyGrantFunc != nil {
		return m.DenyGrantFunc(ctx, token)
	}
	if err != nil {
		return err
	}
	return m.Fallback.DenyGrant(ctx, token)
}

// FindAccessibleTokenFor implements storage.TokenStore
func (m *Repository) FindAccessibleTokenFor(ctx context.Context, clientID, ownerID string, scopes scope.Set) (*storage.Token, error) {
	err := m.record("FindAccessibleTokenFor")
	if m.FindAccessibleTokenForFunc != nil {
		return m.FindAccessibleTokenForFunc(ctx, clientID, ownerID, scopes)
	}
	if err != nil {
		return nil, err
	}
	return m.Fallback.FindAccessibleTokenFor(ctx, clientID, ownerID, scopes)
}

// FindTokenByRefreshToken implements storage.TokenStore
func (m *Repository) FindTokenByRefreshToken(ctx context.Context, rt string) (*storage.Token, error) {
	err := m.record("FindTokenByRefreshToken")
	if m.FindTokenByRefreshFunc != nil {
		return m.FindTokenByRefreshFunc(ctx, rt)
	}
	if err != nil {
		return nil, err
	}
	return m.Fallback.FindTokenByRefreshToken(ctx, rt)
}

// FindTokenByToken implements storage.TokenStore
func (m *Repository) FindTokenByToken(ctx context.Context, token string) (*storage.Token, error) {
	err := m.record("FindTokenByToken")
	if m.FindTokenByTokenFunc != nil {
		return m.FindTokenByTokenFunc(ctx, token)
	}
	if err != nil {
		return nil, err
	}
	return m.Fallback.FindTokenByToken(ctx, token)
}

// CreateToken implements storage.TokenStore
func (m *Repository) CreateToken(ctx context.Context, token *storage.Token) error {
	err := m.record("CreateToken")
	if m.CreateTokenFunc != nil {
		return m.CreateTokenFunc(ctx, token)
	}
	if err != nil {
		return err
	}
	return m.Fallback.CreateToken(ctx, token)
}

// RevokeToken implements storage.TokenStore
func (m *Repository) RevokeToken(ctx context.Context, token string) error {
	err := m.record("RevokeToken")
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, token)
	}
	if err != nil {
		return err
	}
	return m.Fallback.RevokeToken(ctx, token)
}

// LockAndRevokeToken implements storage.TokenStore
func (m *Repository) LockAndRevokeToken(ctx context.Context, token string) (bool, error) {
	err := m.record("LockAndRevokeToken")
	if m.LockAndRevokeTokenFunc != nil {
		return m.LockAndRevokeTokenFunc(ctx, token)
	}
	if err != nil {
		return false, err
	}
	return m.Fallback.LockAndRevokeToken(ctx, token)
}
