package providers

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-engine/security"
)

// Authenticator verifies resource owner credentials. It has the same method
// set as server.ResourceOwnerAuthenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// UserInfo represents the subset of upstream user information the engine uses
type UserInfo struct {
	// ID is the unique user identifier from the provider ("sub" for OIDC)
	ID string

	// Email is the user's email address
	Email string

	// Name is the user's full name
	Name string
}

type staticUser struct {
	ownerID string
	hash    string
}

// Static authenticates against a fixed set of users. Passwords are kept as
// bcrypt hashes. It is safe for concurrent use.
type Static struct {
	mu    sync.RWMutex
	users map[string]staticUser
}

// NewStatic returns an empty Static authenticator.
func NewStatic() *Static {
	return &Static{users: make(map[string]staticUser)}
}

// Add registers or replaces username with the given owner ID and password.
func (s *Static) Add(username, ownerID, password string) error {
	hash, err := security.HashSecret(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = staticUser{ownerID: ownerID, hash: hash}
	return nil
}

// Authenticate returns the owner ID of username if password matches. Unknown
// users take as long as wrong passwords.
func (s *Static) Authenticate(_ context.Context, username, password string) (string, error) {
	s.mu.RLock()
	user := s.users[username]
	s.mu.RUnlock()

	if !security.CompareSecret(user.hash, password) {
		return "", nil
	}
	return user.ownerID, nil
}
