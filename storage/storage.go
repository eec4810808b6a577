// Package storage defines the repository contract consumed by the grant-flow
// engines along with the Client, Grant and Token records.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-engine/scope"
)

// ErrNotFound is wrapped by every absence sentinel so callers may test for
// absence generically with errors.Is.
var ErrNotFound = errors.New("not found")

var (
	// ErrClientNotFound is returned when a client is unknown or its secret does not match.
	ErrClientNotFound = fmt.Errorf("client %w", ErrNotFound)

	// ErrGrantNotFound is returned when no grant matches a token or user code.
	ErrGrantNotFound = fmt.Errorf("grant %w", ErrNotFound)

	// ErrTokenNotFound is returned when no token matches.
	ErrTokenNotFound = fmt.Errorf("token %w", ErrNotFound)

	// ErrAlreadyExists is returned when creating a record whose token collides.
	ErrAlreadyExists = errors.New("already exists")
)

// Grant kinds
const (
	GrantKindAuthorizationCode = "authorization_code"
	GrantKindDeviceCode        = "device_code"
)

// ClientStore resolves registered clients. The engines never write clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// FindClientByUIDSecret returns the client if uid exists and secret matches
	// its stored hash. A mismatch is reported as ErrClientNotFound.
	FindClientByUIDSecret(ctx context.Context, uid, secret string) (*Client, error)

	// FindClientByUID returns the client registered under uid.
	FindClientByUID(ctx context.Context, uid string) (*Client, error)
}

// GrantStore persists authorization codes and device codes.
type GrantStore interface {
	// FindGrantByToken returns the grant issued as token, revoked or not.
	FindGrantByToken(ctx context.Context, token string) (*Grant, error)

	// CreateGrant stores a new grant.
	CreateGrant(ctx context.Context, grant *Grant) error

	// LockAndRevokeGrant marks the grant revoked if it is not already.
	// It returns true for exactly one caller per grant, however many race.
	// SECURITY: This is the replay defense for code and device grants.
	LockAndRevokeGrant(ctx context.Context, token string) (bool, error)

	// UserCodeExists reports whether a grant expiring after notExpiredSince
	// already uses code.
	UserCodeExists(ctx context.Context, code string, notExpiredSince time.Time) (bool, error)

	// FindGrantByUserCode returns the device grant bound to a user code.
	FindGrantByUserCode(ctx context.Context, code string) (*Grant, error)

	// TouchGrantPolled records a device poll at time at unless the previous
	// poll is less than interval before it. The check and the write are one
	// atomic step; false means the poll came too early and nothing changed.
	TouchGrantPolled(ctx context.Context, token string, at time.Time, interval time.Duration) (bool, error)

	// AssignGrantOwner binds an approved device grant to a resource owner.
	AssignGrantOwner(ctx context.Context, token, ownerID string) error

	// DenyGrant flags a device grant as denied by the resource owner.
	DenyGrant(ctx context.Context, token string) error
}

// TokenStore persists access tokens and their refresh tokens.
type TokenStore interface {
	// FindAccessibleTokenFor returns the newest non-revoked token for the
	// client, owner and exact scope set. The token may already be expired.
	FindAccessibleTokenFor(ctx context.Context, clientID, ownerID string, scopes scope.Set) (*Token, error)

	// FindTokenByRefreshToken returns the token carrying refresh token rt.
	FindTokenByRefreshToken(ctx context.Context, rt string) (*Token, error)

	// FindTokenByToken returns the token by its access token value.
	FindTokenByToken(ctx context.Context, token string) (*Token, error)

	// CreateToken stores a new token.
	CreateToken(ctx context.Context, token *Token) error

	// RevokeToken marks a token revoked. Revoking twice is not an error.
	RevokeToken(ctx context.Context, token string) error

	// LockAndRevokeToken is LockAndRevokeGrant for tokens. Refresh token
	// redemption relies on it having a single winner.
	LockAndRevokeToken(ctx context.Context, token string) (bool, error)
}

// Repository is everything the grant-flow engines need.
type Repository interface {
	ClientStore
	GrantStore
	TokenStore
}

// ClientAdmin manages client registrations. It is used by tooling and tests,
// never by the engines.
type ClientAdmin interface {
	// SaveClient creates or replaces a client. A non-empty secret is hashed
	// into SecretHash before storing.
	SaveClient(ctx context.Context, client *Client, secret string) error

	ListClients(ctx context.Context) ([]*Client, error)

	DeleteClient(ctx context.Context, uid string) error
}

// Client represents a registered OAuth client
type Client struct {
	ID           string
	SecretHash   string // bcrypt hash, empty for public clients
	Name         string
	RedirectURIs []string
	Scopes       scope.Set
	Confidential bool
	GrantTypes   []string // empty allows every flow the server enables
	CreatedAt    time.Time
}

// AllowsGrantType reports whether the client may use grantType.
func (c *Client) AllowsGrantType(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return true
	}
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	cp.Scopes = append(scope.Set(nil), c.Scopes...)
	cp.GrantTypes = append([]string(nil), c.GrantTypes...)
	return &cp
}

// Grant is a single-use authorization code or device code.
type Grant struct {
	ID                  string
	Token               string
	Kind                string
	ClientID            string
	ResourceOwnerID     string // empty until a device code is approved
	RedirectURI         string
	Scopes              scope.Set
	CodeChallenge       string
	CodeChallengeMethod string
	UserCode            string
	LastPolledAt        *time.Time
	Denied              bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
}

// Revoked reports whether the grant has been consumed or revoked.
func (g *Grant) Revoked() bool {
	return g.RevokedAt != nil
}

// Expired reports whether the grant is past its expiry at now.
func (g *Grant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// PolledTooSoon reports whether a device poll at at comes less than interval
// after last. Stores use it to implement TouchGrantPolled.
func PolledTooSoon(last *time.Time, at time.Time, interval time.Duration) bool {
	return last != nil && at.Sub(*last) < interval
}

// Clone returns a deep copy of the grant.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Scopes = append(scope.Set(nil), g.Scopes...)
	cp.LastPolledAt = cloneTime(g.LastPolledAt)
	cp.RevokedAt = cloneTime(g.RevokedAt)
	return &cp
}

// Token is an access token with an optional refresh token.
type Token struct {
	ID                   string
	Token                string
	RefreshToken         string
	ClientID             string // empty for clientless password grants
	ResourceOwnerID      string // empty for client credentials
	Scopes               scope.Set
	PreviousRefreshToken string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	RevokedAt            *time.Time
}

// Revoked reports whether the token has been revoked.
func (t *Token) Revoked() bool {
	return t.RevokedAt != nil
}

// Expired reports whether the token is past its expiry at now.
// A zero ExpiresAt never expires.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Accessible reports whether the token may be used at now.
func (t *Token) Accessible(now time.Time) bool {
	return !t.Revoked() && !t.Expired(now)
}

// Lifetime returns the total validity window of the token.
func (t *Token) Lifetime() time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Sub(t.CreatedAt)
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = append(scope.Set(nil), t.Scopes...)
	cp.RevokedAt = cloneTime(t.RevokedAt)
	return &cp
}

// MatchesOwner reports whether t belongs to clientID and ownerID and carries
// exactly scopes. Stores use it to implement FindAccessibleTokenFor.
func (t *Token) MatchesOwner(clientID, ownerID string, scopes scope.Set) bool {
	return t.ClientID == clientID &&
		t.ResourceOwnerID == ownerID &&
		t.Scopes.Equal(scopes)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
