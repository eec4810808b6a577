package server

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/security"
)

// MinJWTKeyLength is the minimum HS256 signing key length in bytes.
const MinJWTKeyLength = 32

// TokenClaims describes the access token being minted.
type TokenClaims struct {
	ClientID  string
	OwnerID   string
	Scopes    scope.Set
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenGenerator mints access token strings. Grant codes, device codes and
// refresh tokens are always opaque.
type TokenGenerator interface {
	Generate(ctx context.Context, claims TokenClaims) (string, error)
}

// OpaqueGenerator mints random tokens with 256 bits of entropy.
type OpaqueGenerator struct{}

// Generate returns a new opaque token.
func (OpaqueGenerator) Generate(context.Context, TokenClaims) (string, error) {
	return security.GenerateToken(), nil
}

// JWTGenerator mints self-contained HS256 access tokens.
type JWTGenerator struct {
	key    []byte
	issuer string
}

// accessTokenClaims is the JWT body of an access token.
type accessTokenClaims struct {
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// NewJWTGenerator creates a generator signing with key.
func NewJWTGenerator(key []byte, issuer string) (*JWTGenerator, error) {
	if len(key) < MinJWTKeyLength {
		return nil, fmt.Errorf("%w: JWT signing key must be at least %d bytes", ErrInvalidConfig, MinJWTKeyLength)
	}
	return &JWTGenerator{key: append([]byte(nil), key...), issuer: issuer}, nil
}

// Generate signs claims into a compact JWT with a unique jti.
func (g *JWTGenerator) Generate(_ context.Context, claims TokenClaims) (string, error) {
	body := accessTokenClaims{
		ClientID: claims.ClientID,
		Scope:    claims.Scopes.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   g.issuer,
			Subject:  claims.OwnerID,
			IssuedAt: jwt.NewNumericDate(claims.IssuedAt),
		},
	}
	if !claims.ExpiresAt.IsZero() {
		body.ExpiresAt = jwt.NewNumericDate(claims.ExpiresAt)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, body).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token minted by g and returns its claims. The time
// checks use now.
func (g *JWTGenerator) Parse(token string, now time.Time) (*TokenClaims, error) {
	var body accessTokenClaims
	_, err := jwt.ParseWithClaims(token, &body, func(t *jwt.Token) (any, error) {
		return g.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	claims := &TokenClaims{
		ClientID: body.ClientID,
		OwnerID:  body.Subject,
		Scopes:   scope.Parse(body.Scope),
	}
	if body.IssuedAt != nil {
		claims.IssuedAt = body.IssuedAt.Time
	}
	if body.ExpiresAt != nil {
		claims.ExpiresAt = body.ExpiresAt.Time
	}
	return claims, nil
}
