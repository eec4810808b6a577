package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// issueParams describes an access token to reuse or mint.
type issueParams struct {
	client               *storage.Client
	ownerID              string
	scopes               scope.Set
	refreshable          bool
	grantType            string
	previousRefreshToken string
}

// findOrCreateToken returns a reusable accessible token for the same client,
// owner and scopes when reuse is enabled, and mints a new one otherwise. An
// expired candidate is revoked before minting.
func (s *Server) findOrCreateToken(ctx context.Context, now time.Time, p issueParams) (*storage.Token, bool, error) {
	if s.config.ReuseAccessToken {
		existing, err := found(s.repo.FindAccessibleTokenFor(ctx, clientID(p.client), p.ownerID, p.scopes))
		if err != nil {
			return nil, false, fmt.Errorf("failed to look up reusable token: %w", err)
		}
		if existing != nil {
			if s.reusable(existing, now) {
				return existing, true, nil
			}
			if s.expired(existing.ExpiresAt, now) {
				if err := s.repo.RevokeToken(ctx, existing.Token); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return nil, false, fmt.Errorf("failed to revoke expired token: %w", err)
				}
			}
		}
	}

	token, err := s.mintToken(ctx, now, p)
	if err != nil {
		return nil, false, err
	}
	return token, false, nil
}

// reusable reports whether t is accessible and still within
// TokenReuseLimit percent of its lifetime.
func (s *Server) reusable(t *storage.Token, now time.Time) bool {
	if !s.accessible(t, now) {
		return false
	}
	lifetime := t.Lifetime()
	if lifetime <= 0 {
		return true
	}
	threshold := lifetime * time.Duration(s.config.TokenReuseLimit) / 100
	return now.Sub(t.CreatedAt) < threshold
}

func (s *Server) mintToken(ctx context.Context, now time.Time, p issueParams) (*storage.Token, error) {
	expiresAt := now.Add(time.Duration(s.config.AccessTokenTTL) * time.Second)

	access, err := s.config.TokenGenerator.Generate(ctx, TokenClaims{
		ClientID:  clientID(p.client),
		OwnerID:   p.ownerID,
		Scopes:    p.scopes,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	token := &storage.Token{
		ID:                   uuid.NewString(),
		Token:                access,
		ClientID:             clientID(p.client),
		ResourceOwnerID:      p.ownerID,
		Scopes:               p.scopes,
		PreviousRefreshToken: p.previousRefreshToken,
		CreatedAt:            now,
		ExpiresAt:            expiresAt,
	}
	if p.refreshable {
		token.RefreshToken = security.GenerateToken()
	}

	if err := s.repo.CreateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// tokenPayload renders t as a token endpoint success body.
func tokenPayload(t *storage.Token, now time.Time) *oauth.SuccessPayload {
	return &oauth.SuccessPayload{
		AccessToken:  t.Token,
		TokenType:    oauth.TokenTypeBearer,
		ExpiresIn:    security.SecondsUntil(t.ExpiresAt, now),
		RefreshToken: t.RefreshToken,
		Scope:        t.Scopes.String(),
		CreatedAt:    t.CreatedAt.Unix(),
	}
}

// tokenIssued records metrics, audit and span data for a successful flow.
func (s *Server) tokenIssued(ctx context.Context, span trace.Span, t *storage.Token, grantType string, reused bool) {
	s.metrics.RecordTokenIssued(ctx, grantType, reused)
	s.Auditor.LogTokenIssued(t.ResourceOwnerID, t.ClientID, grantType, t.Scopes.String(), reused)
	instrumentation.AddOAuthFlowAttributes(span, t.ClientID, t.ResourceOwnerID, t.Scopes.String())
	span.SetAttributes(
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.Bool(instrumentation.AttrTokenReused, reused),
	)
	instrumentation.SetSpanSuccess(span)
}

// redeemGrant consumes a grant. Exactly one concurrent caller wins; every
// other caller gets invalid_grant and a reuse event is recorded.
func (s *Server) redeemGrant(ctx context.Context, span trace.Span, grant *storage.Grant) error {
	won, err := s.repo.LockAndRevokeGrant(ctx, grant.Token)
	if errors.Is(err, storage.ErrNotFound) {
		return oauth.ErrInvalidGrant("The provided authorization grant is invalid")
	}
	if err != nil {
		return fail(span, "failed to revoke grant", err)
	}
	if won {
		return nil
	}

	s.grantReuseDetected(ctx, span, grant)
	return oauth.ErrInvalidGrant("The provided authorization grant is invalid")
}

// grantReuseDetected records a replayed grant.
func (s *Server) grantReuseDetected(ctx context.Context, span trace.Span, grant *storage.Grant) {
	s.metrics.RecordCodeReuseDetected(ctx)
	span.SetAttributes(attribute.Bool(instrumentation.AttrCodeReuse, true))
	if !s.allowSecurityLog(grant.ClientID) {
		return
	}
	s.Logger.Error("Grant reuse detected",
		"client_id", grant.ClientID,
		"kind", grant.Kind,
		"code_prefix", util.TokenPrefix(grant.Token))
	s.Auditor.LogReuseDetected(security.EventAuthorizationCodeReuseDetected, grant.ResourceOwnerID, grant.ClientID)
}
