package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

type refreshState struct {
	s      *Server
	req    *TokenRequest
	now    time.Time
	client *storage.Client
	base   *storage.Token
	scopes scope.Set

	replayed bool
}

// refreshRules run in order. "token_valid" relies on the optional client;
// "scope_subset" relies on the base token.
var refreshRules = validation.New(
	validation.Rule[*refreshState]{
		Name:        "refresh_token_present",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing refresh_token parameter",
		Check: func(_ context.Context, st *refreshState) (bool, error) {
			return st.req.RefreshToken != "", nil
		},
	},
	validation.Rule[*refreshState]{
		Name:        "client_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *refreshState) (bool, error) {
			if st.req.ClientID == "" && st.req.ClientSecret == "" {
				return true, nil
			}
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*refreshState]{
		Name:        "token_valid",
		Code:        oauth.ErrorCodeInvalidGrant,
		Description: "The provided refresh token is invalid or revoked",
		Check: func(ctx context.Context, st *refreshState) (bool, error) {
			base, err := found(st.s.repo.FindTokenByRefreshToken(ctx, st.req.RefreshToken))
			if err != nil || base == nil {
				return false, err
			}
			st.base = base
			if base.ClientID != "" && (st.client == nil || base.ClientID != st.client.ID) {
				return false, nil
			}
			if base.Revoked() {
				st.replayed = true
				return false, nil
			}
			return true, nil
		},
	},
	validation.Rule[*refreshState]{
		Name:        "scope_subset",
		Code:        oauth.ErrorCodeInvalidScope,
		Description: "The requested scope exceeds the scope originally granted",
		Check: func(_ context.Context, st *refreshState) (bool, error) {
			if st.req.Scope == "" {
				st.scopes = st.base.Scopes
				return true, nil
			}
			if !scope.WellFormed(st.req.Scope) {
				return false, nil
			}
			st.scopes = scope.Parse(st.req.Scope)
			return !st.scopes.IsEmpty() && st.scopes.SubsetOf(st.base.Scopes), nil
		},
	},
)

// RefreshToken redeems a refresh token (RFC 6749 Section 6). The old token
// is revoked first; of several concurrent redemptions exactly one wins and
// the others get invalid_grant.
func (s *Server) RefreshToken(ctx context.Context, req *TokenRequest) (*oauth.SuccessPayload, error) {
	ctx, span := s.startSpan(ctx, flowRefreshToken)
	defer span.End()

	st := &refreshState{s: s, req: req, now: s.now()}
	if err := validate(ctx, s, span, flowRefreshToken, refreshRules, st); err != nil {
		if st.replayed {
			s.refreshReuseDetected(ctx, span, st.base)
		}
		return nil, err
	}

	won, err := s.repo.LockAndRevokeToken(ctx, st.base.Token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oauth.ErrInvalidGrant("The provided refresh token is invalid or revoked")
	}
	if err != nil {
		return nil, fail(span, "failed to revoke refreshed token", err)
	}
	if !won {
		s.refreshReuseDetected(ctx, span, st.base)
		return nil, oauth.ErrInvalidGrant("The provided refresh token is invalid or revoked")
	}

	client := st.client
	if st.base.ClientID == "" {
		client = nil
	}
	token, reused, err := s.findOrCreateToken(ctx, st.now, issueParams{
		client:               client,
		ownerID:              st.base.ResourceOwnerID,
		scopes:               st.scopes,
		refreshable:          s.config.IssueRefreshTokens,
		grantType:            oauth.GrantTypeRefreshToken,
		previousRefreshToken: st.base.RefreshToken,
	})
	if err != nil {
		return nil, fail(span, "failed to issue token", err)
	}

	s.metrics.RecordTokenRefreshed(ctx)
	s.Auditor.LogTokenRefreshed(token.ResourceOwnerID, token.ClientID)
	s.tokenIssued(ctx, span, token, oauth.GrantTypeRefreshToken, reused)
	return tokenPayload(token, st.now), nil
}

// refreshReuseDetected records a replayed refresh token.
func (s *Server) refreshReuseDetected(ctx context.Context, span trace.Span, base *storage.Token) {
	s.metrics.RecordTokenReuseDetected(ctx)
	span.AddEvent("refresh_token_reuse_detected")
	if !s.allowSecurityLog(base.ClientID) {
		return
	}
	s.Logger.Error("Refresh token reuse detected",
		"client_id", base.ClientID,
		"token_prefix", util.TokenPrefix(base.RefreshToken))
	s.Auditor.LogReuseDetected(security.EventRefreshTokenReuseDetected, base.ResourceOwnerID, base.ClientID)
}
