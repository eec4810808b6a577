package server

import (
	"context"
	"errors"
	"time"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

type clientCredentialsState struct {
	s      *Server
	req    *TokenRequest
	client *storage.Client
	scopes scope.Set
}

// clientCredentialsRules run in order; later rules rely on the client.
var clientCredentialsRules = validation.New(
	validation.Rule[*clientCredentialsState]{
		Name:        "client_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *clientCredentialsState) (bool, error) {
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*clientCredentialsState]{
		Name:        "client_flow_allowed",
		Code:        oauth.ErrorCodeUnauthorizedClient,
		Description: "The client is not authorized to use this grant type",
		Check: func(_ context.Context, st *clientCredentialsState) (bool, error) {
			return st.client.AllowsGrantType(oauth.GrantTypeClientCredentials), nil
		},
	},
	validation.Rule[*clientCredentialsState]{
		Name:        "scope",
		Code:        oauth.ErrorCodeInvalidScope,
		Description: "The requested scope is invalid, unknown, or malformed",
		Check: func(_ context.Context, st *clientCredentialsState) (bool, error) {
			scopes, ok := st.s.scopeAcceptable(st.req.Scope, st.client)
			st.scopes = scopes
			return ok, nil
		},
	},
)

// ClientCredentials issues a token to the client itself (RFC 6749 Section
// 4.4). The token has no owner and no refresh token.
func (s *Server) ClientCredentials(ctx context.Context, req *TokenRequest) (*oauth.SuccessPayload, error) {
	ctx, span := s.startSpan(ctx, flowClientCredentials)
	defer span.End()

	now := s.now()
	st := &clientCredentialsState{s: s, req: req}
	if err := validate(ctx, s, span, flowClientCredentials, clientCredentialsRules, st); err != nil {
		if st.client == nil && req.ClientID != "" {
			s.Auditor.LogAuthFailure(req.ClientID, oauth.GrantTypeClientCredentials, "client_authentication_failed")
		}
		return nil, err
	}

	if s.config.RevokePreviousClientCredentialsToken {
		if err := s.revokePreviousToken(ctx, st.client, st.scopes, now); err != nil {
			return nil, fail(span, "failed to revoke previous token", err)
		}
	}

	token, reused, err := s.findOrCreateToken(ctx, now, issueParams{
		client:    st.client,
		scopes:    st.scopes,
		grantType: oauth.GrantTypeClientCredentials,
	})
	if err != nil {
		return nil, fail(span, "failed to issue token", err)
	}

	s.tokenIssued(ctx, span, token, oauth.GrantTypeClientCredentials, reused)
	return tokenPayload(token, now), nil
}

// revokePreviousToken revokes the client's current accessible token for
// scopes, unless reuse would hand that same token out again.
func (s *Server) revokePreviousToken(ctx context.Context, client *storage.Client, scopes scope.Set, now time.Time) error {
	previous, err := found(s.repo.FindAccessibleTokenFor(ctx, client.ID, "", scopes))
	if err != nil || previous == nil {
		return err
	}
	if s.config.ReuseAccessToken && s.reusable(previous, now) {
		return nil
	}
	if err := s.repo.RevokeToken(ctx, previous.Token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.metrics.RecordTokenRevoked(ctx)
	return nil
}
