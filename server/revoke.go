package server

import (
	"context"
	"errors"
	"net/http"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

// RevocationRequest holds the parsed parameters of a revocation request
// (RFC 7009 Section 2.1).
type RevocationRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

type revocationState struct {
	s      *Server
	req    *RevocationRequest
	client *storage.Client
}

var revocationRules = validation.New(
	validation.Rule[*revocationState]{
		Name:        "client_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *revocationState) (bool, error) {
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*revocationState]{
		Name:        "token_present",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing token parameter",
		Check: func(_ context.Context, st *revocationState) (bool, error) {
			return st.req.Token != "", nil
		},
	},
)

// Revoke revokes an access or refresh token (RFC 7009). Unknown tokens are
// not an error; a token belonging to another client is.
func (s *Server) Revoke(ctx context.Context, req *RevocationRequest) error {
	ctx, span := s.startSpan(ctx, flowRevoke)
	defer span.End()

	st := &revocationState{s: s, req: req}
	if err := validate(ctx, s, span, flowRevoke, revocationRules, st); err != nil {
		return err
	}

	token, err := s.lookupToken(ctx, req.Token, req.TokenTypeHint)
	if err != nil {
		return fail(span, "failed to look up token", err)
	}
	if token == nil {
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	if token.ClientID != "" && token.ClientID != st.client.ID {
		s.Auditor.LogAuthFailure(st.client.ID, "", "revocation_of_foreign_token")
		return oauth.NewOAuthError(oauth.ErrorCodeUnauthorizedClient,
			"The client is not authorized to revoke this token", http.StatusForbidden)
	}

	if !token.Revoked() {
		if err := s.repo.RevokeToken(ctx, token.Token); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fail(span, "failed to revoke token", err)
		}
		s.metrics.RecordTokenRevoked(ctx)
		s.Auditor.LogTokenRevoked(token.ResourceOwnerID, token.ClientID, req.TokenTypeHint)
	}

	instrumentation.AddOAuthFlowAttributes(span, token.ClientID, token.ResourceOwnerID, token.Scopes.String())
	instrumentation.SetSpanSuccess(span)
	return nil
}
