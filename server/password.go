package server

import (
	"context"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

type passwordState struct {
	s       *Server
	req     *TokenRequest
	client  *storage.Client
	ownerID string
	scopes  scope.Set
}

// passwordRules run in order. The client may legitimately stay nil when
// AllowPasswordWithoutClient is set; later rules accept that.
var passwordRules = validation.New(
	validation.Rule[*passwordState]{
		Name:        "client_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *passwordState) (bool, error) {
			if st.req.ClientID == "" && st.req.ClientSecret == "" {
				return st.s.config.AllowPasswordWithoutClient, nil
			}
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*passwordState]{
		Name:        "client_flow_allowed",
		Code:        oauth.ErrorCodeUnauthorizedClient,
		Description: "The client is not authorized to use this grant type",
		Check: func(_ context.Context, st *passwordState) (bool, error) {
			return clientAllowed(st.client, oauth.GrantTypePassword), nil
		},
	},
	validation.Rule[*passwordState]{
		Name:        "credentials_present",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing username or password parameter",
		Check: func(_ context.Context, st *passwordState) (bool, error) {
			return st.req.Username != "" && st.req.Password != "", nil
		},
	},
	validation.Rule[*passwordState]{
		Name:        "resource_owner_authenticated",
		Code:        oauth.ErrorCodeInvalidGrant,
		Description: "The resource owner credentials are invalid",
		Check: func(ctx context.Context, st *passwordState) (bool, error) {
			auth := st.s.config.ResourceOwnerAuthenticator
			if auth == nil {
				return false, nil
			}
			ownerID, err := auth.Authenticate(ctx, st.req.Username, st.req.Password)
			st.ownerID = ownerID
			return ownerID != "", err
		},
	},
	validation.Rule[*passwordState]{
		Name:        "scope",
		Code:        oauth.ErrorCodeInvalidScope,
		Description: "The requested scope is invalid, unknown, or malformed",
		Check: func(_ context.Context, st *passwordState) (bool, error) {
			scopes, ok := st.s.scopeAcceptable(st.req.Scope, st.client)
			st.scopes = scopes
			return ok, nil
		},
	},
)

// Password exchanges resource owner credentials for a token (RFC 6749
// Section 4.3). A blank scope resolves to the server defaults narrowed to
// the client's registered scopes.
func (s *Server) Password(ctx context.Context, req *TokenRequest) (*oauth.SuccessPayload, error) {
	ctx, span := s.startSpan(ctx, flowPassword)
	defer span.End()

	now := s.now()
	st := &passwordState{s: s, req: req}
	if err := validate(ctx, s, span, flowPassword, passwordRules, st); err != nil {
		if oe, ok := oauth.AsOAuthError(err); ok && (oe.Code == oauth.ErrorCodeInvalidClient || oe.Code == oauth.ErrorCodeInvalidGrant) {
			s.Auditor.LogAuthFailure(req.ClientID, oauth.GrantTypePassword, oe.Code)
		}
		return nil, err
	}

	token, reused, err := s.findOrCreateToken(ctx, now, issueParams{
		client:      st.client,
		ownerID:     st.ownerID,
		scopes:      st.scopes,
		refreshable: s.config.IssueRefreshTokens,
		grantType:   oauth.GrantTypePassword,
	})
	if err != nil {
		return nil, fail(span, "failed to issue token", err)
	}

	s.tokenIssued(ctx, span, token, oauth.GrantTypePassword, reused)
	return tokenPayload(token, now), nil
}
