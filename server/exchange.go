package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

type exchangeState struct {
	s      *Server
	req    *TokenRequest
	now    time.Time
	client *storage.Client
	grant  *storage.Grant

	replayed   bool
	pkceFailed bool
}

// exchangeRules run in order. "grant_valid" relies on the authenticated
// client; the PKCE rules rely on the grant.
var exchangeRules = validation.New(
	validation.Rule[*exchangeState]{
		Name:        "required_params",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing code or redirect_uri parameter",
		Check: func(_ context.Context, st *exchangeState) (bool, error) {
			return st.req.Code != "" && st.req.RedirectURI != "", nil
		},
	},
	validation.Rule[*exchangeState]{
		Name:        "client_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *exchangeState) (bool, error) {
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*exchangeState]{
		Name:        "grant_valid",
		Code:        oauth.ErrorCodeInvalidGrant,
		Description: "The provided authorization grant is invalid, expired, or revoked",
		Check: func(ctx context.Context, st *exchangeState) (bool, error) {
			grant, err := found(st.s.repo.FindGrantByToken(ctx, st.req.Code))
			if err != nil || grant == nil {
				return false, err
			}
			st.grant = grant
			if grant.Kind != storage.GrantKindAuthorizationCode || grant.ClientID != st.client.ID {
				return false, nil
			}
			if grant.Revoked() {
				st.replayed = true
				return false, nil
			}
			return !st.s.expired(grant.ExpiresAt, st.now), nil
		},
	},
	validation.Rule[*exchangeState]{
		Name:        "redirect_uri_match",
		Code:        oauth.ErrorCodeInvalidGrant,
		Description: "The redirect_uri does not match the authorization request",
		Check: func(_ context.Context, st *exchangeState) (bool, error) {
			return st.req.RedirectURI == st.grant.RedirectURI, nil
		},
	},
	validation.Rule[*exchangeState]{
		Name:        "code_verifier_present",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing code_verifier parameter",
		Check: func(_ context.Context, st *exchangeState) (bool, error) {
			return st.grant.CodeChallenge == "" || st.req.CodeVerifier != "", nil
		},
	},
	validation.Rule[*exchangeState]{
		Name:        "code_verifier_format",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "The code_verifier does not match RFC 7636 Section 4.1",
		Check: func(_ context.Context, st *exchangeState) (bool, error) {
			if st.grant.CodeChallenge == "" || !st.s.config.StrictVerifierFormat {
				return true, nil
			}
			return security.ValidVerifierFormat(st.req.CodeVerifier), nil
		},
	},
	validation.Rule[*exchangeState]{
		Name:        "pkce_verified",
		Code:        oauth.ErrorCodeInvalidGrant,
		Description: "The code_verifier does not match the code_challenge",
		Check: func(_ context.Context, st *exchangeState) (bool, error) {
			if st.grant.CodeChallenge == "" {
				return true, nil
			}
			ok := security.VerifyPKCE(st.grant.CodeChallengeMethod, st.grant.CodeChallenge, st.req.CodeVerifier)
			st.pkceFailed = !ok
			return ok, nil
		},
	},
)

// ExchangeAuthorizationCode redeems an authorization code (RFC 6749
// Section 4.1.3). The grant is revoked before a token is issued, so a code
// is honoured at most once even under concurrent redemption.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*oauth.SuccessPayload, error) {
	ctx, span := s.startSpan(ctx, flowAuthorizationCode)
	defer span.End()

	st := &exchangeState{s: s, req: req, now: s.now()}
	if err := validate(ctx, s, span, flowAuthorizationCode, exchangeRules, st); err != nil {
		s.exchangeFailed(ctx, span, st)
		return nil, err
	}

	if err := s.redeemGrant(ctx, span, st.grant); err != nil {
		return nil, err
	}

	token, reused, err := s.findOrCreateToken(ctx, st.now, issueParams{
		client:      st.client,
		ownerID:     st.grant.ResourceOwnerID,
		scopes:      st.grant.Scopes,
		refreshable: s.config.IssueRefreshTokens,
		grantType:   oauth.GrantTypeAuthorizationCode,
	})
	if err != nil {
		return nil, fail(span, "failed to issue token", err)
	}

	s.tokenIssued(ctx, span, token, oauth.GrantTypeAuthorizationCode, reused)
	return tokenPayload(token, st.now), nil
}

// exchangeFailed records the security relevant exchange failures.
func (s *Server) exchangeFailed(ctx context.Context, span trace.Span, st *exchangeState) {
	switch {
	case st.replayed:
		s.grantReuseDetected(ctx, span, st.grant)
	case st.pkceFailed:
		s.metrics.RecordPKCEValidationFailed(ctx, st.grant.CodeChallengeMethod)
		instrumentation.AddPKCEAttributes(span, st.grant.CodeChallengeMethod)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			OwnerID:  st.grant.ResourceOwnerID,
			ClientID: st.grant.ClientID,
			Details: map[string]any{
				"method": st.grant.CodeChallengeMethod,
			},
		})
	case st.client == nil && st.req.ClientID != "":
		s.Auditor.LogAuthFailure(st.req.ClientID, oauth.GrantTypeAuthorizationCode, "client_authentication_failed")
	}
}
