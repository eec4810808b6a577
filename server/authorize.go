package server

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

// AuthorizationRequest holds the parsed parameters of an authorization
// endpoint request (RFC 6749 Section 4.1.1 and 4.2.1).
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// PreAuthorization is a validated authorization request waiting for the
// resource owner's decision.
type PreAuthorization struct {
	Client              *storage.Client
	RedirectURI         string
	ResponseType        string
	Scopes              scope.Set
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationResult is the outcome of an approved authorization request.
type AuthorizationResult struct {
	// Code is set for response_type=code.
	Code string

	// Token is set for response_type=token.
	Token *oauth.SuccessPayload

	// RedirectURL carries the result back to the client. It is empty for
	// the out-of-band redirect URI, where Code is shown to the user instead.
	RedirectURL string
}

type preAuthState struct {
	s           *Server
	req         *AuthorizationRequest
	client      *storage.Client
	redirectURI string
	scopes      scope.Set
	method      string
}

// preAuthRules run in order. Rules after "redirect_uri" may assume a
// resolved client and redirect URI; failures from that point on are
// reported to the client's redirect URI.
var preAuthRules = validation.New(
	validation.Rule[*preAuthState]{
		Name:        "client_id_present",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing client_id parameter",
		Check: func(_ context.Context, st *preAuthState) (bool, error) {
			return st.req.ClientID != "", nil
		},
	},
	validation.Rule[*preAuthState]{
		Name:        "client_exists",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *preAuthState) (bool, error) {
			client, err := found(st.s.repo.FindClientByUID(ctx, st.req.ClientID))
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*preAuthState]{
		Name:        "redirect_uri",
		Code:        oauth.ErrorCodeInvalidRedirectURI,
		Description: "The redirect URI included is not valid",
		Check: func(_ context.Context, st *preAuthState) (bool, error) {
			st.redirectURI = resolveRedirectURI(st.client, st.req.RedirectURI, st.s.config.AllowLoopbackPortVariation)
			return st.redirectURI != "", nil
		},
	},
	validation.Rule[*preAuthState]{
		Name:        "response_type",
		Code:        oauth.ErrorCodeUnsupportedResponseType,
		Description: "The authorization server does not support this response type",
		Check: func(_ context.Context, st *preAuthState) (bool, error) {
			return st.s.config.responseTypeEnabled(st.req.ResponseType), nil
		},
	},
	validation.Rule[*preAuthState]{
		Name:        "client_flow_allowed",
		Code:        oauth.ErrorCodeUnauthorizedClient,
		Description: "The client is not authorized to use this response type",
		Check: func(_ context.Context, st *preAuthState) (bool, error) {
			return st.client.AllowsGrantType(responseGrantType(st.req.ResponseType)), nil
		},
	},
	validation.Rule[*preAuthState]{
		Name:        "scope",
		Code:        oauth.ErrorCodeInvalidScope,
		Description: "The requested scope is invalid, unknown, or malformed",
		Check: func(_ context.Context, st *preAuthState) (bool, error) {
			scopes, ok := st.s.scopeAcceptable(st.req.Scope, st.client)
			st.scopes = scopes
			return ok, nil
		},
	},
	validation.Rule[*preAuthState]{
		Name:        "pkce",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Invalid or missing code_challenge",
		Check: func(_ context.Context, st *preAuthState) (bool, error) {
			method, ok := st.s.pkceAcceptable(st.client, st.req.CodeChallenge, st.req.CodeChallengeMethod)
			st.method = method
			return ok, nil
		},
	},
	validation.Rule[*preAuthState]{
		Name:        "authorization_policy",
		Code:        oauth.ErrorCodeAccessDenied,
		Description: "The authorization server denied the request",
		Check: func(ctx context.Context, st *preAuthState) (bool, error) {
			return st.s.config.AuthorizationPolicy(ctx, st.client, st.scopes), nil
		},
	},
)

// responseGrantType maps a response type to the grant type a client must be
// allowed to use.
func responseGrantType(responseType string) string {
	if responseType == oauth.ResponseTypeToken {
		return oauth.GrantTypeImplicit
	}
	return oauth.GrantTypeAuthorizationCode
}

// PreAuthorize validates an authorization request. Errors that may be
// reported to the client carry its redirect URI and state; see
// oauth.ErrorRedirectURL.
func (s *Server) PreAuthorize(ctx context.Context, req *AuthorizationRequest) (*PreAuthorization, error) {
	ctx, span := s.startSpan(ctx, flowAuthorize)
	defer span.End()

	span.SetAttributes(
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType),
	)

	st := &preAuthState{s: s, req: req}
	if err := validate(ctx, s, span, flowAuthorize, preAuthRules, st); err != nil {
		return nil, s.redirectable(err, st)
	}

	instrumentation.AddPKCEAttributes(span, st.method)
	instrumentation.SetSpanSuccess(span)

	return &PreAuthorization{
		Client:              st.client,
		RedirectURI:         st.redirectURI,
		ResponseType:        req.ResponseType,
		Scopes:              st.scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: st.method,
	}, nil
}

// redirectable binds a validation error to the resolved redirect URI. Errors
// raised before the redirect URI was verified are never redirected.
func (s *Server) redirectable(err error, st *preAuthState) error {
	oe, ok := oauth.AsOAuthError(err)
	if !ok || st.redirectURI == "" || isOOB(st.redirectURI) {
		return err
	}
	if oe.Code == oauth.ErrorCodeInvalidRedirectURI {
		return err
	}
	fragment := st.req.ResponseType == oauth.ResponseTypeToken && s.config.responseTypeEnabled(oauth.ResponseTypeToken)
	return oe.WithRedirect(st.redirectURI, st.req.State, fragment)
}

// Approve completes a pre-authorized request on behalf of ownerID.
// For response_type=code it creates a single-use grant; for
// response_type=token it issues an access token in the URI fragment.
func (s *Server) Approve(ctx context.Context, pre *PreAuthorization, ownerID string) (*AuthorizationResult, error) {
	if pre == nil || pre.Client == nil {
		return nil, fmt.Errorf("pre-authorization is required")
	}
	if ownerID == "" {
		return nil, oauth.ErrInvalidRequest("A resource owner is required")
	}

	if pre.ResponseType == oauth.ResponseTypeToken {
		return s.approveImplicit(ctx, pre, ownerID)
	}

	ctx, span := s.startSpan(ctx, flowAuthorize)
	defer span.End()

	now := s.now()
	grant := &storage.Grant{
		ID:                  uuid.NewString(),
		Token:               security.GenerateToken(),
		Kind:                storage.GrantKindAuthorizationCode,
		ClientID:            pre.Client.ID,
		ResourceOwnerID:     ownerID,
		RedirectURI:         pre.RedirectURI,
		Scopes:              pre.Scopes,
		CodeChallenge:       pre.CodeChallenge,
		CodeChallengeMethod: pre.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.repo.CreateGrant(ctx, grant); err != nil {
		return nil, fail(span, "failed to store authorization grant", err)
	}

	s.metrics.RecordGrantIssued(ctx, grant.Kind)
	s.Auditor.LogGrantIssued(ownerID, grant.ClientID, grant.Kind, grant.Scopes.String())
	instrumentation.AddOAuthFlowAttributes(span, grant.ClientID, ownerID, grant.Scopes.String())
	instrumentation.SetSpanSuccess(span)

	result := &AuthorizationResult{Code: grant.Token}
	if isOOB(pre.RedirectURI) {
		return result, nil
	}

	params := url.Values{}
	params.Set("code", grant.Token)
	if pre.State != "" {
		params.Set("state", pre.State)
	}
	redirect, err := oauth.QueryURL(pre.RedirectURI, params)
	if err != nil {
		return nil, fail(span, "failed to build redirect", err)
	}
	result.RedirectURL = redirect
	return result, nil
}

// approveImplicit issues a non-refreshable token without a grant. The token
// is only ever returned in the URI fragment.
func (s *Server) approveImplicit(ctx context.Context, pre *PreAuthorization, ownerID string) (*AuthorizationResult, error) {
	ctx, span := s.startSpan(ctx, oauth.GrantTypeImplicit)
	defer span.End()

	now := s.now()
	token, reused, err := s.findOrCreateToken(ctx, now, issueParams{
		client:    pre.Client,
		ownerID:   ownerID,
		scopes:    pre.Scopes,
		grantType: oauth.GrantTypeImplicit,
	})
	if err != nil {
		return nil, fail(span, "failed to issue implicit token", err)
	}
	s.tokenIssued(ctx, span, token, oauth.GrantTypeImplicit, reused)

	payload := tokenPayload(token, now)
	payload.RefreshToken = ""

	params := url.Values{}
	params.Set("access_token", payload.AccessToken)
	params.Set("token_type", payload.TokenType)
	params.Set("expires_in", strconv.FormatInt(payload.ExpiresIn, 10))
	if payload.Scope != "" {
		params.Set("scope", payload.Scope)
	}
	if pre.State != "" {
		params.Set("state", pre.State)
	}

	result := &AuthorizationResult{Token: payload}
	if isOOB(pre.RedirectURI) {
		return result, nil
	}
	redirect, err := oauth.FragmentURL(pre.RedirectURI, params)
	if err != nil {
		return nil, fail(span, "failed to build redirect", err)
	}
	result.RedirectURL = redirect
	return result, nil
}

// Deny reports that the resource owner refused a pre-authorized request.
// The returned error is redirectable unless the redirect URI is out-of-band.
func (s *Server) Deny(ctx context.Context, pre *PreAuthorization) *oauth.OAuthError {
	oe := oauth.ErrAccessDenied("The resource owner denied the request")
	if pre == nil || pre.Client == nil {
		return oe
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationDenied,
		ClientID: pre.Client.ID,
		Details: map[string]any{
			"scope": pre.Scopes.String(),
		},
	})
	s.Logger.Debug("Authorization denied by resource owner", "client_id", pre.Client.ID)

	if isOOB(pre.RedirectURI) {
		return oe
	}
	return oe.WithRedirect(pre.RedirectURI, pre.State, pre.ResponseType == oauth.ResponseTypeToken)
}
