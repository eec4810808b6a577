package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

// IntrospectionRequest holds the parsed parameters of an introspection
// request (RFC 7662 Section 2.1). The caller authenticates either with
// client credentials or with its own bearer token.
type IntrospectionRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	BearerToken   string
}

type introspectionState struct {
	s      *Server
	req    *IntrospectionRequest
	now    time.Time
	client *storage.Client
	bearer *storage.Token
	target *storage.Token
}

func (st *introspectionState) hasClientCredentials() bool {
	return st.req.ClientID != "" || st.req.ClientSecret != ""
}

// introspectionRules authorize the caller. A bearer caller must also pass
// IntrospectionPolicy for the introspected token.
var introspectionRules = validation.New(
	validation.Rule[*introspectionState]{
		Name:        "caller_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *introspectionState) (bool, error) {
			if !st.hasClientCredentials() {
				return st.req.BearerToken != "", nil
			}
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*introspectionState]{
		Name:        "bearer_valid",
		Code:        oauth.ErrorCodeInvalidToken,
		Description: "The access token is invalid",
		Check: func(ctx context.Context, st *introspectionState) (bool, error) {
			if st.client != nil {
				return true, nil
			}
			if st.req.BearerToken == st.req.Token {
				return false, nil
			}
			bearer, err := found(st.s.repo.FindTokenByToken(ctx, st.req.BearerToken))
			if err != nil {
				return false, err
			}
			if !st.s.accessible(bearer, st.now) {
				return false, nil
			}
			st.bearer = bearer
			return true, nil
		},
	},
	validation.Rule[*introspectionState]{
		Name:        "bearer_allowed",
		Code:        oauth.ErrorCodeInvalidToken,
		Description: "The access token is not allowed to introspect this token",
		Check: func(ctx context.Context, st *introspectionState) (bool, error) {
			if st.bearer == nil || st.req.Token == "" {
				return true, nil
			}
			target, err := st.s.lookupToken(ctx, st.req.Token, st.req.TokenTypeHint)
			if err != nil {
				return false, err
			}
			st.target = target
			// unknown tokens fall through to the inactive answer
			return target == nil || st.s.config.IntrospectionPolicy(target, nil, st.bearer), nil
		},
	},
	validation.Rule[*introspectionState]{
		Name:        "token_present",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing token parameter",
		Check: func(_ context.Context, st *introspectionState) (bool, error) {
			return st.req.Token != "", nil
		},
	},
)

// Introspect reports whether a token is active (RFC 7662). Unknown, expired,
// revoked and hidden tokens all produce the same {"active": false} answer.
func (s *Server) Introspect(ctx context.Context, req *IntrospectionRequest) (*oauth.IntrospectionPayload, error) {
	ctx, span := s.startSpan(ctx, flowIntrospect)
	defer span.End()

	st := &introspectionState{s: s, req: req, now: s.now()}
	if err := validate(ctx, s, span, flowIntrospect, introspectionRules, st); err != nil {
		if _, ok := oauth.AsOAuthError(err); ok {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventIntrospectionDenied,
				ClientID: req.ClientID,
			})
		}
		return nil, err
	}

	token := st.target
	if st.client != nil {
		var err error
		if token, err = s.lookupToken(ctx, req.Token, req.TokenTypeHint); err != nil {
			return nil, fail(span, "failed to look up token", err)
		}
	}

	// bearer callers already passed the policy during authorization
	active := s.accessible(token, st.now) &&
		(st.client == nil || s.config.IntrospectionPolicy(token, st.client, nil))
	s.metrics.RecordIntrospection(ctx, active)
	span.SetAttributes(attribute.Bool(instrumentation.AttrActive, active))
	instrumentation.SetSpanSuccess(span)

	if !active {
		return oauth.Inactive(), nil
	}

	payload := &oauth.IntrospectionPayload{
		Active:    true,
		Scope:     token.Scopes.String(),
		ClientID:  token.ClientID,
		TokenType: oauth.TokenTypeBearer,
		Iat:       token.CreatedAt.Unix(),
		Sub:       token.ResourceOwnerID,
	}
	if !token.ExpiresAt.IsZero() {
		payload.Exp = token.ExpiresAt.Unix()
	}
	return payload, nil
}

// lookupToken finds a token by access token and then by refresh token, or
// the other way round when hint is refresh_token. A nil token means unknown.
func (s *Server) lookupToken(ctx context.Context, value, hint string) (*storage.Token, error) {
	lookups := []func(context.Context, string) (*storage.Token, error){
		s.repo.FindTokenByToken,
		s.repo.FindTokenByRefreshToken,
	}
	if hint == oauth.TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		token, err := found(lookup(ctx, value))
		if err != nil || token != nil {
			return token, err
		}
	}
	return nil, nil
}
