package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
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

// Device poll results recorded in metrics besides the error codes
const pollResultSuccess = "success"

// DeviceAuthorizationRequest holds the parsed parameters of a device
// authorization request (RFC 8628 Section 3.1).
type DeviceAuthorizationRequest struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

type deviceAuthorizationState struct {
	s      *Server
	req    *DeviceAuthorizationRequest
	client *storage.Client
	scopes scope.Set
}

var deviceAuthorizationRules = validation.New(
	validation.Rule[*deviceAuthorizationState]{
		Name:        "client_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *deviceAuthorizationState) (bool, error) {
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*deviceAuthorizationState]{
		Name:        "client_flow_allowed",
		Code:        oauth.ErrorCodeUnauthorizedClient,
		Description: "The client is not authorized to use the device authorization grant",
		Check: func(_ context.Context, st *deviceAuthorizationState) (bool, error) {
			return st.client.AllowsGrantType(oauth.GrantTypeDeviceCode), nil
		},
	},
	validation.Rule[*deviceAuthorizationState]{
		Name:        "scope",
		Code:        oauth.ErrorCodeInvalidScope,
		Description: "The requested scope is invalid, unknown, or malformed",
		Check: func(_ context.Context, st *deviceAuthorizationState) (bool, error) {
			scopes, ok := st.s.scopeAcceptable(st.req.Scope, st.client)
			st.scopes = scopes
			return ok, nil
		},
	},
)

// DeviceAuthorization starts a device flow: it creates an unowned device
// grant and returns the device code, the user code and where to enter it.
// ErrUserCodeExhausted is returned when no unique user code could be found.
func (s *Server) DeviceAuthorization(ctx context.Context, req *DeviceAuthorizationRequest) (*oauth.DevicePayload, error) {
	ctx, span := s.startSpan(ctx, flowDeviceAuthorize)
	defer span.End()

	if !s.config.grantTypeEnabled(oauth.GrantTypeDeviceCode) {
		return nil, oauth.ErrUnsupportedGrantType("The device authorization grant is not enabled")
	}

	st := &deviceAuthorizationState{s: s, req: req}
	if err := validate(ctx, s, span, flowDeviceAuthorize, deviceAuthorizationRules, st); err != nil {
		return nil, err
	}

	now := s.now()
	userCode, err := s.uniqueUserCode(ctx, now)
	if errors.Is(err, ErrUserCodeExhausted) {
		s.Logger.Error("User code space exhausted",
			"client_id", st.client.ID,
			"template", s.config.UserCodeTemplate,
			"attempts", s.config.UserCodeMaxAttempts)
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventUserCodeExhausted,
			ClientID: st.client.ID,
		})
	}
	if err != nil {
		return nil, fail(span, "failed to allocate user code", err)
	}

	grant := &storage.Grant{
		ID:        uuid.NewString(),
		Token:     security.GenerateToken(),
		Kind:      storage.GrantKindDeviceCode,
		ClientID:  st.client.ID,
		Scopes:    st.scopes,
		UserCode:  userCode,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.config.DeviceCodeTTL) * time.Second),
	}
	if err := s.repo.CreateGrant(ctx, grant); err != nil {
		return nil, fail(span, "failed to store device grant", err)
	}

	s.metrics.RecordGrantIssued(ctx, grant.Kind)
	s.Auditor.LogEvent(security.Event{
		Type:     security.EventDeviceAuthorizationStarted,
		ClientID: grant.ClientID,
		Details: map[string]any{
			"scope": grant.Scopes.String(),
		},
	})
	instrumentation.AddOAuthFlowAttributes(span, grant.ClientID, "", grant.Scopes.String())
	instrumentation.SetSpanSuccess(span)

	payload := &oauth.DevicePayload{
		DeviceCode:      grant.Token,
		UserCode:        userCode,
		VerificationURI: s.config.VerificationURI,
		ExpiresIn:       s.config.DeviceCodeTTL,
		Interval:        s.config.DevicePollingInterval,
	}
	if s.config.VerificationURI != "" {
		complete, err := oauth.QueryURL(s.config.VerificationURI, url.Values{"user_code": {userCode}})
		if err != nil {
			return nil, fail(span, "failed to build verification URI", err)
		}
		payload.VerificationURIComplete = complete
	}
	return payload, nil
}

// pendingDeviceGrant returns the open device grant for userCode, or an
// invalid_grant / code_expired error the verification UI can show.
func (s *Server) pendingDeviceGrant(ctx context.Context, userCode string) (*storage.Grant, error) {
	grant, err := found(s.repo.FindGrantByUserCode(ctx, normalizeUserCode(userCode)))
	if err != nil {
		return nil, fmt.Errorf("failed to find device grant: %w", err)
	}
	if grant == nil || grant.Kind != storage.GrantKindDeviceCode || grant.Revoked() || grant.Denied {
		return nil, oauth.ErrInvalidGrant("Unknown user code")
	}
	if s.expired(grant.ExpiresAt, s.now()) {
		return nil, oauth.ErrCodeExpired("The user code has expired")
	}
	return grant, nil
}

// LookupUserCode returns the pending device grant behind userCode so a
// verification UI can show the client and scopes before approval.
func (s *Server) LookupUserCode(ctx context.Context, userCode string) (*storage.Grant, error) {
	return s.pendingDeviceGrant(ctx, userCode)
}

// ApproveDevice binds the device grant behind userCode to ownerID. The
// polling device receives its token on the next poll.
func (s *Server) ApproveDevice(ctx context.Context, userCode, ownerID string) error {
	if ownerID == "" {
		return oauth.ErrInvalidRequest("A resource owner is required")
	}
	grant, err := s.pendingDeviceGrant(ctx, userCode)
	if err != nil {
		return err
	}
	if grant.ResourceOwnerID != "" && grant.ResourceOwnerID != ownerID {
		return oauth.ErrInvalidGrant("The user code was already approved")
	}

	if err := s.repo.AssignGrantOwner(ctx, grant.Token, ownerID); err != nil {
		return fmt.Errorf("failed to approve device grant: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventDeviceApproved,
		OwnerID:  ownerID,
		ClientID: grant.ClientID,
	})
	s.Auditor.LogGrantIssued(ownerID, grant.ClientID, grant.Kind, grant.Scopes.String())
	return nil
}

// DenyDevice marks the device grant behind userCode as denied. Further polls
// get authorization_declined.
func (s *Server) DenyDevice(ctx context.Context, userCode string) error {
	grant, err := s.pendingDeviceGrant(ctx, userCode)
	if err != nil {
		return err
	}
	if err := s.repo.DenyGrant(ctx, grant.Token); err != nil {
		return fmt.Errorf("failed to deny device grant: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventDeviceDenied,
		ClientID: grant.ClientID,
	})
	return nil
}

type deviceTokenState struct {
	s      *Server
	req    *TokenRequest
	now    time.Time
	client *storage.Client
	grant  *storage.Grant
}

// deviceTokenRules run in order. The interval rule touches LastPolledAt only
// when the poll is allowed, so a client polling too fast keeps getting
// slow_down until it backs off.
var deviceTokenRules = validation.New(
	validation.Rule[*deviceTokenState]{
		Name:        "client_authenticated",
		Code:        oauth.ErrorCodeInvalidClient,
		Description: "Client authentication failed",
		Check: func(ctx context.Context, st *deviceTokenState) (bool, error) {
			client, err := st.s.authenticateClient(ctx, st.req.ClientID, st.req.ClientSecret)
			st.client = client
			return client != nil, err
		},
	},
	validation.Rule[*deviceTokenState]{
		Name:        "device_code_present",
		Code:        oauth.ErrorCodeInvalidRequest,
		Description: "Missing device_code parameter",
		Check: func(_ context.Context, st *deviceTokenState) (bool, error) {
			return st.req.DeviceCode != "", nil
		},
	},
	validation.Rule[*deviceTokenState]{
		Name:        "grant_active",
		Code:        oauth.ErrorCodeAuthorizationDeclined,
		Description: "The authorization request was denied or is no longer valid",
		Check: func(ctx context.Context, st *deviceTokenState) (bool, error) {
			grant, err := found(st.s.repo.FindGrantByToken(ctx, st.req.DeviceCode))
			if err != nil || grant == nil {
				return false, err
			}
			st.grant = grant
			return grant.Kind == storage.GrantKindDeviceCode &&
				grant.ClientID == st.client.ID &&
				!grant.Revoked() &&
				!grant.Denied, nil
		},
	},
	validation.Rule[*deviceTokenState]{
		Name:        "grant_not_expired",
		Code:        oauth.ErrorCodeCodeExpired,
		Description: "The device code has expired",
		Check: func(_ context.Context, st *deviceTokenState) (bool, error) {
			return !st.s.expired(st.grant.ExpiresAt, st.now), nil
		},
	},
	validation.Rule[*deviceTokenState]{
		Name:        "poll_interval",
		Code:        oauth.ErrorCodeSlowDown,
		Description: "The client is polling too quickly",
		Check: func(ctx context.Context, st *deviceTokenState) (bool, error) {
			interval := time.Duration(st.s.config.DevicePollingInterval) * time.Second
			// the store checks and records the poll atomically so concurrent
			// polls cannot both pass
			return st.s.repo.TouchGrantPolled(ctx, st.grant.Token, st.now, interval)
		},
	},
	validation.Rule[*deviceTokenState]{
		Name:        "owner_assigned",
		Code:        oauth.ErrorCodeAuthorizationPending,
		Description: "The authorization request is still pending",
		Check: func(_ context.Context, st *deviceTokenState) (bool, error) {
			return st.grant.ResourceOwnerID != "", nil
		},
	},
)

// DeviceToken answers a device poll (RFC 8628 Section 3.4). Once the grant
// has an owner it is consumed exactly like an authorization code.
func (s *Server) DeviceToken(ctx context.Context, req *TokenRequest) (*oauth.SuccessPayload, error) {
	ctx, span := s.startSpan(ctx, flowDeviceToken)
	defer span.End()

	st := &deviceTokenState{s: s, req: req, now: s.now()}
	if err := validate(ctx, s, span, flowDeviceToken, deviceTokenRules, st); err != nil {
		if oe, ok := oauth.AsOAuthError(err); ok {
			s.metrics.RecordDevicePoll(ctx, oe.Code)
			span.SetAttributes(attribute.String(instrumentation.AttrResult, oe.Code))
		}
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
		grantType:   oauth.GrantTypeDeviceCode,
	})
	if err != nil {
		return nil, fail(span, "failed to issue token", err)
	}

	s.metrics.RecordDevicePoll(ctx, pollResultSuccess)
	s.tokenIssued(ctx, span, token, oauth.GrantTypeDeviceCode, reused)
	return tokenPayload(token, st.now), nil
}
