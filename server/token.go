package server

import (
	"context"

	oauth "github.com/giantswarm/oauth-engine"
)

// TokenRequest holds the parsed parameters of a token endpoint request.
// Which fields are read depends on GrantType.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// password
	Username string
	Password string

	// refresh_token
	RefreshToken string

	// urn:ietf:params:oauth:grant-type:device_code
	DeviceCode string

	Scope string
}

// Token dispatches a token endpoint request to its grant flow. A grant type
// that is unknown or not enabled yields unsupported_grant_type.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*oauth.SuccessPayload, error) {
	if req.GrantType == "" {
		return nil, oauth.ErrInvalidRequest("Missing grant_type parameter")
	}
	if !s.config.grantTypeEnabled(req.GrantType) {
		s.metrics.RecordValidationFailed(ctx, "token", oauth.ErrorCodeUnsupportedGrantType)
		return nil, oauth.ErrUnsupportedGrantType("The authorization grant type is not supported by the authorization server")
	}

	switch req.GrantType {
	case oauth.GrantTypeAuthorizationCode:
		return s.ExchangeAuthorizationCode(ctx, req)
	case oauth.GrantTypeClientCredentials:
		return s.ClientCredentials(ctx, req)
	case oauth.GrantTypePassword:
		return s.Password(ctx, req)
	case oauth.GrantTypeRefreshToken:
		return s.RefreshToken(ctx, req)
	case oauth.GrantTypeDeviceCode:
		return s.DeviceToken(ctx, req)
	default:
		return nil, oauth.ErrUnsupportedGrantType("The authorization grant type is not supported by the authorization server")
	}
}
