package oauth

// TokenTypeBearer is the token_type of every issued access token (RFC 6750).
const TokenTypeBearer = "Bearer"

// Grant types accepted by the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Response types accepted by the authorization endpoint
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// OOBRedirectURI is the native-app out-of-band redirect URI. Codes issued for
// it are displayed to the user instead of redirected.
const OOBRedirectURI = "urn:ietf:wg:oauth:2.0:oob"

// Token type hints for introspection and revocation (RFC 7009 Section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// SuccessPayload is the token endpoint success body (RFC 6749 Section 5.1).
type SuccessPayload struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// ErrorPayload is the error body (RFC 6749 Section 5.2).
type ErrorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	State            string `json:"state,omitempty"`
}

// DevicePayload is the device authorization response (RFC 8628 Section 3.2).
type DevicePayload struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// IntrospectionPayload is the introspection response (RFC 7662 Section 2.2).
// An inactive token serializes to {"active":false} and nothing else.
type IntrospectionPayload struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
}

// Inactive is the only introspection answer for unknown, expired, revoked or
// hidden tokens.
func Inactive() *IntrospectionPayload {
	return &IntrospectionPayload{Active: false}
}
