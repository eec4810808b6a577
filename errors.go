package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"

	// Device authorization grant (RFC 8628 Section 3.5)
	ErrorCodeAuthorizationPending  = "authorization_pending"
	ErrorCodeSlowDown              = "slow_down"
	ErrorCodeAuthorizationDeclined = "authorization_declined"
	ErrorCodeCodeExpired           = "code_expired"
)

// StatusFor returns the HTTP status that accompanies an error code.
// Unknown codes map to 500.
func StatusFor(code string) int {
	switch code {
	case ErrorCodeInvalidRequest,
		ErrorCodeInvalidGrant,
		ErrorCodeInvalidScope,
		ErrorCodeUnauthorizedClient,
		ErrorCodeUnsupportedGrantType,
		ErrorCodeUnsupportedResponseType,
		ErrorCodeInvalidRedirectURI,
		ErrorCodeAuthorizationPending,
		ErrorCodeSlowDown,
		ErrorCodeAuthorizationDeclined,
		ErrorCodeCodeExpired:
		return http.StatusBadRequest
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	// Set on authorization errors that may be sent back to the client's
	// redirect URI. Empty RedirectURI means the error must be shown to the
	// resource owner instead.
	RedirectURI string
	State       string
	Fragment    bool
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Redirectable reports whether the error carries a redirect target.
func (e *OAuthError) Redirectable() bool {
	return e.RedirectURI != ""
}

// WithRedirect returns a copy of e bound to a redirect URI and client state.
func (e *OAuthError) WithRedirect(redirectURI, state string, fragment bool) *OAuthError {
	cp := *e
	cp.RedirectURI = redirectURI
	cp.State = state
	cp.Fragment = fragment
	return &cp
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// AsOAuthError unwraps err into an *OAuthError if it is one.
func AsOAuthError(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization grant or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates the response type is not enabled
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	ErrAuthorizationPending = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	}

	ErrSlowDown = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	}

	ErrAuthorizationDeclined = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAuthorizationDeclined, desc, http.StatusBadRequest)
	}

	ErrCodeExpired = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeCodeExpired, desc, http.StatusBadRequest)
	}
)

// FromCode builds an error for any known code with its standard status.
func FromCode(code, desc string) *OAuthError {
	return NewOAuthError(code, desc, StatusFor(code))
}
