package oauth

import (
	"net/http"
	"testing"
)

func TestStringConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant string
		expected string
	}{
		{"TokenTypeBearer", TokenTypeBearer, "Bearer"},
		{"GrantTypeAuthorizationCode", GrantTypeAuthorizationCode, "authorization_code"},
		{"GrantTypeClientCredentials", GrantTypeClientCredentials, "client_credentials"},
		{"GrantTypePassword", GrantTypePassword, "password"},
		{"GrantTypeRefreshToken", GrantTypeRefreshToken, "refresh_token"},
		{"GrantTypeDeviceCode", GrantTypeDeviceCode, "urn:ietf:params:oauth:grant-type:device_code"},
		{"ResponseTypeCode", ResponseTypeCode, "code"},
		{"ResponseTypeToken", ResponseTypeToken, "token"},
		{"OOBRedirectURI", OOBRedirectURI, "urn:ietf:wg:oauth:2.0:oob"},
		{"TokenTypeHintAccessToken", TokenTypeHintAccessToken, "access_token"},
		{"TokenTypeHintRefreshToken", TokenTypeHintRefreshToken, "refresh_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.constant != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.constant, tt.expected)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrorCodeInvalidRequest, http.StatusBadRequest},
		{ErrorCodeInvalidGrant, http.StatusBadRequest},
		{ErrorCodeInvalidScope, http.StatusBadRequest},
		{ErrorCodeUnauthorizedClient, http.StatusBadRequest},
		{ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{ErrorCodeAuthorizationPending, http.StatusBadRequest},
		{ErrorCodeSlowDown, http.StatusBadRequest},
		{ErrorCodeAuthorizationDeclined, http.StatusBadRequest},
		{ErrorCodeCodeExpired, http.StatusBadRequest},
		{ErrorCodeInvalidClient, http.StatusUnauthorized},
		{ErrorCodeInvalidToken, http.StatusUnauthorized},
		{ErrorCodeAccessDenied, http.StatusForbidden},
		{ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := StatusFor(tt.code); got != tt.want {
				t.Errorf("StatusFor(%q) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}
