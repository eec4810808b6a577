package server

import (
	"errors"
	"fmt"
	"log/slog"

	oauth "github.com/giantswarm/oauth-engine"
)

// Validate checks a configuration after defaults were applied. Every
// failure wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	ttls := []struct {
		name  string
		value int64
	}{
		{"AuthorizationCodeTTL", c.AuthorizationCodeTTL},
		{"AccessTokenTTL", c.AccessTokenTTL},
		{"DeviceCodeTTL", c.DeviceCodeTTL},
		{"DevicePollingInterval", c.DevicePollingInterval},
	}
	for _, ttl := range ttls {
		if ttl.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", ttl.name, ttl.value))
		}
	}
	if c.ClockSkewGracePeriod < 0 {
		errs = append(errs, fmt.Errorf("ClockSkewGracePeriod cannot be negative, got %d", c.ClockSkewGracePeriod))
	}
	if c.TokenReuseLimit < 1 || c.TokenReuseLimit > 100 {
		errs = append(errs, fmt.Errorf("TokenReuseLimit must be between 1 and 100, got %d", c.TokenReuseLimit))
	}
	if c.UserCodeMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("UserCodeMaxAttempts must be positive, got %d", c.UserCodeMaxAttempts))
	}
	if _, err := parseUserCodeTemplate(c.UserCodeTemplate); err != nil {
		errs = append(errs, err)
	}

	for _, gt := range c.GrantTypes {
		switch gt {
		case oauth.GrantTypeAuthorizationCode, oauth.GrantTypeClientCredentials,
			oauth.GrantTypePassword, oauth.GrantTypeRefreshToken, oauth.GrantTypeDeviceCode:
		default:
			errs = append(errs, fmt.Errorf("unknown grant type %q", gt))
		}
	}
	for _, rt := range c.ResponseTypes {
		if rt != oauth.ResponseTypeCode && rt != oauth.ResponseTypeToken {
			errs = append(errs, fmt.Errorf("unknown response type %q", rt))
		}
	}

	switch c.AccessTokenFormat {
	case AccessTokenFormatOpaque:
	case AccessTokenFormatJWT:
		if c.TokenGenerator == nil && len(c.JWTSigningKey) < MinJWTKeyLength {
			errs = append(errs, fmt.Errorf("JWTSigningKey must be at least %d bytes", MinJWTKeyLength))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown access token format %q", c.AccessTokenFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.AllowPublicClients && !config.RequirePKCE && !config.RequirePKCEForPublicClients {
		logger.Warn("⚠️  SECURITY WARNING: Public clients may skip PKCE",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCEForPublicClients=true")
	}
	if config.AllowPasswordWithoutClient {
		logger.Warn("⚠️  SECURITY WARNING: Password grant without client authentication is ALLOWED",
			"risk", "Credential stuffing against the token endpoint",
			"recommendation", "Set AllowPasswordWithoutClient=false")
	}
	if config.responseTypeEnabled(oauth.ResponseTypeToken) {
		logger.Warn("⚠️  SECURITY WARNING: Implicit flow is ENABLED",
			"risk", "Access tokens exposed in browser history and referrers",
			"recommendation", "Remove 'token' from ResponseTypes and use the authorization code flow with PKCE")
	}
	if config.grantTypeEnabled(oauth.GrantTypeDeviceCode) && config.VerificationURI == "" {
		logger.Warn("⚠️  CONFIGURATION WARNING: VerificationURI not configured",
			"risk", "Device authorization responses carry an empty verification_uri",
			"recommendation", "Set VerificationURI or disable the device_code grant")
	}
}
