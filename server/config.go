package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid server configuration")

// Access token formats
const (
	AccessTokenFormatOpaque = "opaque"
	AccessTokenFormatJWT    = "jwt"
)

// Default values applied to zero configuration fields
const (
	DefaultAuthorizationCodeTTL  = 600  // 10 minutes
	DefaultAccessTokenTTL        = 3600 // 1 hour
	DefaultDeviceCodeTTL         = 300  // 5 minutes
	DefaultDevicePollingInterval = 5
	DefaultTokenReuseLimit       = 100
	DefaultUserCodeTemplate      = "4w-4w"
	DefaultUserCodeMaxAttempts   = 10
)

// AuthorizationPolicy decides whether a client may be granted scopes after
// every other pre-authorization rule passed. Returning false yields access_denied.
type AuthorizationPolicy func(ctx context.Context, client *storage.Client, scopes scope.Set) bool

// IntrospectionPolicy decides whether the authenticated caller may learn that
// token is active. Exactly one of client and bearer is non-nil.
type IntrospectionPolicy func(token *storage.Token, client *storage.Client, bearer *storage.Token) bool

// ResourceOwnerAuthenticator verifies resource owner credentials for the
// password grant. It returns the owner ID, or "" when the credentials are
// wrong. An error is treated as an infrastructure failure.
type ResourceOwnerAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// ResourceOwnerAuthenticatorFunc adapts a function to ResourceOwnerAuthenticator.
type ResourceOwnerAuthenticatorFunc func(ctx context.Context, username, password string) (string, error)

// Authenticate calls f.
func (f ResourceOwnerAuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (string, error) {
	return f(ctx, username, password)
}

// Config holds the protocol engine configuration. It is copied by New and
// never mutated afterwards.
//
// Boolean fields are taken as given: their documented defaults come from
// DefaultConfig, and a zero Config has every one of them false.
type Config struct {
	// DefaultScopes are granted when a request carries no scope.
	DefaultScopes []string `toml:"default_scopes"`

	// OptionalScopes may be requested explicitly in addition to the defaults.
	OptionalScopes []string `toml:"optional_scopes"`

	// GrantTypes lists the enabled token endpoint flows.
	// Default: authorization_code, client_credentials, password, refresh_token, device_code
	GrantTypes []string `toml:"grant_types"`

	// ResponseTypes lists the enabled authorization endpoint response types.
	// Default: code only (the implicit flow is disabled)
	ResponseTypes []string `toml:"response_types"`

	AuthorizationCodeTTL  int64 `toml:"authorization_code_ttl"`  // seconds, default: 600
	AccessTokenTTL        int64 `toml:"access_token_ttl"`        // seconds, default: 3600
	DeviceCodeTTL         int64 `toml:"device_code_ttl"`         // seconds, default: 300
	DevicePollingInterval int64 `toml:"device_polling_interval"` // seconds, default: 5

	// ClockSkewGracePeriod extends every expiry check (in seconds).
	// Default: 0
	ClockSkewGracePeriod int64 `toml:"clock_skew_grace_period"`

	// IssueRefreshTokens attaches a refresh token to tokens minted by the
	// authorization code, password, device code and refresh flows.
	// Default: true
	IssueRefreshTokens bool `toml:"issue_refresh_tokens"`

	// ReuseAccessToken returns an existing accessible token for the same
	// client, owner and scopes instead of minting a new one.
	ReuseAccessToken bool `toml:"reuse_access_token"`

	// TokenReuseLimit is the share of a token's lifetime, in percent, during
	// which it may be reused. Default: 100
	TokenReuseLimit int `toml:"token_reuse_limit"`

	// RevokePreviousClientCredentialsToken revokes the prior accessible
	// client credentials token for the same client and scopes.
	RevokePreviousClientCredentialsToken bool `toml:"revoke_previous_client_credentials_token"`

	// AllowPublicClients lets clients without a secret authenticate by uid.
	// Default: true
	AllowPublicClients bool `toml:"allow_public_clients"`

	// AllowPasswordWithoutClient accepts password grants that carry no client.
	// Default: false
	AllowPasswordWithoutClient bool `toml:"allow_password_without_client"`

	// RequirePKCE enforces a code_challenge on every authorization request.
	// Default: false
	RequirePKCE bool `toml:"require_pkce"`

	// RequirePKCEForPublicClients enforces a code_challenge for public clients.
	// Default: true
	RequirePKCEForPublicClients bool `toml:"require_pkce_for_public_clients"`

	// AllowPKCEPlain accepts the 'plain' code_challenge_method (NOT RECOMMENDED).
	// Default: false
	AllowPKCEPlain bool `toml:"allow_pkce_plain"`

	// StrictVerifierFormat rejects code_verifiers outside RFC 7636 Section 4.1.
	// Default: false
	StrictVerifierFormat bool `toml:"strict_verifier_format"`

	// AllowLoopbackPortVariation matches loopback redirect URIs regardless of
	// port (RFC 8252 Section 7.3). Default: false
	AllowLoopbackPortVariation bool `toml:"allow_loopback_port_variation"`

	// UserCodeTemplate describes device user codes, for example "4w-4w".
	UserCodeTemplate string `toml:"user_code_template"`

	// UserCodeMaxAttempts bounds user code regeneration on collision.
	UserCodeMaxAttempts int `toml:"user_code_max_attempts"`

	// VerificationURI is where users enter device user codes.
	VerificationURI string `toml:"verification_uri"`

	// AccessTokenFormat selects "opaque" (default) or "jwt" access tokens.
	AccessTokenFormat string `toml:"access_token_format"`

	// JWTSigningKey is the HS256 key for jwt access tokens, at least 32 bytes.
	JWTSigningKey string `toml:"jwt_signing_key"`

	// JWTIssuer is the iss claim of jwt access tokens.
	JWTIssuer string `toml:"jwt_issuer"`

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool `toml:"audit_enabled"`

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time `toml:"-"`

	// AuthorizationPolicy is consulted last during pre-authorization.
	// Default: allow
	AuthorizationPolicy AuthorizationPolicy `toml:"-"`

	// IntrospectionPolicy decides token visibility to introspection callers.
	// Default: DefaultIntrospectionPolicy
	IntrospectionPolicy IntrospectionPolicy `toml:"-"`

	// ResourceOwnerAuthenticator backs the password grant. Without it every
	// password grant fails with invalid_grant.
	ResourceOwnerAuthenticator ResourceOwnerAuthenticator `toml:"-"`

	// TokenGenerator mints access tokens. It overrides AccessTokenFormat.
	TokenGenerator TokenGenerator `toml:"-"`

	// Instrumentation records metrics and spans. Default: disabled
	Instrumentation *instrumentation.Instrumentation `toml:"-"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	cfg := Config{
		DefaultScopes:               []string{"public"},
		IssueRefreshTokens:          true,
		AllowPublicClients:          true,
		RequirePKCEForPublicClients: true,
	}
	applyTimeDefaults(&cfg)
	applyFlowDefaults(&cfg)
	return cfg
}

// applyDefaults fills zero non-boolean fields.
func applyDefaults(config *Config, logger *slog.Logger) {
	applyTimeDefaults(config)
	applyFlowDefaults(config)
	applyHookDefaults(config, logger)
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = DefaultDeviceCodeTTL
	}
	if config.DevicePollingInterval == 0 {
		config.DevicePollingInterval = DefaultDevicePollingInterval
	}
}

func applyFlowDefaults(config *Config) {
	if len(config.GrantTypes) == 0 {
		config.GrantTypes = []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeClientCredentials,
			oauth.GrantTypePassword,
			oauth.GrantTypeRefreshToken,
			oauth.GrantTypeDeviceCode,
		}
	}
	if len(config.ResponseTypes) == 0 {
		config.ResponseTypes = []string{oauth.ResponseTypeCode}
	}
	if config.TokenReuseLimit == 0 {
		config.TokenReuseLimit = DefaultTokenReuseLimit
	}
	if config.UserCodeTemplate == "" {
		config.UserCodeTemplate = DefaultUserCodeTemplate
	}
	if config.UserCodeMaxAttempts == 0 {
		config.UserCodeMaxAttempts = DefaultUserCodeMaxAttempts
	}
	if config.AccessTokenFormat == "" {
		config.AccessTokenFormat = AccessTokenFormatOpaque
	}
}

func applyHookDefaults(config *Config, logger *slog.Logger) {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.AuthorizationPolicy == nil {
		config.AuthorizationPolicy = func(context.Context, *storage.Client, scope.Set) bool { return true }
	}
	if config.IntrospectionPolicy == nil {
		config.IntrospectionPolicy = DefaultIntrospectionPolicy
	}
	if config.Instrumentation == nil {
		config.Instrumentation = instrumentation.NewDisabled()
	}
	if config.TokenGenerator == nil && config.AccessTokenFormat == AccessTokenFormatOpaque {
		config.TokenGenerator = OpaqueGenerator{}
	}
	if config.ResourceOwnerAuthenticator == nil && config.grantTypeEnabled(oauth.GrantTypePassword) {
		logger.Debug("No resource owner authenticator configured, password grants will fail")
	}
}

// serverScopes returns every scope the server may grant.
func (c *Config) serverScopes() scope.Set {
	return scope.New(c.DefaultScopes...).Union(scope.New(c.OptionalScopes...))
}

func (c *Config) defaultScopes() scope.Set {
	return scope.New(c.DefaultScopes...)
}

func (c *Config) grantTypeEnabled(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

func (c *Config) responseTypeEnabled(responseType string) bool {
	for _, rt := range c.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

func (c *Config) gracePeriod() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}

// DefaultIntrospectionPolicy lets a caller see tokens of its own client and
// tokens that were issued without a client.
func DefaultIntrospectionPolicy(token *storage.Token, client *storage.Client, bearer *storage.Token) bool {
	if token.ClientID == "" {
		return true
	}
	if client != nil {
		return token.ClientID == client.ID
	}
	return bearer != nil && bearer.ClientID == token.ClientID
}
