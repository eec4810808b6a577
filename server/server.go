package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/validation"
)

// Flow names used in spans, metrics and logs
const (
	flowAuthorize         = "authorize"
	flowAuthorizationCode = "authorization_code"
	flowClientCredentials = "client_credentials"
	flowPassword          = "password"
	flowRefreshToken      = "refresh_token"
	flowDeviceAuthorize   = "device_authorization"
	flowDeviceToken       = "device_code"
	flowIntrospect        = "introspection"
	flowRevoke            = "revocation"
)

// Server is the OAuth2 protocol engine. It validates already-parsed
// requests, consults the repository and returns payloads or errors.
// It performs no transport I/O and is safe for concurrent use.
type Server struct {
	repo   storage.Repository
	config Config

	Logger                   *slog.Logger
	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Optional: rate limits reuse-detection logging

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	userCodeSegments []codeSegment
}

// New creates a protocol engine over repo. The configuration is copied,
// completed with defaults and validated; failures wrap ErrInvalidConfig.
func New(repo storage.Repository, cfg Config, logger *slog.Logger) (*Server, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config := cfg
	config.DefaultScopes = append([]string(nil), cfg.DefaultScopes...)
	config.OptionalScopes = append([]string(nil), cfg.OptionalScopes...)
	config.GrantTypes = append([]string(nil), cfg.GrantTypes...)
	config.ResponseTypes = append([]string(nil), cfg.ResponseTypes...)
	applyDefaults(&config, logger)

	if config.TokenGenerator == nil && config.AccessTokenFormat == AccessTokenFormatJWT {
		gen, err := NewJWTGenerator([]byte(config.JWTSigningKey), config.JWTIssuer)
		if err != nil {
			return nil, err
		}
		config.TokenGenerator = gen
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	logSecurityWarnings(&config, logger)

	segments, err := parseUserCodeTemplate(config.UserCodeTemplate)
	if err != nil {
		return nil, err
	}

	inst := config.Instrumentation
	s := &Server{
		repo:            repo,
		config:          config,
		Logger:          logger,
		Auditor:         security.NewAuditor(logger, config.AuditEnabled),
		instrumentation: inst,
		tracer:          inst.Tracer("server"),
		metrics:         inst.Metrics(),

		userCodeSegments: segments,
	}
	return s, nil
}

// Config returns a copy of the effective configuration.
func (s *Server) Config() Config {
	return s.config
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// ============================================================
// Shared helpers
// ============================================================

func (s *Server) now() time.Time {
	return s.config.Clock()
}

// expired applies the clock skew grace period to an expiry check.
func (s *Server) expired(expiresAt, now time.Time) bool {
	return security.IsExpiredAt(expiresAt, now, s.config.gracePeriod())
}

func (s *Server) accessible(t *storage.Token, now time.Time) bool {
	return t != nil && !t.Revoked() && !s.expired(t.ExpiresAt, now)
}

// found converts a storage absence sentinel into a nil record so that
// "not found" is an ordinary rule outcome. Other errors pass through.
func found[T any](v *T, err error) (*T, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// authenticateClient resolves the calling client. With a secret the client
// must match it. Without one, a public client is accepted by uid when
// AllowPublicClients is set. A nil client means authentication failed.
func (s *Server) authenticateClient(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, nil
	}
	if secret != "" {
		return found(s.repo.FindClientByUIDSecret(ctx, clientID, secret))
	}
	if !s.config.AllowPublicClients {
		return nil, nil
	}
	client, err := found(s.repo.FindClientByUID(ctx, clientID))
	if err != nil || client == nil {
		return nil, err
	}
	if client.Confidential {
		return nil, nil
	}
	return client, nil
}

// clientAllowed reports whether the client may use grantType. A nil client
// is only possible for clientless password grants and passes.
func clientAllowed(client *storage.Client, grantType string) bool {
	return client == nil || client.AllowsGrantType(grantType)
}

func clientID(client *storage.Client) string {
	if client == nil {
		return ""
	}
	return client.ID
}

func (s *Server) startSpan(ctx context.Context, flow string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "server."+flow,
		trace.WithAttributes(attribute.String(instrumentation.AttrFlow, flow)))
}

// validate runs chain against state. Rule failures come back as an
// *oauth.OAuthError, predicate errors as wrapped infrastructure errors.
func validate[T any](ctx context.Context, s *Server, span trace.Span, flow string, chain *validation.Chain[T], state T) error {
	out, err := chain.Validate(ctx, state)
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to validate %s request: %w", flow, err)
	}
	if out.OK() {
		return nil
	}

	s.metrics.RecordValidationFailed(ctx, flow, out.Code)
	instrumentation.AddValidationFailure(span, flow, out.Rule, out.Code)
	s.Logger.Debug("Request failed validation",
		"flow", flow,
		"rule", out.Rule,
		"code", out.Code)

	desc := out.Description
	if desc == "" {
		desc = fmt.Sprintf("%s check failed", out.Rule)
	}
	return oauth.FromCode(out.Code, desc)
}

// fail records an infrastructure failure on the span and wraps it.
func fail(span trace.Span, msg string, err error) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	instrumentation.RecordError(span, wrapped)
	return wrapped
}

// allowSecurityLog reports whether a security event for key may be logged
// under the optional rate limiter.
func (s *Server) allowSecurityLog(key string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(key)
}
