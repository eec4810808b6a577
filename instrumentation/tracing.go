package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span and metric attribute keys
//
// SECURITY WARNING: Never record credential values (access tokens, refresh
// tokens, codes, user codes, client secrets) as attributes. Only metadata such
// as grant types, PKCE methods and validation results.
const (
	AttrClientID     = "oauth.client_id"
	AttrOwnerID      = "oauth.owner_id"
	AttrScope        = "oauth.scope"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrGrantType    = "oauth.grant_type"
	AttrGrantKind    = "oauth.grant.kind"
	AttrResponseType = "oauth.response_type"
	AttrTokenReused  = "oauth.token.reused" //nolint:gosec // boolean flag, not a token
	AttrCodeReuse    = "oauth.code.reuse"
	AttrFlow         = "oauth.flow"
	AttrRule         = "oauth.validation.rule"
	AttrError        = "oauth.error"
	AttrResult       = "oauth.result"
	AttrActive       = "oauth.active"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, ownerID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if ownerID != "" {
		SetSpanAttributes(span, attribute.String(AttrOwnerID, ownerID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddValidationFailure marks the rule that rejected a request (nil-safe)
func AddValidationFailure(span trace.Span, flow, rule, code string) {
	SetSpanAttributes(span,
		attribute.String(AttrFlow, flow),
		attribute.String(AttrRule, rule),
		attribute.String(AttrError, code),
	)
	SetSpanError(span, code)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}
