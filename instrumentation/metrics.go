package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the engine
type Metrics struct {
	// Grant flow metrics
	GrantIssued      metric.Int64Counter
	TokenIssued      metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	TokenRevoked     metric.Int64Counter
	DevicePoll       metric.Int64Counter
	Introspection    metric.Int64Counter
	ValidationFailed metric.Int64Counter

	// Security metrics
	CodeReuseDetected    metric.Int64Counter
	TokenReuseDetected   metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageGrantsCount       metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
}

type counterSpec struct {
	target *metric.Int64Counter
	name   string
	desc   string
	unit   string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")

	serverCounters := []counterSpec{
		{&m.GrantIssued, "oauth.grant.issued", "Number of authorization and device grants issued", "{grant}"},
		{&m.TokenIssued, "oauth.token.issued", "Number of access tokens issued or reused", "{token}"},
		{&m.TokenRefreshed, "oauth.token.refreshed", "Number of refresh tokens redeemed", "{refresh}"},
		{&m.TokenRevoked, "oauth.token.revoked", "Number of tokens revoked", "{revocation}"},
		{&m.DevicePoll, "oauth.device.poll", "Number of device token polls by result", "{poll}"},
		{&m.Introspection, "oauth.introspection", "Number of token introspections by answer", "{introspection}"},
		{&m.ValidationFailed, "oauth.validation.failed", "Number of requests rejected by a validation rule", "{request}"},
		{&m.CodeReuseDetected, "oauth.code.reuse_detected", "Number of replayed authorization or device codes", "{event}"},
		{&m.TokenReuseDetected, "oauth.token.reuse_detected", "Number of replayed refresh tokens", "{event}"},
		{&m.PKCEValidationFailed, "oauth.pkce.validation_failed", "Number of failed PKCE verifications", "{failure}"},
	}

	for _, c := range serverCounters {
		counter, err := serverMeter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	var err error
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Number of grants held by the store"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"storage.tokens.count",
		metric.WithDescription("Number of tokens held by the store"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	return m, nil
}

// Every Record method is nil-safe so callers without instrumentation need no checks.

// RecordGrantIssued records an authorization or device grant creation
func (m *Metrics) RecordGrantIssued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.GrantIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrGrantKind, kind)))
}

// RecordTokenIssued records a token issued by a grant flow
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string, reused bool) {
	if m == nil {
		return
	}
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.Bool(AttrTokenReused, reused),
	))
}

// RecordTokenRefreshed records a refresh token redemption
func (m *Metrics) RecordTokenRefreshed(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1)
}

// RecordTokenRevoked records an explicit revocation
func (m *Metrics) RecordTokenRevoked(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1)
}

// RecordDevicePoll records the outcome of a device token poll
// ("success", "authorization_pending", "slow_down", ...).
func (m *Metrics) RecordDevicePoll(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.DevicePoll.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, result)))
}

// RecordIntrospection records an introspection answer
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	if m == nil {
		return
	}
	m.Introspection.Add(ctx, 1, metric.WithAttributes(attribute.Bool(AttrActive, active)))
}

// RecordValidationFailed records the rule code that rejected a request
func (m *Metrics) RecordValidationFailed(ctx context.Context, flow, code string) {
	if m == nil {
		return
	}
	m.ValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrFlow, flow),
		attribute.String(AttrError, code),
	))
}

// RecordCodeReuseDetected records a replayed code
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenReuseDetected records a replayed refresh token
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordPKCEValidationFailed records a failed PKCE verification
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrPKCEMethod, method)))
}

// RecordStorageOperation records a storage operation with its duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
