// Package instrumentation provides OpenTelemetry metrics and tracing for the
// grant-flow engines and the storage backends.
//
// When Config.Enabled is false every instrument is backed by no-op providers.
// When it is true the SDK meter and tracer providers are used and metrics
// flow to Config.MetricReader, spans to Config.SpanProcessor:
//
//	reader := sdkmetric.NewPeriodicReader(exporter)
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:  "auth",
//		Enabled:      true,
//		MetricReader: reader,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// Grant flows:
//   - oauth.grant.issued{oauth.grant.kind}
//   - oauth.token.issued{oauth.grant_type, oauth.token.reused}
//   - oauth.token.refreshed, oauth.token.revoked
//   - oauth.device.poll{oauth.result}
//   - oauth.introspection{oauth.active}
//   - oauth.validation.failed{oauth.flow, oauth.error}
//
// Security:
//   - oauth.code.reuse_detected, oauth.token.reuse_detected
//   - oauth.pkce.validation_failed{oauth.pkce.method}
//
// Storage:
//   - storage.operation.total{storage.operation, storage.result}
//   - storage.operation.duration (ms)
//   - storage.grants.count, storage.tokens.count, storage.clients.count{storage.type}
//
// Spans are named server.<flow> and storage.<operation>.
package instrumentation
