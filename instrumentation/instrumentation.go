package instrumentation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oauth-engine"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	instrumentationPrefix = "github.com/giantswarm/oauth-engine/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "oauth-engine", "my-auth-server")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricReader receives metrics from the SDK meter provider, e.g. a
	// periodic exporter in production or a ManualReader in tests.
	// Ignored when Enabled is false.
	MetricReader sdkmetric.Reader

	// SpanProcessor receives finished spans from the SDK tracer provider.
	// Ignored when Enabled is false.
	SpanProcessor sdktrace.SpanProcessor

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (registered during New() only)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// NewDisabled returns instrumentation backed by no-op providers.
func NewDisabled() *Instrumentation {
	inst, err := New(Config{})
	if err != nil {
		// no-op providers and the default resource cannot fail
		panic(fmt.Sprintf("failed to create disabled instrumentation: %v", err))
	}
	return inst
}

func (i *Instrumentation) initializeProviders() {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}
	if i.config.MetricReader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(i.config.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(i.resource)}
	if i.config.SpanProcessor != nil {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(i.config.SpanProcessor))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	i.meterProvider = mp
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown, mp.Shutdown)
}

// Shutdown flushes and stops the SDK providers. It is safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Enabled reports whether SDK providers are in use.
func (i *Instrumentation) Enabled() bool {
	return i != nil && i.config.Enabled
}

// Meter returns a named meter for the given scope
// Scopes are layer names like "server", "storage" or "security".
// The full name will be "github.com/giantswarm/oauth-engine/{scope}"
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for storage size gauges.
// Stores call this from SetInstrumentation. A nil callback is skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(storeType string, grantsCount, tokensCount, clientsCount StorageSizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")
	storeAttr := metric.WithAttributes(attribute.String(AttrStorageType, storeType))

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if grantsCount != nil {
				observer.ObserveInt64(i.metrics.StorageGrantsCount, grantsCount(), storeAttr)
			}
			if tokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, tokensCount(), storeAttr)
			}
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount(), storeAttr)
			}
			return nil
		},
		i.metrics.StorageGrantsCount,
		i.metrics.StorageTokensCount,
		i.metrics.StorageClientsCount,
	)

	return err
}

// StartStorageSpan starts a "storage.<operation>" span. With nil
// instrumentation the span already in ctx is returned.
func (i *Instrumentation) StartStorageSpan(ctx context.Context, storeType, operation string) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := i.Tracer("storage").Start(ctx, "storage."+operation)
	AddStorageAttributes(span, operation, storeType)
	return ctx, span
}

// EndStorageOperation records the outcome of a storage operation on its span
// and in the storage metrics. It does not end the span.
func (i *Instrumentation) EndStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if i == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		RecordError(span, err)
	} else {
		SetSpanSuccess(span)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	i.metrics.RecordStorageOperation(ctx, operation, result, durationMs)
}
