package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "mcp-registry-gateway"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// ExporterPrometheus exposes metrics through a Prometheus scrape handler
	ExporterPrometheus = "prometheus"

	// ExporterNone keeps an SDK meter provider without any reader
	ExporterNone = "none"

	scopePrefix = "github.com/giantswarm/mcp-registry-gateway/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service reported in resource attributes
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricExporter selects the metric exporter: "prometheus" (default) or "none"
	MetricExporter string

	// Resource allows custom resource attributes.
	// If nil, a resource with service name and version is created.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	registry *prometheus.Registry
	metrics  *Metrics

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
	if config.MetricExporter == "" {
		config.MetricExporter = ExporterPrometheus
	}

	res := config.Resource
	if res == nil {
		var err error
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
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders wires the SDK meter and tracer providers
func (i *Instrumentation) initializeProviders() error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}

	switch i.config.MetricExporter {
	case ExporterPrometheus:
		i.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))
	case ExporterNone:
	default:
		return fmt.Errorf("unsupported metric exporter %q", i.config.MetricExporter)
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	i.meterProvider = mp
	i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(i.resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)

	return nil
}

// Shutdown gracefully shuts down all instrumentation providers
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

// Meter returns a named meter for the given scope.
// Scopes are layer names like "proxy", "tokensync", "storage", "provider".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
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

// MetricsHandler returns the Prometheus scrape handler.
// It responds with 404 when the Prometheus exporter is not active.
func (i *Instrumentation) MetricsHandler() http.Handler {
	if i.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StorageSizeCallback returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable gauges for store sizes.
// Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(sessions, flows, clients StorageSizeCallback) error {
	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if sessions != nil {
				observer.ObserveInt64(i.metrics.StorageSessions, sessions())
			}
			if flows != nil {
				observer.ObserveInt64(i.metrics.StorageFlows, flows())
			}
			if clients != nil {
				observer.ObserveInt64(i.metrics.StorageClients, clients())
			}
			return nil
		},
		i.metrics.StorageSessions,
		i.metrics.StorageFlows,
		i.metrics.StorageClients,
	)

	return err
}
