package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the gateway.
// Record methods are safe to call on a nil receiver.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Proxy flow
	FlowStarted   metric.Int64Counter
	FlowCompleted metric.Int64Counter
	CodeExchanged metric.Int64Counter

	// Roles
	RoleNormalized metric.Int64Counter

	// Token synchronization
	SessionIssued  metric.Int64Counter
	TokenRefreshed metric.Int64Counter
	SessionRevoked metric.Int64Counter

	// Client registration and security
	ClientRegistered     metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSessions          metric.Int64ObservableGauge
	StorageFlows             metric.Int64ObservableGauge
	StorageClients           metric.Int64ObservableGauge

	// Upstream provider
	ProviderCallsTotal   metric.Int64Counter
	ProviderCallDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	proxyMeter := inst.Meter("proxy")
	syncMeter := inst.Meter("tokensync")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	counters := []struct {
		target *metric.Int64Counter
		meter  metric.Meter
		name   string
		desc   string
		unit   string
	}{
		{&m.HTTPRequestsTotal, httpMeter, "gateway.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.FlowStarted, proxyMeter, "gateway.flow.started", "Number of proxied authorization flows started", "{flow}"},
		{&m.FlowCompleted, proxyMeter, "gateway.flow.completed", "Number of proxied authorization flows reaching a terminal state", "{flow}"},
		{&m.CodeExchanged, proxyMeter, "gateway.code.exchanged", "Number of downstream authorization codes redeemed", "{exchange}"},
		{&m.RoleNormalized, proxyMeter, "gateway.role.normalized", "Number of role normalization attempts", "{attempt}"},
		{&m.SessionIssued, syncMeter, "gateway.session.issued", "Number of sessions issued", "{session}"},
		{&m.TokenRefreshed, syncMeter, "gateway.token.refreshed", "Number of token triple refresh attempts", "{refresh}"},
		{&m.SessionRevoked, syncMeter, "gateway.session.revoked", "Number of sessions revoked", "{session}"},
		{&m.ClientRegistered, securityMeter, "gateway.client.registered", "Number of dynamically registered clients", "{client}"},
		{&m.RateLimitExceeded, securityMeter, "gateway.rate_limit.exceeded", "Number of rate limit violations", "{violation}"},
		{&m.PKCEValidationFailed, securityMeter, "gateway.pkce.validation_failed", "Number of PKCE validation failures", "{failure}"},
		{&m.StorageOperationTotal, storageMeter, "gateway.storage.operations.total", "Total number of storage operations", "{operation}"},
		{&m.ProviderCallsTotal, providerMeter, "gateway.provider.calls.total", "Total number of upstream provider calls", "{call}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	histograms := []struct {
		target *metric.Float64Histogram
		meter  metric.Meter
		name   string
		desc   string
	}{
		{&m.HTTPRequestDuration, httpMeter, "gateway.http.request.duration", "HTTP request duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "gateway.storage.operation.duration", "Storage operation duration in milliseconds"},
		{&m.ProviderCallDuration, providerMeter, "gateway.provider.call.duration", "Upstream provider call duration in milliseconds"},
	}
	for _, h := range histograms {
		hist, err := h.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.target = hist
	}

	var err error
	m.StorageSessions, err = storageMeter.Int64ObservableGauge(
		"gateway.storage.sessions",
		metric.WithDescription("Number of sessions held by the store"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions gauge: %w", err)
	}

	m.StorageFlows, err = storageMeter.Int64ObservableGauge(
		"gateway.storage.flows",
		metric.WithDescription("Number of in-flight authorization flows held by the store"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.flows gauge: %w", err)
	}

	m.StorageClients, err = storageMeter.Int64ObservableGauge(
		"gateway.storage.clients",
		metric.WithDescription("Number of registered clients held by the store"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordFlowStarted records a new proxied authorization flow
func (m *Metrics) RecordFlowStarted(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.FlowStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordFlowCompleted records a flow reaching Authenticated or Failed.
// kind is empty for successful flows.
func (m *Metrics) RecordFlowCompleted(ctx context.Context, outcome, kind string) {
	if m == nil {
		return
	}
	m.FlowCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("kind", kind),
	))
}

// RecordCodeExchanged records a downstream code redemption
func (m *Metrics) RecordCodeExchanged(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRoleNormalized records a role normalization attempt
func (m *Metrics) RecordRoleNormalized(ctx context.Context, source, result string) {
	if m == nil {
		return
	}
	m.RoleNormalized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("result", result),
	))
}

// RecordSessionIssued records a new session; regenerated is true on a role change
func (m *Metrics) RecordSessionIssued(ctx context.Context, role string, regenerated bool) {
	if m == nil {
		return
	}
	m.SessionIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.Bool("regenerated", regenerated),
	))
}

// RecordTokenRefreshed records a refresh attempt outcome
func (m *Metrics) RecordTokenRefreshed(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordSessionRevoked records a session revocation
func (m *Metrics) RecordSessionRevoked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.SessionRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE failure on the given side of the proxy
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, side string) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("side", side),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
	))
}

// RecordProviderCall records an upstream provider call
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation string, durationMs float64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ProviderCallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.ProviderCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))
}
