// Package instrumentation provides OpenTelemetry instrumentation for the gateway.
//
// It owns the meter and tracer providers and a pre-built set of metric instruments.
// When disabled, no-op providers are installed and every Record call is a cheap no-op.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-registry-gateway",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP layer:
//   - gateway.http.requests.total, gateway.http.request.duration
//
// Proxy flow:
//   - gateway.flow.started, gateway.flow.completed (outcome, kind)
//   - gateway.code.exchanged, gateway.role.normalized (source, result)
//
// Token synchronization:
//   - gateway.session.issued, gateway.token.refreshed (outcome), gateway.session.revoked
//
// Security:
//   - gateway.client.registered, gateway.rate_limit.exceeded, gateway.pkce.validation_failed
//
// Storage and provider:
//   - gateway.storage.operations.total, gateway.storage.operation.duration
//   - gateway.storage.sessions, gateway.storage.flows, gateway.storage.clients
//   - gateway.provider.calls.total, gateway.provider.call.duration
package instrumentation
