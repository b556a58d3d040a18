package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
//
// Only identifiers and metadata go into spans. Token values, authorization codes,
// PKCE verifiers and client secrets must never be recorded.
const (
	AttrClientID     = "oauth.client_id"
	AttrFlowID       = "gateway.flow.id"
	AttrFlowState    = "gateway.flow.state"
	AttrFlowKind     = "gateway.flow.error_kind"
	AttrSessionID    = "gateway.session.id"
	AttrGeneration   = "gateway.session.generation"
	AttrRole         = "gateway.role"
	AttrRoleSource   = "gateway.role.source"
	AttrGrantType    = "oauth.grant_type"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrProviderName = "provider.name"

	AttrStorageOperation = "storage.operation"
	AttrStorageBackend   = "storage.backend"
)

// RecordError records an error on a span with an error status (nil-safe)
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

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds proxied flow attributes to a span
func AddFlowAttributes(span trace.Span, flowID, clientID string) {
	if flowID != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowID, flowID))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
}

// AddSessionAttributes adds session attributes to a span
func AddSessionAttributes(span trace.Span, sessionID string, generation uint64) {
	if sessionID == "" {
		return
	}
	SetSpanAttributes(span,
		attribute.String(AttrSessionID, sessionID),
		attribute.Int64(AttrGeneration, int64(generation)), //nolint:gosec // generation counters stay far below MaxInt64
	)
}

// AddStorageAttributes adds storage operation attributes to a span
func AddStorageAttributes(span trace.Span, operation, backend string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageBackend, backend),
	)
}
