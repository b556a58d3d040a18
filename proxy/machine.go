// Package proxy implements the OAuth 2.1 proxy state machine between downstream MCP
// clients and the upstream identity provider.
//
// A flow moves Idle -> AwaitingUpstreamRedirect -> ExchangingCode -> Authenticated,
// or to Failed from any non-terminal state. The client-facing state and PKCE
// challenge and the gateway's own upstream state and PKCE pair are two separate
// value sets correlated by the flow ID. The flow is persisted keyed by the
// upstream state, so the callback may land on any replica, and is consumed
// exactly once.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-registry-gateway/dcr"
	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/providers"
	"github.com/giantswarm/mcp-registry-gateway/roles"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

// Defaults applied by New
const (
	DefaultFlowTTL = 10 * time.Minute
	DefaultCodeTTL = time.Minute

	// MaxClientStateLength bounds the client-supplied state value
	MaxClientStateLength = 512
)

// ClientRegistry resolves downstream clients (implemented by dcr.Bridge)
type ClientRegistry interface {
	Lookup(ctx context.Context, clientID string) (*storage.Client, error)
	Authenticate(ctx context.Context, clientID, clientSecret string) (*storage.Client, error)
}

// RoleNormalizer maps verified identity claims to a canonical role (implemented by
// roles.Normalizer)
type RoleNormalizer interface {
	Normalize(ctx context.Context, claims map[string]any) (roles.Result, error)
}

// SessionManager issues and resolves sessions (implemented by tokensync.Synchronizer)
type SessionManager interface {
	Issue(ctx context.Context, req tokensync.IssueRequest) (*storage.Session, error)
	Get(ctx context.Context, sessionID string) (*storage.Session, error)
	RefreshWithToken(ctx context.Context, refreshToken, clientID string) (*storage.Session, error)
	RevokeToken(ctx context.Context, token, clientID string) error
	RevokeWithReason(ctx context.Context, sessionID, reason string) error
}

var (
	_ ClientRegistry = (*dcr.Bridge)(nil)
	_ RoleNormalizer = (*roles.Normalizer)(nil)
	_ SessionManager = (*tokensync.Synchronizer)(nil)
)

// Config configures a Machine
type Config struct {
	Clients    ClientRegistry
	Flows      storage.FlowStore
	Provider   providers.Provider
	Normalizer RoleNormalizer
	Sessions   SessionManager

	// Policy is the provisioned role table (default: every canonical role)
	Policy *roles.Policy

	// FlowTTL bounds the wait for the upstream redirect (default: 10m)
	FlowTTL time.Duration

	// CodeTTL is the lifetime of downstream authorization codes (default: 1m)
	CodeTTL time.Duration

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger

	// Now overrides the time source (tests)
	Now func() time.Time
}

// Machine runs proxied authorization flows
type Machine struct {
	clients    ClientRegistry
	flows      storage.FlowStore
	provider   providers.Provider
	normalizer RoleNormalizer
	sessions   SessionManager
	policy     *roles.Policy

	flowTTL time.Duration
	codeTTL time.Duration

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Machine
func New(cfg Config) (*Machine, error) {
	switch {
	case cfg.Clients == nil:
		return nil, fmt.Errorf("client registry is required")
	case cfg.Flows == nil:
		return nil, fmt.Errorf("flow store is required")
	case cfg.Provider == nil:
		return nil, fmt.Errorf("provider is required")
	case cfg.Normalizer == nil:
		return nil, fmt.Errorf("role normalizer is required")
	case cfg.Sessions == nil:
		return nil, fmt.Errorf("session manager is required")
	}

	m := &Machine{
		clients:    cfg.Clients,
		flows:      cfg.Flows,
		provider:   cfg.Provider,
		normalizer: cfg.Normalizer,
		sessions:   cfg.Sessions,
		policy:     cfg.Policy,
		flowTTL:    cfg.FlowTTL,
		codeTTL:    cfg.CodeTTL,
		auditor:    cfg.Auditor,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if m.policy == nil {
		m.policy = roles.AllProvisioned()
	}
	if m.flowTTL <= 0 {
		m.flowTTL = DefaultFlowTTL
	}
	if m.codeTTL <= 0 {
		m.codeTTL = DefaultCodeTTL
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if cfg.Instrumentation != nil {
		m.metrics = cfg.Instrumentation.Metrics()
		m.tracer = cfg.Instrumentation.Tracer("proxy")
	}
	return m, nil
}

// flow tracks the state of one flow within a single request and audits every
// transition
type flow struct {
	ctx      context.Context
	m        *Machine
	id       string
	clientID string
	state    State

	// set once the redirect URI is verified
	redirectURI string
	clientState string
}

func (m *Machine) track(ctx context.Context, id, clientID string, state State) *flow {
	return &flow{ctx: ctx, m: m, id: id, clientID: clientID, state: state}
}

func (f *flow) advance(to State) error {
	if !f.state.CanTransition(to) {
		return &IllegalTransitionError{From: f.state, To: to}
	}
	f.m.auditor.LogFlowTransition(f.id, f.clientID, string(f.state), string(to), "")
	f.m.logger.Debug("Flow transition", "flow_id", f.id, "from", f.state, "to", to)
	f.state = to
	return nil
}

// fail moves the flow to Failed and builds the error returned to the caller
func (f *flow) fail(kind Kind, description string, err error) *FlowError {
	from := f.state
	if from.CanTransition(StateFailed) {
		f.m.auditor.LogFlowTransition(f.id, f.clientID, string(from), string(StateFailed), string(kind))
		f.state = StateFailed
	}
	f.m.metrics.RecordFlowCompleted(f.ctx, "failure", string(kind))
	f.m.logger.Info("Flow failed", "flow_id", f.id, "client_id", f.clientID, "state", from, "kind", kind, "error", err)

	return &FlowError{
		Kind:        kind,
		FlowID:      f.id,
		State:       from,
		Description: description,
		RedirectURI: f.redirectURI,
		ClientState: f.clientState,
		Err:         err,
	}
}

// internal fails the flow with KindInternal. The description never carries err.
func (f *flow) internal(err error) *FlowError {
	return f.fail(KindInternal, "internal error", err)
}

func (m *Machine) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return m.tracer.Start(ctx, "proxy."+op)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

// randomValue returns 32 random bytes, base64url encoded
func randomValue() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
