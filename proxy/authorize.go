package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/internal/helpers"
	"github.com/giantswarm/mcp-registry-gateway/pkce"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// maxStateAttempts bounds retries when a generated upstream state collides
const maxStateAttempts = 3

// AuthorizeRequest is a downstream authorization request
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	IPAddress           string
}

// AuthorizeResponse carries the upstream redirect of a started flow
type AuthorizeResponse struct {
	FlowID string

	// RedirectURL is the upstream authorization URL
	RedirectURL string

	ExpiresAt time.Time
}

// Authorize validates a downstream authorization request and starts a flow
// (Idle -> AwaitingUpstreamRedirect). An unknown client is rejected before any flow
// state is created.
func (m *Machine) Authorize(ctx context.Context, req AuthorizeRequest) (_ *AuthorizeResponse, err error) {
	ctx, span := m.startSpan(ctx, "authorize")
	defer func() { endSpan(span, err) }()

	f := m.track(ctx, uuid.NewString(), req.ClientID, StateIdle)
	instrumentation.AddFlowAttributes(span, f.id, req.ClientID)

	client, err := m.clients.Lookup(ctx, req.ClientID)
	if err != nil {
		if KindOf(err) == KindUnknownClient {
			return nil, f.fail(KindUnknownClient, "unknown client", err)
		}
		return nil, f.internal(err)
	}

	redirectURI, err := resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return nil, f.fail(KindInvalidRequest, err.Error(), err)
	}
	// errors from here on may be delivered to the client by redirect
	f.redirectURI = redirectURI
	f.clientState = req.State

	if req.ResponseType != "code" {
		return nil, f.fail(KindInvalidRequest, "response_type must be code", fmt.Errorf("unsupported response_type %q", req.ResponseType))
	}
	if len(req.State) > MaxClientStateLength {
		return nil, f.fail(KindInvalidRequest, "state is too long", fmt.Errorf("state of %d bytes", len(req.State)))
	}
	if err := pkce.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		m.metrics.RecordPKCEValidationFailed(ctx, pkce.SideDownstream)
		return nil, f.fail(KindInvalidRequest, "code_challenge with method S256 is required", err)
	}

	upstream, err := pkce.CreateChallenge()
	if err != nil {
		return nil, f.internal(err)
	}
	// SECURITY: the upstream pair is the gateway's own and never the client's
	if err := pkce.EnsureDistinct(upstream, req.CodeChallenge); err != nil {
		return nil, f.internal(err)
	}

	now := m.now()
	state := &storage.FlowState{
		FlowID:                    f.id,
		ClientID:                  client.ClientID,
		RedirectURI:               redirectURI,
		Scope:                     req.Scope,
		ClientState:               req.State,
		ClientCodeChallenge:       req.CodeChallenge,
		ClientCodeChallengeMethod: req.CodeChallengeMethod,
		UpstreamCodeChallenge:     upstream.Challenge,
		UpstreamCodeVerifier:      upstream.Verifier,
		CreatedAt:                 now,
		ExpiresAt:                 now.Add(m.flowTTL),
	}
	if err := m.saveFlow(ctx, state); err != nil {
		return nil, f.internal(err)
	}

	if err := f.advance(StateAwaitingUpstreamRedirect); err != nil {
		return nil, f.internal(err)
	}
	m.metrics.RecordFlowStarted(ctx, client.ClientType)

	return &AuthorizeResponse{
		FlowID:      f.id,
		RedirectURL: m.provider.AuthorizationURL(state.UpstreamState, upstream.Challenge),
		ExpiresAt:   state.ExpiresAt,
	}, nil
}

// saveFlow assigns a fresh upstream state, distinct from the client state, and
// persists the flow, retrying on the (unlikely) collision with an in-flight flow
func (m *Machine) saveFlow(ctx context.Context, state *storage.FlowState) error {
	for range maxStateAttempts {
		state.UpstreamState = randomValue()
		if state.UpstreamState == state.ClientState {
			continue
		}
		err := m.flows.SaveFlow(ctx, state)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Errorf("failed to save flow: %w", err)
		}
		m.logger.Warn("Upstream state collision, regenerating", "flow_id", state.FlowID)
	}
	return fmt.Errorf("failed to allocate a unique upstream state")
}

// resolveRedirectURI returns the redirect URI a flow will use. An omitted URI is
// allowed only when exactly one is registered.
func resolveRedirectURI(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", fmt.Errorf("redirect_uri is required")
	}
	if !helpers.MatchRedirectURI(client.RedirectURIs, requested) {
		return "", fmt.Errorf("redirect_uri is not registered for this client")
	}
	return requested, nil
}

func (m *Machine) auditPKCEFailure(ctx context.Context, side, flowID, clientID string, err error) {
	m.metrics.RecordPKCEValidationFailed(ctx, side)
	m.auditor.LogEvent(security.Event{
		Type:      security.EventPKCEValidationFailed,
		ClientID:  clientID,
		FlowID:    flowID,
		ErrorKind: string(KindPKCEValidation),
		Details:   map[string]any{"side": side, "reason": err.Error()},
	})
}
