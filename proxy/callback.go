package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/pkce"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

// CallbackRequest is the upstream redirect back to the gateway
type CallbackRequest struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string

	// CurrentSessionID is the session the browser already holds, if any. The
	// issued session replaces it for the same user when the client matches or
	// the role changed.
	CurrentSessionID string

	IPAddress string
}

// CallbackResponse completes a flow
type CallbackResponse struct {
	FlowID string

	// RedirectURL is the client's redirect URI carrying the downstream code and the
	// client's original state
	RedirectURL string

	Session *storage.Session
}

// Callback resumes the flow named by the upstream state (AwaitingUpstreamRedirect ->
// ExchangingCode -> Authenticated). The flow is consumed before anything else, so a
// replayed callback finds nothing.
func (m *Machine) Callback(ctx context.Context, req CallbackRequest) (_ *CallbackResponse, err error) {
	ctx, span := m.startSpan(ctx, "callback")
	defer func() { endSpan(span, err) }()

	if req.State == "" {
		return nil, m.stateMismatch(ctx, req, fmt.Errorf("missing state"))
	}
	state, err := m.flows.ConsumeFlow(ctx, req.State)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, m.stateMismatch(ctx, req, nil)
		}
		return nil, (&flow{ctx: ctx, m: m, state: StateAwaitingUpstreamRedirect}).internal(err)
	}

	f := m.track(ctx, state.FlowID, state.ClientID, StateAwaitingUpstreamRedirect)
	f.redirectURI = state.RedirectURI
	f.clientState = state.ClientState
	instrumentation.AddFlowAttributes(span, f.id, f.clientID)

	if !m.now().Before(state.ExpiresAt) {
		m.auditor.LogEvent(security.Event{
			Type:      security.EventFlowExpired,
			ClientID:  state.ClientID,
			FlowID:    state.FlowID,
			IPAddress: req.IPAddress,
			ErrorKind: string(KindFlowExpired),
		})
		return nil, f.fail(KindFlowExpired, "authorization request expired",
			&FlowExpiredError{FlowID: state.FlowID, ExpiredAt: state.ExpiresAt})
	}

	if req.Error != "" {
		return nil, f.fail(KindUpstreamDenied, "the identity provider denied the request",
			fmt.Errorf("upstream error %q: %s", req.Error, req.ErrorDescription))
	}
	if req.Code == "" {
		return nil, f.fail(KindInvalidRequest, "missing authorization code", fmt.Errorf("callback without code"))
	}

	if err := f.advance(StateExchangingCode); err != nil {
		return nil, f.internal(err)
	}

	// SECURITY: the stored upstream pair must be intact and never the client's
	upstream := pkce.Pair{
		Verifier:  state.UpstreamCodeVerifier,
		Challenge: state.UpstreamCodeChallenge,
		Method:    pkce.MethodS256,
	}
	if err := pkce.VerifySide(pkce.SideUpstream, upstream.Verifier, upstream.Challenge); err != nil {
		m.auditPKCEFailure(ctx, pkce.SideUpstream, f.id, f.clientID, err)
		return nil, f.fail(KindPKCEValidation, "internal error", err)
	}
	if err := pkce.EnsureDistinct(upstream, state.ClientCodeChallenge); err != nil {
		m.auditPKCEFailure(ctx, pkce.SideUpstream, f.id, f.clientID, err)
		return nil, f.fail(KindPKCEValidation, "internal error", err)
	}

	identity, err := m.provider.ExchangeCode(ctx, req.Code, upstream.Verifier)
	if err != nil {
		m.auditor.LogEvent(security.Event{
			Type:      security.EventUpstreamExchangeFailed,
			ClientID:  f.clientID,
			FlowID:    f.id,
			IPAddress: req.IPAddress,
			ErrorKind: string(KindUpstreamExchange),
		})
		return nil, f.fail(KindUpstreamExchange, "failed to exchange the authorization code", err)
	}

	claims := identity.Claims
	if claims == nil {
		claims = map[string]any{"sub": identity.Subject}
	}
	result, err := m.normalizer.Normalize(ctx, claims)
	if err != nil {
		return nil, f.fail(KindOf(err), "the account has no recognized role", err)
	}
	if err := m.policy.Check(result.Role); err != nil {
		m.auditor.LogEvent(security.Event{
			Type:      security.EventRoleUnprovisioned,
			Subject:   identity.Subject,
			ClientID:  f.clientID,
			FlowID:    f.id,
			ErrorKind: string(KindUnprovisionedRole),
			Details:   map[string]any{"role": string(result.Role)},
		})
		return nil, f.fail(KindUnprovisionedRole, "the account's role is not provisioned", err)
	}

	session, err := m.sessions.Issue(ctx, tokensync.IssueRequest{
		Subject:    identity.Subject,
		Email:      identity.Email,
		ClientID:   state.ClientID,
		Role:       string(result.Role),
		RoleSource: result.Source,
		Upstream:   identity.Token,
		Replaces:   req.CurrentSessionID,
	})
	if err != nil {
		return nil, f.internal(err)
	}

	grant, err := m.issueGrant(ctx, state, session)
	if err != nil {
		if rerr := m.sessions.RevokeWithReason(ctx, session.ID, tokensync.ReasonFlowAborted); rerr != nil {
			m.logger.Warn("Failed to revoke session of an unissued grant", "session_id", session.ID, "error", rerr)
		}
		return nil, f.internal(err)
	}

	if err := f.advance(StateAuthenticated); err != nil {
		return nil, f.internal(err)
	}
	m.metrics.RecordFlowCompleted(ctx, "success", "")
	m.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		Subject:   session.Subject,
		ClientID:  session.ClientID,
		SessionID: session.ID,
		FlowID:    f.id,
		IPAddress: req.IPAddress,
		Details:   map[string]any{"role": session.Role},
	})

	return &CallbackResponse{
		FlowID:      f.id,
		RedirectURL: redirectWithParams(state.RedirectURI, url.Values{"code": {grant.Code}, "state": optional(state.ClientState)}),
		Session:     session,
	}, nil
}

func (m *Machine) issueGrant(ctx context.Context, state *storage.FlowState, session *storage.Session) (*storage.Grant, error) {
	now := m.now()
	grant := &storage.Grant{
		Code:                randomValue(),
		FlowID:              state.FlowID,
		ClientID:            state.ClientID,
		RedirectURI:         state.RedirectURI,
		Scope:               state.Scope,
		CodeChallenge:       state.ClientCodeChallenge,
		CodeChallengeMethod: state.ClientCodeChallengeMethod,
		SessionID:           session.ID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.codeTTL),
	}
	if err := m.flows.SaveGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to save grant: %w", err)
	}
	return grant, nil
}

// stateMismatch rejects a callback that names no live flow. No flow is touched, so
// there is no client redirect to deliver the error to.
func (m *Machine) stateMismatch(ctx context.Context, req CallbackRequest, cause error) *FlowError {
	m.metrics.RecordFlowCompleted(ctx, "failure", string(KindStateMismatch))
	m.auditor.LogEvent(security.Event{
		Type:      security.EventStateMismatch,
		IPAddress: req.IPAddress,
		Outcome:   security.OutcomeFailure,
		ErrorKind: string(KindStateMismatch),
	})
	m.logger.Warn("Callback with unknown state", "ip", req.IPAddress)

	var err error = &StateMismatchError{}
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	return &FlowError{
		Kind:        KindStateMismatch,
		State:       StateAwaitingUpstreamRedirect,
		Description: "invalid or expired state",
		Err:         err,
	}
}

// ErrorRedirect returns the client redirect carrying err as an OAuth error response,
// or false when the error must not be delivered to the client's redirect URI
func ErrorRedirect(err error, code, description string) (string, bool) {
	var fe *FlowError
	if !errors.As(err, &fe) || fe.RedirectURI == "" {
		return "", false
	}
	params := url.Values{"error": {code}, "state": optional(fe.ClientState)}
	if description != "" {
		params.Set("error_description", description)
	}
	return redirectWithParams(fe.RedirectURI, params), true
}

func redirectWithParams(redirectURI string, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func optional(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
