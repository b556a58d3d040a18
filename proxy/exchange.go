package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-registry-gateway/pkce"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

// TokenTypeBearer is the only token type the gateway issues
const TokenTypeBearer = "Bearer"

// ExchangeRequest is a downstream authorization_code grant
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	IPAddress    string
}

// RefreshRequest is a downstream refresh_token grant
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	IPAddress    string
}

// RevokeRequest is a downstream RFC 7009 revocation request
type RevokeRequest struct {
	ClientID     string
	ClientSecret string
	Token        string
	IPAddress    string
}

// TokenResponse is the downstream token endpoint response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Exchange redeems a downstream authorization code. The code is consumed before it
// is checked, so it can never be redeemed twice. The client's verifier is checked
// against the challenge it sent to Authorize, never against the upstream pair.
func (m *Machine) Exchange(ctx context.Context, req ExchangeRequest) (_ *TokenResponse, err error) {
	ctx, span := m.startSpan(ctx, "exchange")
	defer func() { endSpan(span, err) }()

	client, err := m.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		m.metrics.RecordCodeExchanged(ctx, "client_auth_failed")
		return nil, m.exchangeError(req.ClientID, err)
	}

	if req.Code == "" {
		m.metrics.RecordCodeExchanged(ctx, "invalid_request")
		return nil, &FlowError{Kind: KindInvalidRequest, Description: "code is required", Err: errors.New("missing code")}
	}
	grant, err := m.flows.ConsumeGrant(ctx, req.Code)
	if err != nil {
		m.metrics.RecordCodeExchanged(ctx, "invalid_grant")
		if errors.Is(err, storage.ErrNotFound) {
			m.auditGrantRejected(client.ClientID, "", req.IPAddress, "unknown or used code")
			return nil, m.grantInvalid("", "unknown or used code")
		}
		return nil, m.exchangeError(client.ClientID, err)
	}

	if !m.now().Before(grant.ExpiresAt) {
		m.metrics.RecordCodeExchanged(ctx, "expired")
		m.auditGrantRejected(client.ClientID, grant.FlowID, req.IPAddress, "code expired")
		m.abandon(ctx, grant.SessionID, tokensync.ReasonExpired)
		return nil, m.grantInvalid(grant.FlowID, "code expired")
	}

	// SECURITY: a code presented by another client or for another redirect URI
	// may have been intercepted, so its session is revoked
	if grant.ClientID != client.ClientID || (req.RedirectURI != "" && req.RedirectURI != grant.RedirectURI) {
		m.metrics.RecordCodeExchanged(ctx, "mismatch")
		m.auditGrantRejected(client.ClientID, grant.FlowID, req.IPAddress, "client or redirect_uri mismatch")
		m.abandon(ctx, grant.SessionID, tokensync.ReasonGrantMisuse)
		return nil, m.grantInvalid(grant.FlowID, "code was not issued to this client")
	}

	if err := pkce.VerifySide(pkce.SideDownstream, req.CodeVerifier, grant.CodeChallenge); err != nil {
		m.metrics.RecordCodeExchanged(ctx, "pkce_failed")
		m.auditPKCEFailure(ctx, pkce.SideDownstream, grant.FlowID, client.ClientID, err)
		m.abandon(ctx, grant.SessionID, tokensync.ReasonPKCEFailure)
		return nil, &FlowError{
			Kind:        KindPKCEValidation,
			FlowID:      grant.FlowID,
			State:       StateAuthenticated,
			Description: "code_verifier does not match code_challenge",
			Err:         err,
		}
	}

	session, err := m.sessions.Get(ctx, grant.SessionID)
	if err != nil {
		m.metrics.RecordCodeExchanged(ctx, "session_gone")
		return nil, m.exchangeError(client.ClientID, err)
	}

	m.metrics.RecordCodeExchanged(ctx, "success")
	m.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeRedeemed,
		Subject:   session.Subject,
		ClientID:  client.ClientID,
		SessionID: session.ID,
		FlowID:    grant.FlowID,
		IPAddress: req.IPAddress,
	})
	return m.tokenResponse(session, grant.Scope), nil
}

// Refresh serves the downstream refresh_token grant. A concurrent refresh of the
// same session fails with KindRefreshConflict; the caller may retry.
func (m *Machine) Refresh(ctx context.Context, req RefreshRequest) (_ *TokenResponse, err error) {
	ctx, span := m.startSpan(ctx, "refresh")
	defer func() { endSpan(span, err) }()

	client, err := m.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, m.exchangeError(req.ClientID, err)
	}
	if req.RefreshToken == "" {
		return nil, &FlowError{Kind: KindInvalidRequest, Description: "refresh_token is required", Err: errors.New("missing refresh_token")}
	}

	session, err := m.sessions.RefreshWithToken(ctx, req.RefreshToken, client.ClientID)
	if err != nil {
		return nil, m.exchangeError(client.ClientID, err)
	}
	return m.tokenResponse(session, ""), nil
}

// Revoke serves RFC 7009 revocation. Unknown tokens succeed silently.
func (m *Machine) Revoke(ctx context.Context, req RevokeRequest) (err error) {
	ctx, span := m.startSpan(ctx, "revoke")
	defer func() { endSpan(span, err) }()

	client, err := m.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return m.exchangeError(req.ClientID, err)
	}
	if req.Token == "" {
		return &FlowError{Kind: KindInvalidRequest, Description: "token is required", Err: errors.New("missing token")}
	}
	if err := m.sessions.RevokeToken(ctx, req.Token, client.ClientID); err != nil {
		return m.exchangeError(client.ClientID, err)
	}
	return nil
}

func (m *Machine) tokenResponse(session *storage.Session, scope string) *TokenResponse {
	expiresIn := session.Triple.Backend.AccessExpiresAt.Sub(m.now())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return &TokenResponse{
		AccessToken:  session.Triple.Backend.AccessToken,
		TokenType:    TokenTypeBearer,
		RefreshToken: session.Triple.Backend.RefreshToken,
		ExpiresIn:    int64(expiresIn / time.Second),
		Scope:        scope,
	}
}

// abandon revokes the session behind a rejected code
func (m *Machine) abandon(ctx context.Context, sessionID, reason string) {
	if sessionID == "" {
		return
	}
	err := m.sessions.RevokeWithReason(ctx, sessionID, reason)
	if err != nil && !errors.Is(err, tokensync.ErrSessionNotFound) {
		m.logger.Warn("Failed to revoke session of a rejected code", "session_id", sessionID, "reason", reason, "error", err)
	}
}

func (m *Machine) grantInvalid(flowID, reason string) *FlowError {
	return &FlowError{
		Kind:        KindGrantInvalid,
		FlowID:      flowID,
		State:       StateAuthenticated,
		Description: "invalid authorization code",
		Err:         fmt.Errorf("%w: %s", ErrGrantInvalid, reason),
	}
}

func (m *Machine) auditGrantRejected(clientID, flowID, ip, reason string) {
	m.auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeRedeemed,
		ClientID:  clientID,
		FlowID:    flowID,
		IPAddress: ip,
		ErrorKind: string(KindGrantInvalid),
		Details:   map[string]any{"reason": reason},
	})
}

// exchangeError wraps a token endpoint failure in a FlowError of the matching kind
func (m *Machine) exchangeError(clientID string, err error) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	kind := KindOf(err)
	description := "internal error"
	switch kind {
	case KindUnknownClient:
		description = "client authentication failed"
	case KindGrantInvalid:
		description = "invalid grant"
	case KindRefreshConflict:
		description = "a refresh of this session is already in progress"
	case KindUpstreamRefresh:
		description = "the identity provider rejected the refresh"
	}
	if kind == KindInternal {
		m.logger.Error("Token endpoint failure", "client_id", clientID, "error", err)
	}
	return &FlowError{Kind: kind, Description: description, Err: err}
}
