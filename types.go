package gateway

import (
	"context"
	"time"
)

// Endpoint paths served by Handler
const (
	PathAuthServerMetadata = "/.well-known/oauth-authorization-server"
	PathRegister           = "/oauth/register"
	PathAuthorize          = "/oauth/authorize"
	PathCallback           = "/oauth/callback"
	PathToken              = "/oauth/token"
	PathRevoke             = "/oauth/revoke"
	PathLogout             = "/oauth/logout"
	PathSession            = "/oauth/session"
	PathMetrics            = "/metrics"
	PathHealthz            = "/healthz"
	PathReadyz             = "/readyz"
)

// AuthorizationServerMetadata is the RFC 8414 metadata document
type AuthorizationServerMetadata struct {
	Issuer                                 string   `json:"issuer"`
	AuthorizationEndpoint                  string   `json:"authorization_endpoint"`
	TokenEndpoint                          string   `json:"token_endpoint"`
	RegistrationEndpoint                   string   `json:"registration_endpoint"`
	RevocationEndpoint                     string   `json:"revocation_endpoint"`
	ResponseTypesSupported                 []string `json:"response_types_supported"`
	GrantTypesSupported                    []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported          []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported      []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported []string `json:"revocation_endpoint_auth_methods_supported"`
}

// ClientRegistrationResponse is the RFC 7591 registration response
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
}

// SessionResponse describes the session behind the frontend cookie
type SessionResponse struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	ClientID  string    `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionInfo is the authenticated caller of a request passed by RequireAuth
type SessionInfo struct {
	SessionID   string
	Subject     string
	Email       string
	ClientID    string
	Role        string
	Permissions []string
}

type contextKey string

const sessionInfoKey contextKey = "session_info"

// ContextWithSessionInfo returns ctx carrying info
func ContextWithSessionInfo(ctx context.Context, info *SessionInfo) context.Context {
	return context.WithValue(ctx, sessionInfoKey, info)
}

// SessionInfoFromContext returns the caller set by RequireAuth
func SessionInfoFromContext(ctx context.Context) (*SessionInfo, bool) {
	info, ok := ctx.Value(sessionInfoKey).(*SessionInfo)
	return info, ok && info != nil
}

// RoleFromContext returns the canonical role of the caller, or "" when the request
// did not pass RequireAuth
func RoleFromContext(ctx context.Context) string {
	if info, ok := SessionInfoFromContext(ctx); ok {
		return info.Role
	}
	return ""
}
