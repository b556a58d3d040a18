package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors shared by every backend
var (
	// ErrNotFound is returned when a key does not exist (or was already consumed)
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrGenerationMismatch is returned by CompareAndSwapSession when the stored
	// generation differs from the expected one
	ErrGenerationMismatch = errors.New("storage: generation mismatch")

	// ErrLeaseHeld is returned when a refresh lease is already held by another caller
	ErrLeaseHeld = errors.New("storage: lease held")

	// ErrInvalidRecord is returned when a record is missing its key fields
	ErrInvalidRecord = errors.New("storage: invalid record")
)

// ExpiredRetention is how long expired flows and codes are kept before sweeping,
// so a late callback is reported as expired rather than unknown.
const ExpiredRetention = 5 * time.Minute

// SessionStore persists sessions. The session record is the single source of truth
// for the token triple; it is only ever replaced as a whole.
type SessionStore interface {
	// CreateSession stores a new session. Fails with ErrAlreadyExists if the ID is taken.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession returns a session by ID or ErrNotFound
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// CompareAndSwapSession replaces the stored session only if its generation still
	// equals expectedGeneration. Returns ErrGenerationMismatch or ErrNotFound otherwise.
	CompareAndSwapSession(ctx context.Context, session *Session, expectedGeneration uint64) error

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// AcquireRefreshLease takes the exclusive refresh lease of a session for ttl and
	// returns a token to release it. Fails with ErrLeaseHeld when another holder exists.
	AcquireRefreshLease(ctx context.Context, sessionID string, ttl time.Duration) (string, error)

	// ReleaseRefreshLease releases a lease if token still owns it
	ReleaseRefreshLease(ctx context.Context, sessionID, token string) error
}

// FlowStore persists in-flight authorization flows and downstream authorization codes
type FlowStore interface {
	// SaveFlow stores a flow keyed by its UpstreamState.
	// Fails with ErrAlreadyExists when the upstream state is already in flight.
	SaveFlow(ctx context.Context, flow *FlowState) error

	// ConsumeFlow atomically fetches and deletes a flow by upstream state.
	// A second call for the same state returns ErrNotFound. Expiry is not checked here.
	ConsumeFlow(ctx context.Context, upstreamState string) (*FlowState, error)

	// SaveGrant stores a downstream authorization code
	SaveGrant(ctx context.Context, grant *Grant) error

	// ConsumeGrant atomically fetches and deletes a downstream authorization code
	ConsumeGrant(ctx context.Context, code string) (*Grant, error)
}

// ClientStore persists dynamically registered clients
type ClientStore interface {
	// SaveClient stores a new client. Fails with ErrAlreadyExists if the ID was ever issued.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient returns a client by ID (including revoked tombstones) or ErrNotFound
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// UpdateClient replaces an existing client record
	UpdateClient(ctx context.Context, client *Client) error
}

// Store is implemented by every backend
type Store interface {
	SessionStore
	FlowStore
	ClientStore
}

// Role source identifiers, naming the claim shape a canonical role came from
const (
	RoleSourceRoles         = "roles"
	RoleSourceAppRoles      = "appRoles"
	RoleSourceAppRolesSnake = "app_roles"
	RoleSourceGroups        = "groups"
)

// Session is one end-user's authenticated session across all three token layers
type Session struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Email         string    `json:"email,omitempty"`
	ClientID      string    `json:"client_id"`
	Role          string    `json:"role"`
	RoleSource    string    `json:"role_source"`
	CreatedAt     time.Time `json:"created_at"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	ExpiresAt     time.Time `json:"expires_at"`

	// Generation increases by one on every successful refresh
	Generation uint64 `json:"generation"`

	Triple TokenTriple `json:"triple"`
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Triple.Upstream != nil {
		up := *s.Triple.Upstream
		c.Triple.Upstream = &up
	}
	return &c
}

// TokenTriple holds the three token layers of a session. All members are issued for
// the same session ID and role and are only replaced together.
type TokenTriple struct {
	// Frontend is the gateway UI session token (cookie)
	Frontend FrontendToken `json:"frontend"`

	// Backend holds the gateway-issued access and refresh tokens
	Backend BackendTokens `json:"backend"`

	// Upstream is the identity provider token pair
	Upstream *oauth2.Token `json:"upstream"`
}

// FrontendToken is the opaque browser session token
type FrontendToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BackendTokens are the tokens the gateway issues to downstream MCP clients
type BackendTokens struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// FlowState is a single in-flight proxied authorization attempt.
// The client-facing and upstream-facing state/PKCE values are kept separate.
type FlowState struct {
	FlowID      string `json:"flow_id"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Scope       string `json:"scope,omitempty"`

	// Client-facing values supplied by the downstream client
	ClientState               string `json:"client_state"`
	ClientCodeChallenge       string `json:"client_code_challenge"`
	ClientCodeChallengeMethod string `json:"client_code_challenge_method"`

	// Upstream-facing values generated by the gateway
	UpstreamState         string `json:"upstream_state"`
	UpstreamCodeChallenge string `json:"upstream_code_challenge"`
	UpstreamCodeVerifier  string `json:"upstream_code_verifier"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Grant is a downstream authorization code bound to a session and the client's PKCE challenge
type Grant struct {
	Code                string    `json:"code"`
	FlowID              string    `json:"flow_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	SessionID           string    `json:"session_id"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

// Client is a dynamically registered downstream client. Every client maps to the
// single upstream credential of the deployment.
type Client struct {
	ClientID                string     `json:"client_id"`
	ClientSecretHash        string     `json:"client_secret_hash,omitempty"`
	ClientType              string     `json:"client_type"`
	ClientName              string     `json:"client_name,omitempty"`
	RedirectURIs            []string   `json:"redirect_uris"`
	TokenEndpointAuthMethod string     `json:"token_endpoint_auth_method"`
	GrantTypes              []string   `json:"grant_types"`
	Scope                   string     `json:"scope,omitempty"`
	IssuedAt                time.Time  `json:"issued_at"`
	RevokedAt               *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the registration has been revoked
func (c *Client) Revoked() bool {
	return c.RevokedAt != nil
}
