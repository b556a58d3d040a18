// Package dcr bridges RFC 7591 Dynamic Client Registration to an upstream identity
// provider that only knows one statically provisioned client.
//
// Registration is local: every downstream client receives its own identifier (and
// secret, for confidential clients), and every identifier resolves to the single
// upstream credential of the deployment. Revoked identifiers are kept as tombstones
// so they are never issued again.
package dcr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/internal/helpers"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// Token endpoint authentication methods (RFC 7591)
const (
	AuthMethodNone  = "none"
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
)

// Grant types accepted at registration
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Registration error codes (RFC 7591 section 3.2.2)
const (
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

const (
	// MaxRedirectURIs bounds the redirect URIs of one registration
	MaxRedirectURIs = 10

	// MaxClientNameLength bounds the client_name field
	MaxClientNameLength = 256

	// maxIDAttempts bounds retries on a client ID collision
	maxIDAttempts = 3
)

// dummyHash is a bcrypt hash compared against when the client is unknown, so
// authentication takes the same time whether or not the client exists
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ErrInvalidClientSecret is returned by Authenticate on a wrong or missing secret
var ErrInvalidClientSecret = errors.New("dcr: invalid client credentials")

// UpstreamCredential is the one statically provisioned client of the upstream provider
type UpstreamCredential struct {
	ClientID     string
	ClientSecret string
}

// String redacts the secret
func (c UpstreamCredential) String() string {
	return fmt.Sprintf("UpstreamCredential{ClientID: %s}", c.ClientID)
}

// Metadata is an RFC 7591 client metadata document
type Metadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisteredClient is the result of a registration. ClientSecret is only ever
// available here; the store keeps a bcrypt hash.
type RegisteredClient struct {
	*storage.Client
	ClientSecret string
}

// UnknownClientError is returned for identifiers that were never issued or are revoked
type UnknownClientError struct {
	ClientID string
	Revoked  bool
}

func (e *UnknownClientError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("client %q has been revoked", e.ClientID)
	}
	return fmt.Sprintf("unknown client %q", e.ClientID)
}

// MetadataError rejects a malformed registration request
type MetadataError struct {
	Code        string
	Description string
}

func (e *MetadataError) Error() string {
	return e.Code + ": " + e.Description
}

// Config configures a Bridge
type Config struct {
	// Upstream is the credential every downstream client maps to (required)
	Upstream UpstreamCredential

	// Store persists registrations (required)
	Store storage.ClientStore

	// BcryptCost overrides bcrypt.DefaultCost for secret hashing
	BcryptCost int

	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger

	// Now overrides time.Now
	Now func() time.Time
}

// Bridge implements dynamic client registration on top of a static upstream client
type Bridge struct {
	upstream   UpstreamCredential
	store      storage.ClientStore
	bcryptCost int
	auditor    *security.Auditor
	metrics    *instrumentation.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New validates cfg and returns a Bridge
func New(cfg Config) (*Bridge, error) {
	if cfg.Upstream.ClientID == "" {
		return nil, fmt.Errorf("upstream client ID is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("client store is required")
	}

	b := &Bridge{
		upstream:   cfg.Upstream,
		store:      cfg.Store,
		bcryptCost: cfg.BcryptCost,
		auditor:    cfg.Auditor,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if b.bcryptCost == 0 {
		b.bcryptCost = bcrypt.DefaultCost
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Register mints a fresh downstream client for a well-formed metadata document.
// ipAddress is only used for auditing.
func (b *Bridge) Register(ctx context.Context, md Metadata, ipAddress string) (*RegisteredClient, error) {
	if err := validateMetadata(&md); err != nil {
		return nil, err
	}

	clientType := storage.ClientTypeConfidential
	if md.TokenEndpointAuthMethod == AuthMethodNone {
		clientType = storage.ClientTypePublic
	}

	var secret, secretHash string
	if clientType == storage.ClientTypeConfidential {
		secret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), b.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		secretHash = string(hash)
	}

	client := &storage.Client{
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		ClientName:              md.ClientName,
		RedirectURIs:            md.RedirectURIs,
		TokenEndpointAuthMethod: md.TokenEndpointAuthMethod,
		GrantTypes:              md.GrantTypes,
		Scope:                   md.Scope,
		IssuedAt:                b.now(),
	}

	var err error
	for range maxIDAttempts {
		client.ClientID = uuid.NewString()
		err = b.store.SaveClient(ctx, client)
		if !errors.Is(err, storage.ErrAlreadyExists) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	b.metrics.RecordClientRegistration(ctx, clientType)
	b.auditor.LogClientRegistered(client.ClientID, clientType, ipAddress)
	b.logger.Info("Registered downstream client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", clientType)

	return &RegisteredClient{Client: client, ClientSecret: secret}, nil
}

// Resolve returns the upstream credential a downstream client maps to
func (b *Bridge) Resolve(ctx context.Context, clientID string) (UpstreamCredential, error) {
	if _, err := b.Lookup(ctx, clientID); err != nil {
		return UpstreamCredential{}, err
	}
	return b.upstream, nil
}

// Lookup returns the live registration of clientID
func (b *Bridge) Lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, b.unknown(clientID, false)
	}
	client, err := b.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, b.unknown(clientID, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	if client.Revoked() {
		return nil, b.unknown(clientID, true)
	}
	return client, nil
}

// Authenticate checks client credentials at the token endpoint. Public clients must
// not present a secret; confidential clients must present the registered one.
func (b *Bridge) Authenticate(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, lookupErr := b.Lookup(ctx, clientID)

	hash := dummyHash
	if lookupErr == nil && client.ClientSecretHash != "" {
		hash = client.ClientSecretHash
	}
	// Always compare, so timing does not reveal whether the client exists
	compareErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret))

	if lookupErr != nil {
		return nil, lookupErr
	}

	if client.ClientType == storage.ClientTypePublic {
		if clientSecret != "" {
			return nil, b.authFailed(clientID, "public client presented a secret")
		}
		return client, nil
	}
	if clientSecret == "" || compareErr != nil {
		return nil, b.authFailed(clientID, "secret mismatch")
	}
	return client, nil
}

// Revoke tombstones a registration. The identifier is never issued again.
func (b *Bridge) Revoke(ctx context.Context, clientID string) error {
	client, err := b.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return b.unknown(clientID, false)
	}
	if err != nil {
		return fmt.Errorf("failed to look up client: %w", err)
	}
	if client.Revoked() {
		return nil
	}

	now := b.now()
	client.RevokedAt = &now
	if err := b.store.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("failed to revoke client: %w", err)
	}

	b.auditor.LogEvent(security.Event{
		Type:     security.EventClientRevoked,
		ClientID: clientID,
	})
	b.logger.Info("Revoked downstream client", "client_id", clientID)
	return nil
}

func (b *Bridge) unknown(clientID string, revoked bool) error {
	b.auditor.LogEvent(security.Event{
		Type:      security.EventUnknownClient,
		ClientID:  clientID,
		ErrorKind: "unknown_client",
		Details:   map[string]any{"revoked": revoked},
	})
	return &UnknownClientError{ClientID: clientID, Revoked: revoked}
}

func (b *Bridge) authFailed(clientID, reason string) error {
	b.auditor.LogEvent(security.Event{
		Type:      security.EventClientAuthFailed,
		ClientID:  clientID,
		ErrorKind: "invalid_client",
		Details:   map[string]any{"reason": reason},
	})
	return ErrInvalidClientSecret
}

// validateMetadata checks md and fills RFC 7591 defaults in place
func validateMetadata(md *Metadata) error {
	if len(md.RedirectURIs) == 0 {
		return &MetadataError{Code: ErrorCodeInvalidRedirectURI, Description: "at least one redirect_uri is required"}
	}
	if len(md.RedirectURIs) > MaxRedirectURIs {
		return &MetadataError{Code: ErrorCodeInvalidRedirectURI, Description: fmt.Sprintf("at most %d redirect_uris are allowed", MaxRedirectURIs)}
	}
	for _, uri := range md.RedirectURIs {
		if err := helpers.ValidateRedirectURI(uri); err != nil {
			return &MetadataError{Code: ErrorCodeInvalidRedirectURI, Description: err.Error()}
		}
	}

	if len(md.ClientName) > MaxClientNameLength {
		return &MetadataError{Code: ErrorCodeInvalidClientMetadata, Description: "client_name is too long"}
	}

	switch md.TokenEndpointAuthMethod {
	case "":
		md.TokenEndpointAuthMethod = AuthMethodBasic
	case AuthMethodNone, AuthMethodBasic, AuthMethodPost:
	default:
		return &MetadataError{Code: ErrorCodeInvalidClientMetadata, Description: fmt.Sprintf("unsupported token_endpoint_auth_method %q", md.TokenEndpointAuthMethod)}
	}

	if len(md.GrantTypes) == 0 {
		md.GrantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	for _, gt := range md.GrantTypes {
		if gt != GrantTypeAuthorizationCode && gt != GrantTypeRefreshToken {
			return &MetadataError{Code: ErrorCodeInvalidClientMetadata, Description: fmt.Sprintf("unsupported grant_type %q", gt)}
		}
	}
	if !slices.Contains(md.GrantTypes, GrantTypeAuthorizationCode) {
		return &MetadataError{Code: ErrorCodeInvalidClientMetadata, Description: "authorization_code grant is required"}
	}

	for _, rt := range md.ResponseTypes {
		if rt != "code" {
			return &MetadataError{Code: ErrorCodeInvalidClientMetadata, Description: fmt.Sprintf("unsupported response_type %q", rt)}
		}
	}

	md.Scope = strings.Join(strings.Fields(md.Scope), " ")
	return nil
}
