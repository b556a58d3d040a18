package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/providers"
)

const (
	// DefaultName is the provider name used when Config.Name is empty
	DefaultName = "oidc"

	// DefaultRequestTimeout bounds calls to the provider when the caller set no deadline
	DefaultRequestTimeout = 30 * time.Second
)

// DefaultScopes are requested when Config.Scopes is empty
var DefaultScopes = []string{gooidc.ScopeOpenID, "profile", "email", gooidc.ScopeOfflineAccess}

// Config holds the upstream OIDC client configuration
type Config struct {
	// Name is reported by Provider.Name (default: "oidc")
	Name string

	// IssuerURL is the OIDC issuer (e.g., https://login.example.com)
	IssuerURL string

	// ClientID and ClientSecret are the gateway's single upstream credential
	ClientID     string
	ClientSecret string

	// RedirectURL is the gateway's upstream callback URL
	RedirectURL string

	// Scopes requested upstream (default: DefaultScopes)
	Scopes []string

	// AuthParams are extra authorization request parameters (e.g., connector_id)
	AuthParams map[string]string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout is the timeout for provider calls (default: 30s)
	RequestTimeout time.Duration

	// Metrics records provider call latency and errors (optional)
	Metrics *instrumentation.Metrics

	// Logger for provider events (default: slog.Default())
	Logger *slog.Logger

	// skipValidation skips SSRF protection for issuer URLs.
	// Only NewTestProvider sets it.
	skipValidation bool
}

// Provider implements providers.Provider for an OpenID Connect upstream
type Provider struct {
	name           string
	issuerURL      string
	oauth2Config   *oauth2.Config
	verifier       *gooidc.IDTokenVerifier
	document       *DiscoveryDocument
	authParams     []oauth2.AuthCodeOption
	httpClient     *http.Client
	requestTimeout time.Duration
	metrics        *instrumentation.Metrics
	logger         *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider performs discovery against cfg.IssuerURL and returns a provider
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if err := ValidateScopes(scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = DefaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}

	discoveryCtx, cancel := ensureTimeout(ctx, requestTimeout)
	defer cancel()

	oidcProvider, doc, err := discover(discoveryCtx, httpClient, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}

	authParams := make([]oauth2.AuthCodeOption, 0, len(cfg.AuthParams))
	for k, v := range cfg.AuthParams {
		authParams = append(authParams, oauth2.SetAuthURLParam(k, v))
	}

	logger.Info("OIDC provider discovered",
		"provider", name,
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint,
		"revocation", doc.RevocationEndpoint != "")

	return &Provider{
		name:      name,
		issuerURL: strings.TrimSuffix(cfg.IssuerURL, "/"),
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       append([]string(nil), scopes...),
			Endpoint:     oidcProvider.Endpoint(),
		},
		verifier:       oidcProvider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		document:       doc,
		authParams:     authParams,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		metrics:        cfg.Metrics,
		logger:         logger,
	}, nil
}

// NewTestProvider is NewProvider without issuer SSRF validation, for tests that run
// the upstream on a loopback httptest server. Production code must not use it.
func NewTestProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	c := *cfg
	c.skipValidation = true
	return NewProvider(ctx, &c)
}

func validateConfig(cfg *Config) error {
	if cfg.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("client secret is required")
	}
	if cfg.IssuerURL == "" {
		return fmt.Errorf("issuer URL is required")
	}
	if cfg.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if !cfg.skipValidation {
		if err := ValidateIssuerURL(cfg.IssuerURL); err != nil {
			return fmt.Errorf("invalid issuer URL: %w", err)
		}
	}
	return nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return p.name
}

// Document returns a copy of the discovery document
func (p *Provider) Document() DiscoveryDocument {
	return *p.document
}

// Scopes returns a copy of the requested scopes
func (p *Provider) Scopes() []string {
	return append([]string(nil), p.oauth2Config.Scopes...)
}

// AuthorizationURL returns the upstream authorization URL carrying the gateway's
// state and S256 challenge
func (p *Provider) AuthorizationURL(state, codeChallenge string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(p.authParams)+2)
	opts = append(opts, p.authParams...)
	opts = append(opts,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return p.oauth2Config.AuthCodeURL(state, opts...)
}

// ExchangeCode redeems the upstream code with the gateway's verifier and verifies the
// returned ID token
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (identity *providers.Identity, err error) {
	start := time.Now()
	defer func() { p.record(ctx, "exchange_code", start, err) }()

	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	if codeVerifier == "" {
		return nil, fmt.Errorf("code verifier is required")
	}

	ctx, cancel := ensureTimeout(ctx, p.requestTimeout)
	defer cancel()

	token, err := providers.ExchangeCodeWithPKCE(ctx, p.oauth2Config, p.httpClient, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("token response did not include an id_token")
	}

	idToken, err := p.verifier.Verify(gooidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify id_token: %w", err)
	}

	claims := make(map[string]any)
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode id_token claims: %w", err)
	}
	if err := ValidateClaims(claims); err != nil {
		return nil, fmt.Errorf("invalid id_token claims: %w", err)
	}

	email, _ := claims["email"].(string)

	return &providers.Identity{
		Subject: idToken.Subject,
		Email:   email,
		Claims:  claims,
		Token:   token,
	}, nil
}

// RefreshToken redeems an upstream refresh token. Rotated refresh tokens are returned
// in the new token; when the provider does not rotate, the old one is carried over.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (token *oauth2.Token, err error) {
	start := time.Now()
	defer func() { p.record(ctx, "refresh_token", start, err) }()

	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}

	ctx, cancel := ensureTimeout(ctx, p.requestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err = p.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, providers.ClassifyTokenError("refresh token", err)
	}
	return token, nil
}

// RevokeToken revokes token at the revocation endpoint (RFC 7009). Providers that
// do not advertise one are skipped.
func (p *Provider) RevokeToken(ctx context.Context, token string) (err error) {
	if p.document.RevocationEndpoint == "" {
		p.logger.Debug("Provider has no revocation endpoint, skipping", "provider", p.name)
		return nil
	}

	start := time.Now()
	defer func() { p.record(ctx, "revoke_token", start, err) }()

	ctx, cancel := ensureTimeout(ctx, p.requestTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.document.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.oauth2Config.ClientID), url.QueryEscape(p.oauth2Config.ClientSecret))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck fetches the discovery document
func (p *Provider) HealthCheck(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { p.record(ctx, "health_check", start, err) }()

	ctx, cancel := ensureTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.issuerURL+WellKnownPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) record(ctx context.Context, operation string, start time.Time, err error) {
	p.metrics.RecordProviderCall(ctx, p.name, operation, float64(time.Since(start).Milliseconds()), err)
}

// ensureTimeout adds a deadline to ctx if it has none
func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
