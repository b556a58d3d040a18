// Package dex configures the generic OIDC provider for Dex (https://dexidp.io/).
// It adds the groups scope for group-based role mapping and the connector_id
// parameter that skips the Dex connector selection screen.
package dex

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/providers/oidc"
)

// Name is the provider name reported in logs and metrics
const Name = "dex"

// DefaultScopes are the scopes requested from Dex when none are configured
var DefaultScopes = []string{
	"openid",
	"profile",
	"email",
	"groups",         // Dex-specific: required for group membership
	"offline_access", // Required for refresh tokens
}

// Config holds Dex configuration
type Config struct {
	// IssuerURL is the Dex issuer URL (e.g., https://dex.example.com)
	IssuerURL string

	// ClientID and ClientSecret are the gateway's static client in Dex
	ClientID     string
	ClientSecret string

	// RedirectURL is the gateway's upstream callback URL
	RedirectURL string

	// ConnectorID is the optional Dex connector to use (e.g., "github", "ldap")
	ConnectorID string

	// Scopes (default: DefaultScopes)
	Scopes []string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Metrics        *instrumentation.Metrics
	Logger         *slog.Logger

	// skipValidation skips SSRF protection for issuer URLs (tests only)
	skipValidation bool
}

// NewProvider discovers Dex at cfg.IssuerURL and returns the configured OIDC provider
func NewProvider(ctx context.Context, cfg *Config) (*oidc.Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	oidcConfig, err := toOIDCConfig(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.skipValidation {
		return oidc.NewTestProvider(ctx, oidcConfig)
	}
	return oidc.NewProvider(ctx, oidcConfig)
}

func toOIDCConfig(cfg *Config) (*oidc.Config, error) {
	// SECURITY: connector_id is placed in the authorization URL
	if err := oidc.ValidateConnectorID(cfg.ConnectorID); err != nil {
		return nil, fmt.Errorf("invalid connector ID: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	var params map[string]string
	if cfg.ConnectorID != "" {
		params = map[string]string{"connector_id": cfg.ConnectorID}
	}

	return &oidc.Config{
		Name:           Name,
		IssuerURL:      cfg.IssuerURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURL:    cfg.RedirectURL,
		Scopes:         append([]string(nil), scopes...),
		AuthParams:     params,
		HTTPClient:     cfg.HTTPClient,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        cfg.Metrics,
		Logger:         cfg.Logger,
	}, nil
}
