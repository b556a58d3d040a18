package oidc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// WellKnownPath is the discovery document path relative to the issuer
const WellKnownPath = "/.well-known/openid-configuration"

// DiscoveryDocument is the subset of OpenID provider metadata the gateway uses
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JWKSUri                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// SupportsS256 reports whether the provider advertises S256 PKCE. Providers that
// omit code_challenge_methods_supported are assumed to support it.
func (d *DiscoveryDocument) SupportsS256() bool {
	if len(d.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, m := range d.CodeChallengeMethodsSupported {
		if m == "S256" {
			return true
		}
	}
	return false
}

// discover fetches the discovery document through go-oidc, which also checks that
// the advertised issuer matches issuerURL
func discover(ctx context.Context, httpClient *http.Client, issuerURL string) (*gooidc.Provider, *DiscoveryDocument, error) {
	ctx = gooidc.ClientContext(ctx, httpClient)

	p, err := gooidc.NewProvider(ctx, strings.TrimSuffix(issuerURL, "/"))
	if err != nil {
		return nil, nil, fmt.Errorf("OIDC discovery failed: %w", err)
	}

	var doc DiscoveryDocument
	if err := p.Claims(&doc); err != nil {
		return nil, nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if err := validateDocument(&doc); err != nil {
		return nil, nil, fmt.Errorf("invalid discovery document: %w", err)
	}
	if !doc.SupportsS256() {
		return nil, nil, fmt.Errorf("provider does not support S256 PKCE")
	}

	return p, &doc, nil
}

// validateDocument requires HTTPS for every endpoint the gateway may call
func validateDocument(doc *DiscoveryDocument) error {
	required := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"jwks_uri", doc.JWKSUri},
	}
	for _, endpoint := range required {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", endpoint.name, endpoint.url)
		}
	}

	optional := []struct {
		name string
		url  string
	}{
		{"userinfo_endpoint", doc.UserInfoEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
	}
	for _, endpoint := range optional {
		if endpoint.url != "" && !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS if present: %s", endpoint.name, endpoint.url)
		}
	}

	return nil
}
