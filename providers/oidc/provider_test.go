package oidc

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-registry-gateway/internal/testutil"
	"github.com/giantswarm/mcp-registry-gateway/pkce"
	"github.com/giantswarm/mcp-registry-gateway/providers"
)

func newTestProvider(t *testing.T, upstream *testutil.Upstream, mutate ...func(*Config)) *Provider {
	t.Helper()
	cfg := &Config{
		IssuerURL:    upstream.URL(),
		ClientID:     testutil.UpstreamClientID,
		ClientSecret: testutil.UpstreamClientSecret,
		RedirectURL:  "https://gateway.example.com/oauth/callback",
		HTTPClient:   upstream.Client(),
	}
	for _, m := range mutate {
		m(cfg)
	}
	p, err := NewTestProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewTestProvider() error = %v", err)
	}
	return p
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"missing client id", &Config{ClientSecret: "s", IssuerURL: "https://login.example.com", RedirectURL: "https://gw/cb"}},
		{"missing client secret", &Config{ClientID: "c", IssuerURL: "https://login.example.com", RedirectURL: "https://gw/cb"}},
		{"missing issuer", &Config{ClientID: "c", ClientSecret: "s", RedirectURL: "https://gw/cb"}},
		{"missing redirect", &Config{ClientID: "c", ClientSecret: "s", IssuerURL: "https://login.example.com"}},
		{"loopback issuer", &Config{ClientID: "c", ClientSecret: "s", IssuerURL: "https://127.0.0.1:8443", RedirectURL: "https://gw/cb"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(context.Background(), tt.cfg); err == nil {
				t.Error("NewProvider() expected error")
			}
		})
	}
}

func TestNewProvider_Discovery(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	p := newTestProvider(t, upstream)

	if p.Name() != DefaultName {
		t.Errorf("Name() = %q, want %q", p.Name(), DefaultName)
	}
	doc := p.Document()
	if doc.TokenEndpoint != upstream.URL()+"/token" {
		t.Errorf("token endpoint = %q", doc.TokenEndpoint)
	}
	if doc.RevocationEndpoint == "" {
		t.Error("revocation endpoint should be discovered")
	}
	if got := p.Scopes(); len(got) != len(DefaultScopes) {
		t.Errorf("Scopes() = %v, want %v", got, DefaultScopes)
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	p := newTestProvider(t, upstream, func(c *Config) {
		c.AuthParams = map[string]string{"connector_id": "ldap"}
	})

	raw := p.AuthorizationURL("upstream-state", "challenge-value")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}
	q := u.Query()

	checks := map[string]string{
		"state":                 "upstream-state",
		"code_challenge":        "challenge-value",
		"code_challenge_method": "S256",
		"client_id":             testutil.UpstreamClientID,
		"redirect_uri":          "https://gateway.example.com/oauth/callback",
		"response_type":         "code",
		"connector_id":          "ldap",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestProvider_ExchangeCode(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	upstream.SetClaims(map[string]any{
		"sub":    "user-42",
		"email":  "dev@example.com",
		"roles":  []string{"Registry.Admin"},
		"groups": []string{"g-1"},
	})
	p := newTestProvider(t, upstream)

	pair, err := pkce.CreateChallenge()
	if err != nil {
		t.Fatal(err)
	}
	code := upstream.IssueCode(pair.Challenge)

	identity, err := p.ExchangeCode(context.Background(), code, pair.Verifier)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if identity.Subject != "user-42" {
		t.Errorf("Subject = %q, want user-42", identity.Subject)
	}
	if identity.Email != "dev@example.com" {
		t.Errorf("Email = %q", identity.Email)
	}
	roles, ok := identity.Claims["roles"].([]any)
	if !ok || len(roles) != 1 || roles[0] != "Registry.Admin" {
		t.Errorf("roles claim = %#v", identity.Claims["roles"])
	}
	if identity.Token.AccessToken == "" || identity.Token.RefreshToken == "" {
		t.Error("expected upstream access and refresh tokens")
	}

	// codes are one-shot upstream
	if _, err := p.ExchangeCode(context.Background(), code, pair.Verifier); !errors.Is(err, providers.ErrInvalidGrant) {
		t.Errorf("second ExchangeCode() error = %v, want ErrInvalidGrant", err)
	}
}

func TestProvider_ExchangeCode_WrongVerifier(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	p := newTestProvider(t, upstream)

	pair, _ := pkce.CreateChallenge()
	other, _ := pkce.CreateChallenge()
	code := upstream.IssueCode(pair.Challenge)

	_, err := p.ExchangeCode(context.Background(), code, other.Verifier)
	if !errors.Is(err, providers.ErrInvalidGrant) {
		t.Errorf("ExchangeCode() error = %v, want ErrInvalidGrant", err)
	}

	if _, err := p.ExchangeCode(context.Background(), "code", ""); err == nil {
		t.Error("ExchangeCode() without verifier should fail")
	}
}

func TestProvider_ExchangeCode_OversizedClaims(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	groups := make([]string, MaxClaimListLength+1)
	for i := range groups {
		groups[i] = "g"
	}
	upstream.SetClaims(map[string]any{"groups": groups})
	p := newTestProvider(t, upstream)

	pair, _ := pkce.CreateChallenge()
	if _, err := p.ExchangeCode(context.Background(), upstream.IssueCode(pair.Challenge), pair.Verifier); err == nil {
		t.Error("ExchangeCode() should reject oversized groups claim")
	}
}

func TestProvider_RefreshToken(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	p := newTestProvider(t, upstream)

	rt := upstream.IssueRefreshToken()
	token, err := p.RefreshToken(context.Background(), rt)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if token.RefreshToken == "" || token.RefreshToken == rt {
		t.Errorf("expected rotated refresh token, got %q", token.RefreshToken)
	}

	// the rotated-away token is rejected permanently
	_, err = p.RefreshToken(context.Background(), rt)
	if !errors.Is(err, providers.ErrInvalidGrant) {
		t.Errorf("RefreshToken(old) error = %v, want ErrInvalidGrant", err)
	}
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		t.Errorf("expected wrapped *oauth2.RetrieveError, got %T", err)
	}
}

func TestProvider_RevokeToken(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	p := newTestProvider(t, upstream)

	if err := p.RevokeToken(context.Background(), "rt-1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if got := upstream.Revoked(); len(got) != 1 || got[0] != "rt-1" {
		t.Errorf("Revoked() = %v", got)
	}

	upstream.FailRevocations(1)
	if err := p.RevokeToken(context.Background(), "rt-2"); err == nil {
		t.Error("RevokeToken() should surface upstream failure")
	}
}

func TestProvider_RevokeToken_NoEndpoint(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	upstream.DisableRevocation()
	p := newTestProvider(t, upstream)

	if err := p.RevokeToken(context.Background(), "rt"); err != nil {
		t.Errorf("RevokeToken() error = %v, want nil", err)
	}
	if len(upstream.Revoked()) != 0 {
		t.Error("no revocation request expected")
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	p := newTestProvider(t, upstream)

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	upstream.Server.Close()
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error after server shutdown")
	}
}
