package dex

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-registry-gateway/internal/testutil"
)

func testConfig(upstream *testutil.Upstream, options ...func(*Config)) *Config {
	cfg := &Config{
		IssuerURL:      upstream.URL(),
		ClientID:       testutil.UpstreamClientID,
		ClientSecret:   testutil.UpstreamClientSecret,
		RedirectURL:    "https://gateway.example.com/oauth/callback",
		HTTPClient:     upstream.Client(),
		skipValidation: true,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

func TestNewProvider(t *testing.T) {
	upstream := testutil.NewUpstream(t)

	p, err := NewProvider(context.Background(), testConfig(upstream, func(c *Config) {
		c.ConnectorID = "github"
	}))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if p.Name() != Name {
		t.Errorf("Name() = %q, want %q", p.Name(), Name)
	}

	u, err := url.Parse(p.AuthorizationURL("st", "ch"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("connector_id") != "github" {
		t.Errorf("connector_id = %q, want github", q.Get("connector_id"))
	}
	if !strings.Contains(q.Get("scope"), "groups") {
		t.Errorf("scope %q should include groups", q.Get("scope"))
	}
}

func TestNewProvider_NoConnector(t *testing.T) {
	upstream := testutil.NewUpstream(t)

	p, err := NewProvider(context.Background(), testConfig(upstream))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	u, _ := url.Parse(p.AuthorizationURL("st", "ch"))
	if u.Query().Has("connector_id") {
		t.Error("connector_id should be omitted when not configured")
	}
}

func TestNewProvider_InvalidConnector(t *testing.T) {
	upstream := testutil.NewUpstream(t)

	_, err := NewProvider(context.Background(), testConfig(upstream, func(c *Config) {
		c.ConnectorID = "github&prompt=none"
	}))
	if err == nil {
		t.Error("NewProvider() should reject connector IDs with URL metacharacters")
	}
}

func TestNewProvider_SSRFProtection(t *testing.T) {
	upstream := testutil.NewUpstream(t)
	cfg := testConfig(upstream)
	cfg.skipValidation = false

	if _, err := NewProvider(context.Background(), cfg); err == nil {
		t.Error("NewProvider() should reject a loopback issuer outside tests")
	}
}
