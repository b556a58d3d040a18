package gateway

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-registry-gateway/internal/util"
	"github.com/giantswarm/mcp-registry-gateway/proxy"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

// Defaults applied by Config.applyDefaults
const (
	DefaultCookieName        = "mcpgw_session"
	DefaultRegistrationRate  = 0.1 // one registration per 10s per IP
	DefaultRegistrationBurst = 5
	DefaultAuthorizeRate     = 2
	DefaultAuthorizeBurst    = 10
	DefaultMaxRequestBytes   = 64 << 10
)

// Config holds the gateway configuration.
// Structured using composition, one struct per concern.
type Config struct {
	// Issuer is the public base URL of the gateway, e.g. https://registry.example.com.
	// Endpoint URLs in the authorization server metadata are derived from it.
	Issuer string

	// Upstream is the single upstream client credential every downstream client maps to
	Upstream UpstreamConfig

	// Session controls session lifetimes and the frontend cookie
	Session SessionConfig

	// Flow controls authorization flow lifetimes
	Flow FlowConfig

	// RateLimit controls per-IP rate limits
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Roles configures role normalization and the policy table
	Roles RolesConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// UpstreamConfig holds the gateway's registration at the upstream identity provider
type UpstreamConfig struct {
	// ClientID is the upstream OAuth client ID (required)
	ClientID string

	// ClientSecret is the upstream OAuth client secret (required)
	ClientSecret string
}

// SessionConfig holds session settings
type SessionConfig struct {
	// TTL is the absolute lifetime of a session. Default: 24h.
	TTL time.Duration

	// AccessTokenTTL is the lifetime of backend access tokens. Default: 15m.
	AccessTokenTTL time.Duration

	// FrontendTTL is the idle lifetime of the session cookie; each refresh renews
	// it. Default: 12h, capped at the session expiry.
	FrontendTTL time.Duration

	// CookieName is the name of the frontend session cookie
	CookieName string

	// InsecureCookie drops the Secure attribute. Only for plain-http development.
	InsecureCookie bool
}

// FlowConfig holds authorization flow settings
type FlowConfig struct {
	// TTL bounds the wait for the upstream redirect. Default: 10m.
	TTL time.Duration

	// CodeTTL is the lifetime of downstream authorization codes. Default: 1m.
	CodeTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RegistrationRate is registrations per second allowed per IP. Negative disables.
	RegistrationRate float64

	// RegistrationBurst is the maximum registration burst per IP
	RegistrationBurst int

	// AuthorizeRate is authorization requests per second allowed per IP. Negative disables.
	AuthorizeRate float64

	// AuthorizeBurst is the maximum authorization request burst per IP
	AuthorizeBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of reverse proxies in front of the gateway
	TrustedProxyCount int
}

// SecurityConfig holds security settings
type SecurityConfig struct {
	// SigningKey is the HMAC key (at least 32 bytes) for backend access tokens (required)
	SigningKey []byte

	// EncryptionKey is the AES-256 key (32 bytes) for records at rest.
	// Nil disables encryption. Generate with security.GenerateKey().
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Sensitive values are hashed.
	EnableAuditLogging bool

	// BcryptCost is the cost of client secret hashes. Zero uses bcrypt.DefaultCost.
	BcryptCost int

	// MaxRequestBytes bounds request bodies. Default: 64KiB.
	MaxRequestBytes int64
}

// RolesConfig holds role normalization settings
type RolesConfig struct {
	// PolicyFile is the YAML policy table. Empty provisions every canonical role.
	PolicyFile string

	// Aliases maps upstream role strings to canonical roles, e.g. "Registry.Admin": "admin"
	Aliases map[string]string

	// Groups maps upstream group identifiers to canonical roles
	Groups map[string]string
}

// applyDefaults fills unset fields
func (c *Config) applyDefaults() {
	c.Issuer = util.NormalizeURL(c.Issuer)

	if c.Session.TTL <= 0 {
		c.Session.TTL = tokensync.DefaultSessionTTL
	}
	if c.Session.AccessTokenTTL <= 0 {
		c.Session.AccessTokenTTL = tokensync.DefaultAccessTokenTTL
	}
	if c.Session.FrontendTTL <= 0 {
		c.Session.FrontendTTL = tokensync.DefaultFrontendTTL
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultCookieName
	}
	if c.Flow.TTL <= 0 {
		c.Flow.TTL = proxy.DefaultFlowTTL
	}
	if c.Flow.CodeTTL <= 0 {
		c.Flow.CodeTTL = proxy.DefaultCodeTTL
	}
	if c.RateLimit.RegistrationRate == 0 {
		c.RateLimit.RegistrationRate = DefaultRegistrationRate
	}
	if c.RateLimit.RegistrationBurst <= 0 {
		c.RateLimit.RegistrationBurst = DefaultRegistrationBurst
	}
	if c.RateLimit.AuthorizeRate == 0 {
		c.RateLimit.AuthorizeRate = DefaultAuthorizeRate
	}
	if c.RateLimit.AuthorizeBurst <= 0 {
		c.RateLimit.AuthorizeBurst = DefaultAuthorizeBurst
	}
	if c.Security.MaxRequestBytes <= 0 {
		c.Security.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration after defaults are applied
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("issuer must be an absolute http(s) URL, got %q", c.Issuer)
	}
	if u.Scheme == "http" && !c.Session.InsecureCookie {
		return fmt.Errorf("issuer must use https unless insecure cookies are enabled for development")
	}
	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf("upstream client ID and secret are required")
	}
	if len(c.Security.SigningKey) < tokensync.MinSigningKeyLength {
		return fmt.Errorf("signing key must be at least %d bytes", tokensync.MinSigningKeyLength)
	}
	if n := len(c.Security.EncryptionKey); n != 0 && n != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", n)
	}
	if c.Session.AccessTokenTTL > c.Session.TTL {
		return fmt.Errorf("access token TTL (%s) exceeds session TTL (%s)", c.Session.AccessTokenTTL, c.Session.TTL)
	}
	return nil
}

func (c *Config) endpoint(path string) string {
	return c.Issuer + path
}
