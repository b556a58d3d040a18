package app

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	gateway "github.com/giantswarm/mcp-registry-gateway"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage/valkey"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
	BackendBbolt  = "bbolt"
)

// Upstream provider presets
const (
	ProviderOIDC = "oidc"
	ProviderDex  = "dex"
)

// settings is the resolved process configuration
type settings struct {
	ListenAddress   string
	ShutdownTimeout time.Duration
	MetricsEnabled  bool

	Gateway  *gateway.Config
	Upstream upstreamSettings
	Storage  storageSettings
}

type upstreamSettings struct {
	Provider    string
	IssuerURL   string
	ConnectorID string
	Scopes      []string
	Timeout     time.Duration
}

type storageSettings struct {
	Backend string

	// Valkey is used by the valkey backend; Encryptor, Instrumentation and Logger are
	// filled in when the store is opened
	Valkey valkey.Config

	BboltPath     string
	SweepInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen-address", ":8080")
	v.SetDefault("shutdown-timeout", 30*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("upstream.provider", ProviderOIDC)
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.valkey.key-prefix", valkey.DefaultKeyPrefix)
	v.SetDefault("storage.bbolt.path", "mcp-registry-gateway.db")
	v.SetDefault("security.audit-logging", true)
	v.SetDefault("session.cookie-name", gateway.DefaultCookieName)
}

// loadSettings reads every key from v. Keys come from flags, MCPGW_ environment
// variables and the config file, in that order of precedence.
func loadSettings(v *viper.Viper) (*settings, error) {
	signingKey, err := decodeKey(v, "security.signing-key", true)
	if err != nil {
		return nil, err
	}
	encryptionKey, err := decodeKey(v, "security.encryption-key", false)
	if err != nil {
		return nil, err
	}
	aliases, err := parsePairs(v.GetStringSlice("roles.aliases"))
	if err != nil {
		return nil, fmt.Errorf("roles.aliases: %w", err)
	}
	groups, err := parsePairs(v.GetStringSlice("roles.groups"))
	if err != nil {
		return nil, fmt.Errorf("roles.groups: %w", err)
	}

	s := &settings{
		ListenAddress:   v.GetString("listen-address"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		MetricsEnabled:  v.GetBool("metrics.enabled"),
		Gateway: &gateway.Config{
			Issuer: v.GetString("issuer"),
			Upstream: gateway.UpstreamConfig{
				ClientID:     v.GetString("upstream.client-id"),
				ClientSecret: v.GetString("upstream.client-secret"),
			},
			Session: gateway.SessionConfig{
				TTL:            v.GetDuration("session.ttl"),
				AccessTokenTTL: v.GetDuration("session.access-token-ttl"),
				FrontendTTL:    v.GetDuration("session.frontend-ttl"),
				CookieName:     v.GetString("session.cookie-name"),
				InsecureCookie: v.GetBool("session.insecure-cookie"),
			},
			Flow: gateway.FlowConfig{
				TTL:     v.GetDuration("flow.ttl"),
				CodeTTL: v.GetDuration("flow.code-ttl"),
			},
			RateLimit: gateway.RateLimitConfig{
				RegistrationRate:  v.GetFloat64("rate-limit.registration-rate"),
				RegistrationBurst: v.GetInt("rate-limit.registration-burst"),
				AuthorizeRate:     v.GetFloat64("rate-limit.authorize-rate"),
				AuthorizeBurst:    v.GetInt("rate-limit.authorize-burst"),
				TrustProxy:        v.GetBool("rate-limit.trust-proxy"),
				TrustedProxyCount: v.GetInt("rate-limit.trusted-proxy-count"),
			},
			Security: gateway.SecurityConfig{
				SigningKey:         signingKey,
				EncryptionKey:      encryptionKey,
				EnableAuditLogging: v.GetBool("security.audit-logging"),
				BcryptCost:         v.GetInt("security.bcrypt-cost"),
				MaxRequestBytes:    v.GetInt64("security.max-request-bytes"),
			},
			Roles: gateway.RolesConfig{
				PolicyFile: v.GetString("roles.policy-file"),
				Aliases:    aliases,
				Groups:     groups,
			},
		},
		Upstream: upstreamSettings{
			Provider:    strings.ToLower(v.GetString("upstream.provider")),
			IssuerURL:   v.GetString("upstream.issuer-url"),
			ConnectorID: v.GetString("upstream.connector-id"),
			Scopes:      v.GetStringSlice("upstream.scopes"),
			Timeout:     v.GetDuration("upstream.timeout"),
		},
		Storage: storageSettings{
			Backend: strings.ToLower(v.GetString("storage.backend")),
			Valkey: valkey.Config{
				Address:   v.GetString("storage.valkey.address"),
				Username:  v.GetString("storage.valkey.username"),
				Password:  v.GetString("storage.valkey.password"),
				DB:        v.GetInt("storage.valkey.db"),
				KeyPrefix: v.GetString("storage.valkey.key-prefix"),
			},
			BboltPath:     v.GetString("storage.bbolt.path"),
			SweepInterval: v.GetDuration("storage.bbolt.sweep-interval"),
		},
	}
	if v.GetBool("storage.valkey.tls") {
		s.Storage.Valkey.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *settings) validate() error {
	if s.Upstream.IssuerURL == "" {
		return fmt.Errorf("upstream.issuer-url is required")
	}
	switch s.Upstream.Provider {
	case ProviderOIDC, ProviderDex:
	default:
		return fmt.Errorf("unknown upstream.provider %q", s.Upstream.Provider)
	}
	if s.Upstream.ConnectorID != "" && s.Upstream.Provider != ProviderDex {
		return fmt.Errorf("upstream.connector-id requires the dex provider")
	}

	switch s.Storage.Backend {
	case BackendMemory, BackendBbolt:
	case BackendValkey:
		if s.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", s.Storage.Backend)
	}
	return nil
}

func decodeKey(v *viper.Viper, key string, required bool) ([]byte, error) {
	encoded := v.GetString(key)
	if encoded == "" {
		if required {
			return nil, fmt.Errorf("%s is required (generate one with the keygen command)", key)
		}
		return nil, nil
	}
	b, err := security.KeyFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// parsePairs parses "name=role" entries. A list is used instead of a map because
// configuration map keys are case-folded and group IDs are case-sensitive.
func parsePairs(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, role, ok := strings.Cut(entry, "=")
		name, role = strings.TrimSpace(name), strings.TrimSpace(role)
		if !ok || name == "" || role == "" {
			return nil, fmt.Errorf("entry %q is not of the form name=role", entry)
		}
		out[name] = role
	}
	return out, nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}
