package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/giantswarm/mcp-registry-gateway/dcr"
	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/providers"
	"github.com/giantswarm/mcp-registry-gateway/proxy"
	"github.com/giantswarm/mcp-registry-gateway/roles"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

// Server wires the gateway components. It holds no HTTP concerns; see Handler.
type Server struct {
	Config *Config

	Store    storage.Store
	Provider providers.Provider

	Clients  *dcr.Bridge
	Sessions *tokensync.Synchronizer
	Machine  *proxy.Machine
	Policy   *roles.Policy

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger

	registrationLimiter *security.RateLimiter
	authorizeLimiter    *security.RateLimiter
}

// NewServer validates cfg and builds every component over store and provider.
// inst may be nil to disable metrics and tracing.
func NewServer(cfg *Config, store storage.Store, provider providers.Provider, inst *instrumentation.Instrumentation) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logger
	auditor := security.NewAuditor(logger, cfg.Security.EnableAuditLogging)

	var metrics *instrumentation.Metrics
	if inst != nil {
		metrics = inst.Metrics()
	}

	policy, err := loadPolicy(cfg.Roles)
	if err != nil {
		return nil, err
	}
	normalizer, err := newNormalizer(cfg.Roles, auditor, metrics, logger)
	if err != nil {
		return nil, err
	}

	clients, err := dcr.New(dcr.Config{
		Upstream: dcr.UpstreamCredential{
			ClientID:     cfg.Upstream.ClientID,
			ClientSecret: cfg.Upstream.ClientSecret,
		},
		Store:      store,
		BcryptCost: cfg.Security.BcryptCost,
		Auditor:    auditor,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client registry: %w", err)
	}

	minter, err := tokensync.NewMinter(cfg.Security.SigningKey, cfg.Issuer, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create token minter: %w", err)
	}
	sessions, err := tokensync.New(tokensync.Config{
		Store:           store,
		Provider:        provider,
		Minter:          minter,
		SessionTTL:      cfg.Session.TTL,
		AccessTokenTTL:  cfg.Session.AccessTokenTTL,
		FrontendTTL:     cfg.Session.FrontendTTL,
		Auditor:         auditor,
		Instrumentation: inst,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token synchronizer: %w", err)
	}

	machine, err := proxy.New(proxy.Config{
		Clients:         clients,
		Flows:           store,
		Provider:        provider,
		Normalizer:      normalizer,
		Sessions:        sessions,
		Policy:          policy,
		FlowTTL:         cfg.Flow.TTL,
		CodeTTL:         cfg.Flow.CodeTTL,
		Auditor:         auditor,
		Instrumentation: inst,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flow machine: %w", err)
	}

	s := &Server{
		Config:          cfg,
		Store:           store,
		Provider:        provider,
		Clients:         clients,
		Sessions:        sessions,
		Machine:         machine,
		Policy:          policy,
		Auditor:         auditor,
		Instrumentation: inst,
		Logger:          logger,
	}
	if cfg.RateLimit.RegistrationRate > 0 {
		s.registrationLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:  rate.Limit(cfg.RateLimit.RegistrationRate),
			Burst: cfg.RateLimit.RegistrationBurst,
		}, logger)
	}
	if cfg.RateLimit.AuthorizeRate > 0 {
		s.authorizeLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:  rate.Limit(cfg.RateLimit.AuthorizeRate),
			Burst: cfg.RateLimit.AuthorizeBurst,
		}, logger)
	}

	logger.Info("Gateway initialized",
		"issuer", cfg.Issuer,
		"provider", provider.Name(),
		"roles", policy.Roles(),
		"audit_logging", cfg.Security.EnableAuditLogging)
	return s, nil
}

// Shutdown stops background work owned by the server. The store and
// instrumentation are owned by the caller.
func (s *Server) Shutdown(_ context.Context) error {
	if s.registrationLimiter != nil {
		s.registrationLimiter.Stop()
	}
	if s.authorizeLimiter != nil {
		s.authorizeLimiter.Stop()
	}
	return nil
}

func loadPolicy(cfg RolesConfig) (*roles.Policy, error) {
	if cfg.PolicyFile == "" {
		return roles.AllProvisioned(), nil
	}
	policy, err := roles.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load role policy: %w", err)
	}
	return policy, nil
}

func newNormalizer(cfg RolesConfig, auditor *security.Auditor, metrics *instrumentation.Metrics, logger *slog.Logger) (*roles.Normalizer, error) {
	aliases, err := parseRoleMap(cfg.Aliases)
	if err != nil {
		return nil, fmt.Errorf("role aliases: %w", err)
	}
	groups, err := parseRoleMap(cfg.Groups)
	if err != nil {
		return nil, fmt.Errorf("role groups: %w", err)
	}
	return roles.NewNormalizer(roles.Config{
		Aliases: aliases,
		Groups:  groups,
		Auditor: auditor,
		Metrics: metrics,
		Logger:  logger,
	})
}

func parseRoleMap(in map[string]string) (map[string]roles.Role, error) {
	out := make(map[string]roles.Role, len(in))
	for k, v := range in {
		role, err := roles.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", k, err)
		}
		out[k] = role
	}
	return out, nil
}
