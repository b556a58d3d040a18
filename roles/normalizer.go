package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/security"
)

// Config configures a Normalizer
type Config struct {
	// Aliases maps upstream role strings (matched case-insensitively) to canonical roles,
	// for example "Registry.Admin" -> admin
	Aliases map[string]Role

	// Groups maps upstream group identifiers (matched exactly) to canonical roles
	Groups map[string]Role

	// Auditor receives role_normalized and role_unmappable events (optional)
	Auditor *security.Auditor

	// Metrics records normalization outcomes (optional)
	Metrics *instrumentation.Metrics

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Result is a successful normalization
type Result struct {
	Role   Role
	Source string
}

// Normalizer extracts one canonical role from an identity payload
type Normalizer struct {
	aliases map[string]Role
	groups  map[string]Role
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
}

// NewNormalizer validates cfg and returns a Normalizer
func NewNormalizer(cfg Config) (*Normalizer, error) {
	n := &Normalizer{
		aliases: make(map[string]Role, len(cfg.Aliases)),
		groups:  make(map[string]Role, len(cfg.Groups)),
		auditor: cfg.Auditor,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}

	for alias, role := range cfg.Aliases {
		if !role.Valid() {
			return nil, fmt.Errorf("alias %q maps to unknown role %q", alias, role)
		}
		n.aliases[strings.ToLower(strings.TrimSpace(alias))] = role
	}
	for group, role := range cfg.Groups {
		if group == "" {
			return nil, fmt.Errorf("group mapping with empty group ID")
		}
		if !role.Valid() {
			return nil, fmt.Errorf("group %q maps to unknown role %q", group, role)
		}
		n.groups[group] = role
	}

	return n, nil
}

// Normalize returns the canonical role of the payload, trying shapes in priority order
func (n *Normalizer) Normalize(ctx context.Context, claims map[string]any) (Result, error) {
	subject, _ := claims["sub"].(string)

	for _, s := range shapes {
		m, err := s.resolve(claims, n)
		if err != nil {
			n.fail(ctx, subject, err)
			return Result{}, err
		}
		if m.ok {
			n.metrics.RecordRoleNormalized(ctx, s.source(), "success")
			n.auditor.LogEvent(security.Event{
				Type:    security.EventRoleNormalized,
				Subject: subject,
				Details: map[string]any{
					"role":   string(m.role),
					"source": s.source(),
				},
			})
			return Result{Role: m.role, Source: s.source()}, nil
		}
	}

	err := &UnmappableRoleError{Reason: ReasonNoRecognizedShape}
	n.fail(ctx, subject, err)
	return Result{}, err
}

func (n *Normalizer) fail(ctx context.Context, subject string, err error) {
	source, reason := "", err.Error()
	var ue *UnmappableRoleError
	if errors.As(err, &ue) {
		source, reason = ue.Source, ue.Reason
	}
	n.metrics.RecordRoleNormalized(ctx, source, "unmappable")
	n.auditor.LogRoleUnmappable(subject, source, reason)
	n.logger.Debug("Role normalization failed", "source", source, "reason", reason)
}

// lookupRole resolves a role string through the canonical set, then the alias table
func (n *Normalizer) lookupRole(v string) (Role, bool) {
	if role, err := Parse(v); err == nil {
		return role, true
	}
	role, ok := n.aliases[strings.ToLower(strings.TrimSpace(v))]
	return role, ok
}
