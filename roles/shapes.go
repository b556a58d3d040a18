package roles

import (
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// match is the outcome of resolving one shape against a payload.
// A zero match means the shape is not present.
type match struct {
	role Role
	ok   bool
}

// shape is one recognized claim layout
type shape interface {
	// source names the shape in results and audit events
	source() string

	// resolve is total over payloads: absent shapes return a zero match and nil error
	resolve(claims map[string]any, n *Normalizer) (match, error)
}

// roleListShape reads role names directly from a list claim
type roleListShape struct {
	claim string
}

func (s roleListShape) source() string { return s.claim }

func (s roleListShape) resolve(claims map[string]any, n *Normalizer) (match, error) {
	values, present, err := stringList(claims, s.claim)
	if err != nil || !present {
		return match{}, err
	}

	var best Role
	for _, v := range values {
		role, ok := n.lookupRole(v)
		if !ok {
			return match{}, &UnmappableRoleError{Source: s.claim, Value: v, Reason: ReasonUnrecognizedRole}
		}
		if best == "" || role.Outranks(best) {
			best = role
		}
	}
	return match{role: best, ok: true}, nil
}

// groupShape resolves group identifiers through the configured lookup table.
// Unknown group IDs are ignored; the shape matches only if one of them maps.
type groupShape struct {
	claim string
}

func (s groupShape) source() string { return s.claim }

func (s groupShape) resolve(claims map[string]any, n *Normalizer) (match, error) {
	values, present, err := stringList(claims, s.claim)
	if err != nil || !present {
		return match{}, err
	}

	var best Role
	for _, id := range values {
		role, ok := n.groups[id]
		if !ok {
			continue
		}
		if best == "" || role.Outranks(best) {
			best = role
		}
	}
	if best == "" {
		return match{}, nil
	}
	return match{role: best, ok: true}, nil
}

// shapes is the fixed priority order
var shapes = []shape{
	roleListShape{claim: storage.RoleSourceRoles},
	roleListShape{claim: storage.RoleSourceAppRoles},
	roleListShape{claim: storage.RoleSourceAppRolesSnake},
	groupShape{claim: storage.RoleSourceGroups},
}

// stringList reads claim as a list of strings. A single string is a one-element list.
// Absent, null, empty string and empty list are reported as not present.
// A present value of any other type is an error, not a miss: a malformed
// higher-priority claim must not let a lower-priority claim decide the role.
func stringList(claims map[string]any, claim string) ([]string, bool, error) {
	raw, ok := claims[claim]
	if !ok || raw == nil {
		return nil, false, nil
	}

	invalid := &UnmappableRoleError{Source: claim, Reason: ReasonInvalidClaimType}

	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, false, nil
		}
		return []string{v}, true, nil
	case []string:
		if len(v) == 0 {
			return nil, false, nil
		}
		return v, true, nil
	case []any:
		if len(v) == 0 {
			return nil, false, nil
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false, invalid
			}
			out = append(out, s)
		}
		return out, true, nil
	default:
		return nil, false, invalid
	}
}
