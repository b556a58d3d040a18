package roles

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Policy is the external role/permission table. The gateway only consults it to
// decide whether a canonical role is provisioned; permissions are enforced by the
// registry handlers that read them.
type Policy struct {
	roles map[Role]RolePolicy
}

// RolePolicy is one entry of the policy table
type RolePolicy struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type policyFile struct {
	Roles map[string]RolePolicy `yaml:"roles"`
}

// LoadPolicy reads a YAML policy table from path
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses a YAML policy table of the form:
//
//	roles:
//	  admin:
//	    permissions: ["servers:write", "servers:delete"]
//	  viewer:
//	    permissions: ["servers:read"]
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	p := &Policy{roles: make(map[Role]RolePolicy, len(f.Roles))}
	for name, entry := range f.Roles {
		role, err := Parse(name)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		p.roles[role] = entry
	}
	return p, nil
}

// AllProvisioned returns a policy in which every canonical role is provisioned
// with no permissions attached
func AllProvisioned() *Policy {
	p := &Policy{roles: make(map[Role]RolePolicy, len(rank))}
	for _, r := range All() {
		p.roles[r] = RolePolicy{}
	}
	return p
}

// Provisioned reports whether role has an entry in the table
func (p *Policy) Provisioned(role Role) bool {
	_, ok := p.roles[role]
	return ok
}

// Check returns *UnprovisionedRoleError when role is canonical but not provisioned
func (p *Policy) Check(role Role) error {
	if !p.Provisioned(role) {
		return &UnprovisionedRoleError{Role: role}
	}
	return nil
}

// Permissions returns the permissions configured for role
func (p *Policy) Permissions(role Role) []string {
	return slices.Clone(p.roles[role].Permissions)
}

// Roles returns the provisioned roles, highest privilege first
func (p *Policy) Roles() []Role {
	out := make([]Role, 0, len(p.roles))
	for _, r := range All() {
		if p.Provisioned(r) {
			out = append(out, r)
		}
	}
	return out
}
