// Package roles maps heterogeneous upstream identity payloads to one canonical role.
//
// Upstream identity providers express membership under several claim shapes. The
// Normalizer tries them in a fixed priority order and returns the first match:
//
//  1. "roles"     (explicit role list)
//  2. "appRoles"  (application roles, camel case)
//  3. "app_roles" (application roles, snake case)
//  4. "groups"    (group identifiers resolved through a lookup table)
//
// A higher-priority shape always wins over a lower one; results are never merged.
// A matched shape carrying an unrecognized role fails with *UnmappableRoleError.
// There is no fallback role at this layer.
package roles

import (
	"fmt"
	"strings"
)

// Role is a canonical gateway role
type Role string

// Canonical roles, highest privilege first
const (
	Admin      Role = "admin"
	Maintainer Role = "maintainer"
	Publisher  Role = "publisher"
	Developer  Role = "developer"
	Auditor    Role = "auditor"
	Viewer     Role = "viewer"
)

// rank orders roles by privilege; higher is more privileged
var rank = map[Role]int{
	Admin:      60,
	Maintainer: 50,
	Publisher:  40,
	Developer:  30,
	Auditor:    20,
	Viewer:     10,
}

// All returns every canonical role, highest privilege first
func All() []Role {
	return []Role{Admin, Maintainer, Publisher, Developer, Auditor, Viewer}
}

// Valid reports whether r is a canonical role
func (r Role) Valid() bool {
	_, ok := rank[r]
	return ok
}

// String implements fmt.Stringer
func (r Role) String() string {
	return string(r)
}

// Outranks reports whether r is strictly more privileged than other
func (r Role) Outranks(other Role) bool {
	return rank[r] > rank[other]
}

// Parse returns the canonical role named by s, ignoring case and surrounding space
func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
