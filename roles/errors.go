package roles

import "fmt"

// UnmappableRoleError is returned when an identity payload yields no canonical role
type UnmappableRoleError struct {
	// Source is the claim shape that matched, empty when none did
	Source string

	// Value is the offending claim value, if any
	Value string

	// Reason is a short machine-friendly description
	Reason string
}

func (e *UnmappableRoleError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("unmappable role: %s", e.Reason)
	}
	if e.Value == "" {
		return fmt.Sprintf("unmappable role from %s: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("unmappable role from %s: %s (%q)", e.Source, e.Reason, e.Value)
}

// UnprovisionedRoleError is returned when a canonical role is absent from the policy table
type UnprovisionedRoleError struct {
	Role Role
}

func (e *UnprovisionedRoleError) Error() string {
	return fmt.Sprintf("role %q is not provisioned in the policy table", e.Role)
}

// Reasons used in UnmappableRoleError
const (
	ReasonNoRecognizedShape = "no_recognized_shape"
	ReasonUnrecognizedRole  = "unrecognized_role"
	ReasonInvalidClaimType  = "invalid_claim_type"
)
