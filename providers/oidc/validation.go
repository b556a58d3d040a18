package oidc

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
)

const (
	// MaxClaimListLength bounds the number of entries in a role-bearing claim
	MaxClaimListLength = 100

	// MaxClaimValueLength bounds the length of each entry in a role-bearing claim
	MaxClaimValueLength = 256

	maxScopes      = 50
	maxScopeLength = 256
)

var connectorIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// listClaims are the claims fed into role normalization
var listClaims = []string{"roles", "appRoles", "app_roles", "groups"}

// ValidateIssuerURL validates an OIDC issuer URL with SSRF protection.
// It enforces HTTPS and rejects loopback, private and link-local IP literals.
//
// Example:
//
//	if err := ValidateIssuerURL("https://login.example.com"); err != nil {
//	    return fmt.Errorf("invalid issuer: %w", err)
//	}
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	// SECURITY: Enforce HTTPS to prevent credential leakage
	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	// SECURITY: Block internal address ranges to prevent SSRF
	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		case ip.IsPrivate():
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		case ip.IsUnspecified():
			return fmt.Errorf("issuer URL must not point to an unspecified address")
		}
	}

	return nil
}

// ValidateConnectorID validates a Dex connector_id parameter. Empty is allowed.
func ValidateConnectorID(connectorID string) error {
	if connectorID == "" {
		return nil
	}
	if !connectorIDPattern.MatchString(connectorID) {
		return fmt.Errorf("connector_id must be 1-64 characters of a-z, A-Z, 0-9, _ or -")
	}
	return nil
}

// ValidateScopes validates the upstream scope list
func ValidateScopes(scopes []string) error {
	if len(scopes) > maxScopes {
		return fmt.Errorf("too many scopes (max %d, got %d)", maxScopes, len(scopes))
	}

	hasOpenID := false
	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > maxScopeLength {
			return fmt.Errorf("scope at index %d exceeds maximum length of %d characters", i, maxScopeLength)
		}
		if scope == "openid" {
			hasOpenID = true
		}
	}
	if !hasOpenID {
		return fmt.Errorf("scopes must include openid")
	}

	return nil
}

// ValidateClaims bounds the role-bearing claims of a verified ID token.
// Type checks are left to role normalization; only list sizes are enforced here.
func ValidateClaims(claims map[string]any) error {
	for _, name := range listClaims {
		list, ok := claims[name].([]any)
		if !ok {
			continue
		}
		// SECURITY: Prevent memory exhaustion from oversized claims
		if len(list) > MaxClaimListLength {
			return fmt.Errorf("%s claim exceeds maximum of %d entries (got %d)", name, MaxClaimListLength, len(list))
		}
		for i, v := range list {
			if s, ok := v.(string); ok && len(s) > MaxClaimValueLength {
				return fmt.Errorf("%s entry at index %d exceeds maximum length of %d characters", name, i, MaxClaimValueLength)
			}
		}
	}
	return nil
}
