package oidc

import (
	"strings"
	"testing"
)

func TestValidateIssuerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid https", "https://login.example.com", false},
		{"valid https with path", "https://login.example.com/realms/registry", false},
		{"http rejected", "http://login.example.com", true},
		{"no host", "https://", true},
		{"loopback", "https://127.0.0.1", true},
		{"ipv6 loopback", "https://[::1]", true},
		{"private 10/8", "https://10.0.0.1", true},
		{"private 192.168/16", "https://192.168.1.10", true},
		{"metadata service", "https://169.254.169.254", true},
		{"unspecified", "https://0.0.0.0", true},
		{"public ip", "https://8.8.8.8", false},
		{"unparseable", "://bad", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIssuerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIssuerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateConnectorID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"", false},
		{"github", false},
		{"ldap_corp-1", false},
		{"bad id", true},
		{"bad&id=x", true},
		{strings.Repeat("a", 64), false},
		{strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		if err := ValidateConnectorID(tt.id); (err != nil) != tt.wantErr {
			t.Errorf("ValidateConnectorID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"defaults", DefaultScopes, false},
		{"missing openid", []string{"profile", "email"}, true},
		{"empty scope", []string{"openid", ""}, true},
		{"too long", []string{"openid", strings.Repeat("s", 257)}, true},
		{"too many", append([]string{"openid"}, make([]string, 50)...), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateScopes(tt.scopes); (err != nil) != tt.wantErr {
				t.Errorf("ValidateScopes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateClaims(t *testing.T) {
	many := make([]any, MaxClaimListLength+1)
	for i := range many {
		many[i] = "g"
	}

	tests := []struct {
		name    string
		claims  map[string]any
		wantErr bool
	}{
		{"no role claims", map[string]any{"sub": "u"}, false},
		{"normal groups", map[string]any{"groups": []any{"a", "b"}}, false},
		{"string claim left to normalizer", map[string]any{"roles": "admin"}, false},
		{"too many groups", map[string]any{"groups": many}, true},
		{"oversized role", map[string]any{"roles": []any{strings.Repeat("r", MaxClaimValueLength+1)}}, true},
		{"oversized app_roles", map[string]any{"app_roles": many}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateClaims(tt.claims); (err != nil) != tt.wantErr {
				t.Errorf("ValidateClaims() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDocument(t *testing.T) {
	valid := func() *DiscoveryDocument {
		return &DiscoveryDocument{
			Issuer:                "https://login.example.com",
			AuthorizationEndpoint: "https://login.example.com/auth",
			TokenEndpoint:         "https://login.example.com/token",
			JWKSUri:               "https://login.example.com/keys",
		}
	}

	if err := validateDocument(valid()); err != nil {
		t.Fatalf("validateDocument() unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*DiscoveryDocument)
	}{
		{"missing token endpoint", func(d *DiscoveryDocument) { d.TokenEndpoint = "" }},
		{"http authorization endpoint", func(d *DiscoveryDocument) { d.AuthorizationEndpoint = "http://login.example.com/auth" }},
		{"http jwks", func(d *DiscoveryDocument) { d.JWKSUri = "http://login.example.com/keys" }},
		{"http revocation", func(d *DiscoveryDocument) { d.RevocationEndpoint = "http://login.example.com/revoke" }},
		{"http userinfo", func(d *DiscoveryDocument) { d.UserInfoEndpoint = "http://login.example.com/userinfo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := valid()
			tt.mutate(doc)
			if err := validateDocument(doc); err == nil {
				t.Error("validateDocument() expected error")
			}
		})
	}
}

func TestDiscoveryDocument_SupportsS256(t *testing.T) {
	if !(&DiscoveryDocument{}).SupportsS256() {
		t.Error("unadvertised methods should be assumed to include S256")
	}
	if (&DiscoveryDocument{CodeChallengeMethodsSupported: []string{"plain"}}).SupportsS256() {
		t.Error("plain-only provider must not be treated as S256 capable")
	}
	if !(&DiscoveryDocument{CodeChallengeMethodsSupported: []string{"plain", "S256"}}).SupportsS256() {
		t.Error("S256 advertised but not detected")
	}
}
