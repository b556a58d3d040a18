package helpers

import (
	"errors"
	"net"
	"testing"
)

func TestUnroutableCategory(t *testing.T) {
	tests := map[string]string{
		"0.0.0.0":         RedirectCategoryUnspecified,
		"::":              RedirectCategoryUnspecified,
		"169.254.169.254": RedirectCategoryLinkLocal,
		"fe80::1":         RedirectCategoryLinkLocal,
		"127.0.0.1":       "",
		"10.1.2.3":        "",
		"8.8.8.8":         "",
	}
	for ip, want := range tests {
		if got := unroutableCategory(net.ParseIP(ip)); got != want {
			t.Errorf("unroutableCategory(%s) = %q, want %q", ip, got, want)
		}
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := map[string]bool{
		"localhost":   true,
		"127.0.0.1":   true,
		"127.8.9.10":  true,
		"[::1]":       true,
		"::1":         true,
		"0.0.0.0":     false,
		"example.com": false,
		"localhost.":  false,
		"10.0.0.1":    false,
	}
	for host, want := range tests {
		if got := IsLoopbackHostname(host); got != want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestValidateRedirectURI(t *testing.T) {
	tests := []struct {
		uri          string
		wantCategory string
	}{
		{"https://app.example.com/callback", ""},
		{"http://127.0.0.1:33418/callback", ""},
		{"http://localhost/cb", ""},
		{"http://[::1]:8080/cb", ""},
		{"com.example.app:/oauth2redirect", ""},
		{"cursor://anysphere.cursor-retrieval/oauth/callback", ""},
		{"/relative/path", RedirectCategoryInvalidFormat},
		{"https://app.example.com/cb#frag", RedirectCategoryFragment},
		{"javascript:alert(1)", RedirectCategoryBlockedScheme},
		{"DATA:text/html,hi", RedirectCategoryBlockedScheme},
		{"http://app.example.com/cb", RedirectCategoryHTTPNotAllowed},
		{"http://0.0.0.0/cb", RedirectCategoryHTTPNotAllowed},
		{"https://169.254.169.254/latest", RedirectCategoryLinkLocal},
		{"https://0.0.0.0/cb", RedirectCategoryUnspecified},
		{"https:///nohost", RedirectCategoryInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri)
			if tt.wantCategory == "" {
				if err != nil {
					t.Fatalf("ValidateRedirectURI() error = %v", err)
				}
				return
			}
			var re *RedirectURIError
			if !errors.As(err, &re) {
				t.Fatalf("ValidateRedirectURI() error = %v, want RedirectURIError", err)
			}
			if re.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", re.Category, tt.wantCategory)
			}
		})
	}
}

func TestMatchRedirectURI(t *testing.T) {
	registered := []string{"https://app.example.com/cb", "http://127.0.0.1/callback"}

	tests := []struct {
		requested string
		want      bool
	}{
		{"https://app.example.com/cb", true},
		{"https://app.example.com/cb/", false},
		{"https://app.example.com/other", false},
		{"http://127.0.0.1:51234/callback", true},
		{"http://127.0.0.1:51234/other", false},
		{"http://localhost:51234/callback", false},
	}
	for _, tt := range tests {
		if got := MatchRedirectURI(registered, tt.requested); got != tt.want {
			t.Errorf("MatchRedirectURI(%q) = %v, want %v", tt.requested, got, tt.want)
		}
	}
}
