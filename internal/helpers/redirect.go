package helpers

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Redirect URI error categories, used in audit events and metrics
const (
	RedirectCategoryInvalidFormat  = "invalid_format"
	RedirectCategoryFragment       = "fragment_not_allowed"
	RedirectCategoryBlockedScheme  = "blocked_scheme"
	RedirectCategoryHTTPNotAllowed = "http_not_allowed"
	RedirectCategoryLinkLocal      = "link_local"
	RedirectCategoryUnspecified    = "unspecified_address"
)

// DangerousSchemes are never accepted as redirect URI schemes
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

// privateUseScheme is the RFC 3986 scheme grammar, lower-cased
var privateUseScheme = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

// RedirectURIError describes a rejected redirect URI. Error() is safe to return to clients.
type RedirectURIError struct {
	Category string
	Reason   string
}

func (e *RedirectURIError) Error() string {
	return "redirect_uri: " + e.Reason
}

// ValidateRedirectURI checks a downstream redirect URI at registration time.
// Accepted forms are https, http on a loopback host (RFC 8252 section 7.3), and
// private-use schemes for native apps (RFC 8252 section 7.1).
func ValidateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return &RedirectURIError{Category: RedirectCategoryInvalidFormat, Reason: "must be an absolute URI"}
	}
	if parsed.Fragment != "" || strings.Contains(raw, "#") {
		return &RedirectURIError{Category: RedirectCategoryFragment, Reason: "fragments are not allowed"}
	}

	scheme := strings.ToLower(parsed.Scheme)
	for _, blocked := range DangerousSchemes {
		if scheme == blocked {
			return &RedirectURIError{Category: RedirectCategoryBlockedScheme, Reason: fmt.Sprintf("scheme %q is not allowed", scheme)}
		}
	}

	switch scheme {
	case "https":
		return validateHTTPSHost(parsed)
	case "http":
		if !IsLoopbackHostname(parsed.Hostname()) {
			return &RedirectURIError{Category: RedirectCategoryHTTPNotAllowed, Reason: "http is only allowed for loopback hosts"}
		}
		return nil
	default:
		if !privateUseScheme.MatchString(scheme) {
			return &RedirectURIError{Category: RedirectCategoryInvalidFormat, Reason: fmt.Sprintf("scheme %q is malformed", scheme)}
		}
		return nil
	}
}

func validateHTTPSHost(u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return &RedirectURIError{Category: RedirectCategoryInvalidFormat, Reason: "host is required"}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	switch category := unroutableCategory(ip); category {
	case RedirectCategoryLinkLocal:
		return &RedirectURIError{Category: category, Reason: "link-local addresses are not allowed"}
	case RedirectCategoryUnspecified:
		return &RedirectURIError{Category: category, Reason: "unspecified addresses are not allowed"}
	}
	return nil
}

// MatchRedirectURI reports whether requested exactly equals one of the registered URIs.
// For loopback http URIs the port is ignored (RFC 8252 section 7.3).
func MatchRedirectURI(registered []string, requested string) bool {
	for _, r := range registered {
		if r == requested {
			return true
		}
	}

	req, err := url.Parse(requested)
	if err != nil || req.Scheme != "http" || !IsLoopbackHostname(req.Hostname()) {
		return false
	}
	for _, r := range registered {
		reg, err := url.Parse(r)
		if err != nil || reg.Scheme != "http" {
			continue
		}
		if reg.Hostname() == req.Hostname() && reg.Path == req.Path && reg.RawQuery == req.RawQuery {
			return true
		}
	}
	return false
}
