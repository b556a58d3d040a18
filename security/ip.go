package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the client address used for rate limiting and audit events.
// Forwarding headers are only honoured when TrustProxy is set.
type ClientIPResolver struct {
	TrustProxy bool

	// TrustedProxyCount is the number of proxies we operate in front of the gateway.
	// Zero is treated as one when TrustProxy is set.
	TrustedProxyCount int
}

// Resolve returns the client IP of r
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor picks the entry appended by the outermost untrusted hop.
// The list reads "client, proxy1, ..., proxyN" with our own proxies on the right.
func (c ClientIPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	trusted := c.TrustedProxyCount
	if trusted <= 0 {
		trusted = 1
	}

	idx := len(hops) - trusted - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
