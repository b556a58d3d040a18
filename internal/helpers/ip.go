package helpers

import (
	"net"
	"strings"
)

// IsLoopbackHostname reports whether hostname (without port, as returned by
// url.URL.Hostname) names a loopback host. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// unroutableCategory returns the redirect error category for an https host
// literal that can never name a client callback, or "" when ip is acceptable.
// Link-local covers the 169.254.169.254 cloud metadata endpoint.
func unroutableCategory(ip net.IP) string {
	switch {
	case ip.IsUnspecified():
		return RedirectCategoryUnspecified
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return RedirectCategoryLinkLocal
	}
	return ""
}
