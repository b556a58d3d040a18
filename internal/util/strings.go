package util

import "strings"

// SafeTruncate returns at most maxLen bytes of s. It never panics; a negative
// maxLen yields "". Used to log identifier prefixes.
//
//	SafeTruncate("8f14e45f-ceea-467a", 8) // "8f14e45f"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and audience URLs compare equal
// with or without them
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
