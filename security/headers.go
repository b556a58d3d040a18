package security

import (
	"net/http"
	"strings"
)

// HeadersMiddleware sets security headers on every gateway response.
// HSTS is only sent when the public issuer URL is https.
func HeadersMiddleware(issuerURL string) func(http.Handler) http.Handler {
	hsts := strings.HasPrefix(strings.ToLower(issuerURL), "https://")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
