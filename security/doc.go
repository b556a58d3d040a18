// Package security provides the gateway's security plumbing: the audit sink,
// encryption of stored records, per-identifier rate limiting, client IP
// resolution, and HTTP hardening middleware.
//
// # Audit events
//
// Every proxied flow transition, token synchronizer operation and role
// normalization failure is written through an Auditor as a "security_audit"
// log record. Subjects are hashed and token values are never logged.
//
// # Rate limiting
//
// RateLimiter tracks one token bucket per identifier (usually the client IP)
// and evicts the least recently used identifier once MaxEntries is reached:
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{Rate: 1, Burst: 5}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(ip) {
//		// respond 429
//	}
package security
