package security

import "time"

// DefaultClockSkewGracePeriod tolerates small clock differences between replicas
// and the upstream provider when checking token expiry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt lies in the past relative to now,
// allowing DefaultClockSkewGracePeriod. A zero expiry never expires.
func IsExpired(expiresAt, now time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, now, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod is IsExpired with a custom grace period
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon reports whether expiresAt falls within threshold of now
func IsExpiringSoon(expiresAt, now time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}
