package tokensync

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshConflict is returned to the loser of a concurrent refresh. The caller
	// re-reads the session instead of resubmitting the stale refresh.
	ErrRefreshConflict = errors.New("tokensync: refresh conflict")

	// ErrSessionNotFound is returned for unknown or deleted sessions
	ErrSessionNotFound = errors.New("tokensync: session not found")

	// ErrSessionExpired is returned when a session is past its absolute expiry
	ErrSessionExpired = errors.New("tokensync: session expired")

	// ErrInvalidToken is returned when a presented gateway token does not match the
	// current triple of its session
	ErrInvalidToken = errors.New("tokensync: invalid token")
)

// UpstreamRefreshError reports that the identity provider rejected a refresh.
// The stored triple is left unchanged.
type UpstreamRefreshError struct {
	SessionID string

	// Permanent is set when the provider answered invalid_grant (for example a
	// refresh token already used or revoked); retrying cannot succeed
	Permanent bool

	Err error
}

func (e *UpstreamRefreshError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("upstream rejected refresh for session %s: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("upstream refresh failed for session %s: %v", e.SessionID, e.Err)
}

func (e *UpstreamRefreshError) Unwrap() error {
	return e.Err
}
