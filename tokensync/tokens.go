package tokensync

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// conflictRetries bounds how often EnsureFresh re-reads after losing a race
const conflictRetries = 5

// EnsureFresh returns the session, refreshing it first when the backend access
// token or the upstream token expires within the refresh skew. A lost race is
// resolved by re-reading. Upstream failures are retried; once retries are exhausted
// (or the provider rejected the grant permanently) the session is revoked.
// Concurrent callers in this process share one refresh.
func (s *Synchronizer) EnsureFresh(ctx context.Context, sessionID string) (*storage.Session, error) {
	v, err, _ := s.flights.Do(sessionID, func() (any, error) {
		return s.ensureFresh(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Session).Clone(), nil
}

func (s *Synchronizer) ensureFresh(ctx context.Context, sessionID string) (*storage.Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	upstreamFailures := 0
	return backoff.Retry(ctx, func() (*storage.Session, error) {
		current, err := s.Get(ctx, sessionID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !s.needsRefresh(current) {
			return current, nil
		}

		next, err := s.refresh(ctx, current, false)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, ErrRefreshConflict) {
			return nil, err
		}

		var upErr *UpstreamRefreshError
		if !errors.As(err, &upErr) {
			return nil, backoff.Permanent(err)
		}
		upstreamFailures++
		if upErr.Permanent || upstreamFailures > s.upstreamRefreshRetries {
			if rerr := s.revoke(ctx, current.ID, ReasonUpstreamFailed); rerr != nil {
				s.logger.Warn("Failed to revoke session after upstream refresh failure", "session_id", current.ID, "error", rerr)
			}
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(conflictRetries+s.upstreamRefreshRetries+1)),
	)
}

func (s *Synchronizer) needsRefresh(session *storage.Session) bool {
	deadline := s.now().Add(s.refreshSkew)
	if deadline.After(session.Triple.Backend.AccessExpiresAt) {
		return true
	}
	up := session.Triple.Upstream
	return up != nil && !up.Expiry.IsZero() && deadline.After(up.Expiry)
}

// RefreshWithToken serves the downstream refresh_token grant: the presented backend
// refresh token must be the current one of its session and belong to clientID.
// The whole triple is refreshed and the backend refresh token rotated.
func (s *Synchronizer) RefreshWithToken(ctx context.Context, refreshToken, clientID string) (*storage.Session, error) {
	current, err := s.sessionForRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if current.ClientID != clientID {
		return nil, fmt.Errorf("%w: refresh token was issued to another client", ErrInvalidToken)
	}
	if !s.now().Before(current.Triple.Backend.RefreshExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", ErrInvalidToken)
	}
	return s.refresh(ctx, current, true)
}

func (s *Synchronizer) sessionForRefreshToken(ctx context.Context, refreshToken string) (*storage.Session, error) {
	id, ok := sessionIDOf(refreshToken)
	if !ok {
		return nil, fmt.Errorf("%w: malformed refresh token", ErrInvalidToken)
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return nil, err
	}
	if !equal(current.Triple.Backend.RefreshToken, refreshToken) {
		return nil, fmt.Errorf("%w: refresh token is not current", ErrInvalidToken)
	}
	return current, nil
}

// ValidateAccessToken verifies a backend access token and checks it against the
// live session: the token must name the session's current generation and role
func (s *Synchronizer) ValidateAccessToken(ctx context.Context, token string) (*storage.Session, *AccessClaims, error) {
	claims, err := s.minter.Parse(token)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionExpired) {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		return nil, nil, err
	}

	// SECURITY: tokens of a previous generation or role are stale
	if claims.Generation != session.Generation || claims.Role != session.Role || claims.ClientID != session.ClientID {
		return nil, nil, fmt.Errorf("%w: token does not match the current session", ErrInvalidToken)
	}
	return session, claims, nil
}

// ResolveFrontend returns the live session of a frontend session token. Only the
// token minted by the latest refresh is accepted.
func (s *Synchronizer) ResolveFrontend(ctx context.Context, value string) (*storage.Session, error) {
	id, ok := sessionIDOf(value)
	if !ok {
		return nil, fmt.Errorf("%w: malformed session token", ErrInvalidToken)
	}
	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !equal(session.Triple.Frontend.Value, value) {
		return nil, fmt.Errorf("%w: session token is not current", ErrInvalidToken)
	}
	if !s.now().Before(session.Triple.Frontend.ExpiresAt) {
		return nil, fmt.Errorf("%w: session token expired", ErrInvalidToken)
	}
	return session, nil
}

// RevokeToken revokes the session of a backend refresh or access token presented
// by clientID (RFC 7009). Unknown tokens and tokens of other clients are ignored.
func (s *Synchronizer) RevokeToken(ctx context.Context, token, clientID string) error {
	var session *storage.Session

	if _, ok := sessionIDOf(token); ok {
		current, err := s.sessionForRefreshToken(ctx, token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				return nil
			}
			return err
		}
		session = current
	} else {
		current, _, err := s.ValidateAccessToken(ctx, token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				return nil
			}
			return err
		}
		session = current
	}

	if session.ClientID != clientID {
		s.logger.Warn("Ignoring revocation of a token issued to another client", "session_id", session.ID)
		return nil
	}
	return s.revoke(ctx, session.ID, ReasonClientRequest)
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
