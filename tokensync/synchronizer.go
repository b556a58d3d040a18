// Package tokensync owns the token triple of every gateway session.
//
// A session record holds the frontend session token, the backend tokens issued to
// the downstream MCP client and the upstream provider token pair. The Synchronizer
// is the only writer of that record after the authorization flow creates it:
//
//   - Issue creates a session; a role change always yields a new session ID
//   - Refresh replaces the whole triple or nothing, linearized per session by a
//     store lease and a generation compare-and-set
//   - Revoke deletes the record under the same lease, then revokes its upstream
//     token with retries
//
// Exactly one of two racing refreshes succeeds; the other gets ErrRefreshConflict
// and re-reads the session. A refresh holding a snapshot of a session that is
// revoked or replaced meanwhile also gets ErrRefreshConflict.
package tokensync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/providers"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// Defaults applied by New
const (
	DefaultSessionTTL             = 24 * time.Hour
	DefaultAccessTokenTTL         = 15 * time.Minute
	DefaultFrontendTTL            = 12 * time.Hour
	DefaultLeaseTTL               = 30 * time.Second
	DefaultRefreshSkew            = time.Minute
	DefaultUpstreamRefreshRetries = 2
	DefaultRevokeMaxTries         = 3
	DefaultRevokeInitialInterval  = 200 * time.Millisecond
)

// revokeLeaseInterval is the first wait of a revocation queued behind a refresh
const revokeLeaseInterval = 10 * time.Millisecond

// Revocation reasons recorded in audit events and metrics
const (
	ReasonLogout         = "logout"
	ReasonReplaced       = "replaced"
	ReasonUpstreamFailed = "upstream_refresh_failed"
	ReasonPKCEFailure    = "pkce_failure"
	ReasonExpired        = "expired"
	ReasonClientRequest  = "client_request"
	ReasonFlowAborted    = "flow_aborted"
	ReasonGrantMisuse    = "grant_misuse"
)

// Config configures a Synchronizer
type Config struct {
	Store    storage.SessionStore
	Provider providers.Provider
	Minter   *Minter

	// SessionTTL is the absolute session lifetime (default: 24h)
	SessionTTL time.Duration

	// AccessTokenTTL is the lifetime of backend access tokens (default: 15m)
	AccessTokenTTL time.Duration

	// FrontendTTL is the idle lifetime of the frontend session token. Every
	// refresh mints a new one. Capped at the session expiry. (default: 12h)
	FrontendTTL time.Duration

	// LeaseTTL bounds how long a crashed refresher can block a session (default: 30s)
	LeaseTTL time.Duration

	// RefreshSkew makes EnsureFresh refresh this long before expiry (default: 1m)
	RefreshSkew time.Duration

	// UpstreamRefreshRetries is how often EnsureFresh retries a transient upstream
	// failure before revoking the session (default: 2)
	UpstreamRefreshRetries int

	// RevokeMaxTries and RevokeInitialInterval drive upstream revocation backoff
	RevokeMaxTries        int
	RevokeInitialInterval time.Duration

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger

	// Now overrides the time source (tests)
	Now func() time.Time
}

// IssueRequest carries a freshly authenticated identity into a new session
type IssueRequest struct {
	Subject    string
	Email      string
	ClientID   string
	Role       string
	RoleSource string
	Upstream   *oauth2.Token

	// Replaces names the caller's current session, if any. It is deleted once the
	// new session exists when it belongs to the same client or carries a different
	// role; the latter is a session regeneration.
	Replaces string
}

// Synchronizer is the sole mutator of session token triples
type Synchronizer struct {
	store    storage.SessionStore
	provider providers.Provider
	minter   *Minter

	sessionTTL             time.Duration
	accessTokenTTL         time.Duration
	frontendTTL            time.Duration
	leaseTTL               time.Duration
	refreshSkew            time.Duration
	upstreamRefreshRetries int
	revokeMaxTries         int
	revokeInitialInterval  time.Duration

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time

	flights singleflight.Group
}

// New creates a Synchronizer
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Minter == nil {
		return nil, fmt.Errorf("minter is required")
	}
	applyDefaults(&cfg)

	s := &Synchronizer{
		store:                  cfg.Store,
		provider:               cfg.Provider,
		minter:                 cfg.Minter,
		sessionTTL:             cfg.SessionTTL,
		accessTokenTTL:         cfg.AccessTokenTTL,
		frontendTTL:            cfg.FrontendTTL,
		leaseTTL:               cfg.LeaseTTL,
		refreshSkew:            cfg.RefreshSkew,
		upstreamRefreshRetries: cfg.UpstreamRefreshRetries,
		revokeMaxTries:         cfg.RevokeMaxTries,
		revokeInitialInterval:  cfg.RevokeInitialInterval,
		auditor:                cfg.Auditor,
		logger:                 cfg.Logger,
		now:                    cfg.Now,
	}
	if cfg.Instrumentation != nil {
		s.metrics = cfg.Instrumentation.Metrics()
		s.tracer = cfg.Instrumentation.Tracer("tokensync")
	}
	return s, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.FrontendTTL <= 0 {
		cfg.FrontendTTL = DefaultFrontendTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.UpstreamRefreshRetries < 0 {
		cfg.UpstreamRefreshRetries = 0
	} else if cfg.UpstreamRefreshRetries == 0 {
		cfg.UpstreamRefreshRetries = DefaultUpstreamRefreshRetries
	}
	if cfg.RevokeMaxTries <= 0 {
		cfg.RevokeMaxTries = DefaultRevokeMaxTries
	}
	if cfg.RevokeInitialInterval <= 0 {
		cfg.RevokeInitialInterval = DefaultRevokeInitialInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// AccessTokenTTL returns the configured backend access token lifetime
func (s *Synchronizer) AccessTokenTTL() time.Duration {
	return s.accessTokenTTL
}

// Issue creates a session and its token triple
func (s *Synchronizer) Issue(ctx context.Context, req IssueRequest) (_ *storage.Session, err error) {
	ctx, span := s.startSpan(ctx, "issue")
	defer func() { endSpan(span, err) }()

	if req.Subject == "" || req.ClientID == "" || req.Role == "" {
		return nil, fmt.Errorf("subject, client ID and role are required")
	}
	if req.Upstream == nil || req.Upstream.AccessToken == "" {
		return nil, fmt.Errorf("upstream token is required")
	}

	now := s.now()
	session := &storage.Session{
		ID:            uuid.NewString(),
		Subject:       req.Subject,
		Email:         req.Email,
		ClientID:      req.ClientID,
		Role:          req.Role,
		RoleSource:    req.RoleSource,
		CreatedAt:     now,
		LastRefreshAt: now,
		ExpiresAt:     now.Add(s.sessionTTL),
		Generation:    1,
	}
	s.mintFrontend(session, now)
	session.Triple.Backend.RefreshToken = newOpaqueToken(session.ID)
	session.Triple.Backend.RefreshExpiresAt = session.ExpiresAt
	if err := s.mintTriple(session, req.Upstream, now); err != nil {
		return nil, err
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	regenerated, err := s.replace(ctx, req, session)
	if err != nil {
		// SECURITY: never hand out a new session while the replaced one stays valid
		if rerr := s.revoke(ctx, session.ID, ReasonFlowAborted); rerr != nil {
			s.logger.Error("Failed to roll back session", "session_id", session.ID, "error", rerr)
		}
		return nil, err
	}

	instrumentation.AddSessionAttributes(span, session.ID, session.Generation)
	s.metrics.RecordSessionIssued(ctx, session.Role, regenerated)
	s.auditor.LogEvent(security.Event{
		Type:      security.EventSessionIssued,
		Subject:   session.Subject,
		ClientID:  session.ClientID,
		SessionID: session.ID,
		Details:   map[string]any{"role": session.Role, "role_source": session.RoleSource},
	})
	s.logger.Debug("Session issued", "session_id", session.ID, "role", session.Role)

	return session, nil
}

// replace retires req.Replaces after next was created. It reports whether the
// canonical role changed. A session of another subject is left alone, and so is a
// session of another client with the same role.
func (s *Synchronizer) replace(ctx context.Context, req IssueRequest, next *storage.Session) (bool, error) {
	if req.Replaces == "" || req.Replaces == next.ID {
		return false, nil
	}

	old, err := s.store.GetSession(ctx, req.Replaces)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load replaced session: %w", err)
	}
	// SECURITY: a cookie from another user's session must not delete it
	if old.Subject != next.Subject {
		s.logger.Warn("Ignoring replacement of a session owned by another subject", "session_id", next.ID)
		return false, nil
	}

	regenerated := old.Role != next.Role
	if !regenerated && old.ClientID != next.ClientID {
		return false, nil
	}

	if err := s.revoke(ctx, old.ID, ReasonReplaced); err != nil {
		s.auditor.LogEvent(security.Event{
			Type:      security.EventSessionRevoked,
			Subject:   next.Subject,
			ClientID:  next.ClientID,
			SessionID: old.ID,
			Outcome:   security.OutcomeFailure,
			ErrorKind: "internal",
			Details:   map[string]any{"reason": ReasonReplaced, "replacement_session_id": next.ID},
		})
		return false, fmt.Errorf("failed to retire replaced session: %w", err)
	}

	if regenerated {
		s.auditor.LogEvent(security.Event{
			Type:      security.EventSessionRegenerated,
			Subject:   next.Subject,
			ClientID:  next.ClientID,
			SessionID: next.ID,
			Details:   map[string]any{"previous_session_id": old.ID, "previous_role": old.Role, "role": next.Role},
		})
	}
	return regenerated, nil
}

// Get returns a live session. Expired sessions are revoked and reported as
// ErrSessionExpired.
func (s *Synchronizer) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if security.IsExpired(session.ExpiresAt, s.now()) {
		if err := s.revoke(ctx, session.ID, ReasonExpired); err != nil {
			s.logger.Warn("Failed to revoke expired session", "session_id", session.ID, "error", err)
		}
		return nil, ErrSessionExpired
	}
	return session, nil
}

// Refresh refreshes the upstream token pair and re-mints the frontend token and the
// backend access token of a session. The backend refresh token keeps its value.
// On any failure the stored triple is unchanged.
func (s *Synchronizer) Refresh(ctx context.Context, sessionID string) (*storage.Session, error) {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, current, false)
}

// refresh runs the leased read, refresh and compare-and-set cycle against the
// generation of snapshot. With rotate the backend refresh token is replaced too.
func (s *Synchronizer) refresh(ctx context.Context, snapshot *storage.Session, rotate bool) (_ *storage.Session, err error) {
	ctx, span := s.startSpan(ctx, "refresh")
	defer func() { endSpan(span, err) }()

	g := snapshot.Generation
	instrumentation.AddSessionAttributes(span, snapshot.ID, g)

	lease, err := s.store.AcquireRefreshLease(ctx, snapshot.ID, s.leaseTTL)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return nil, s.conflict(ctx, snapshot, "lease_held")
		}
		return nil, fmt.Errorf("failed to acquire refresh lease: %w", err)
	}
	defer func() {
		// release with a fresh context: the lease must not outlive a cancelled request
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := s.store.ReleaseRefreshLease(releaseCtx, snapshot.ID, lease); rerr != nil {
			s.logger.Warn("Failed to release refresh lease", "session_id", snapshot.ID, "error", rerr)
		}
	}()

	current, err := s.store.GetSession(ctx, snapshot.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.conflict(ctx, snapshot, "session_replaced")
		}
		return nil, fmt.Errorf("failed to re-read session: %w", err)
	}
	if current.Generation != g {
		return nil, s.conflict(ctx, snapshot, "generation_moved")
	}
	if current.Triple.Upstream == nil || current.Triple.Upstream.RefreshToken == "" {
		return nil, s.upstreamFailure(ctx, current, &UpstreamRefreshError{
			SessionID: current.ID,
			Permanent: true,
			Err:       errors.New("no upstream refresh token"),
		})
	}

	upstream, err := s.provider.RefreshToken(ctx, current.Triple.Upstream.RefreshToken)
	if err != nil {
		return nil, s.upstreamFailure(ctx, current, &UpstreamRefreshError{
			SessionID: current.ID,
			Permanent: errors.Is(err, providers.ErrInvalidGrant),
			Err:       err,
		})
	}
	if upstream.RefreshToken == "" {
		upstream.RefreshToken = current.Triple.Upstream.RefreshToken
	}

	now := s.now()
	next := current.Clone()
	next.Generation = g + 1
	next.LastRefreshAt = now
	s.mintFrontend(next, now)
	if rotate {
		next.Triple.Backend.RefreshToken = newOpaqueToken(next.ID)
	}
	if err := s.mintTriple(next, upstream, now); err != nil {
		return nil, err
	}

	if err := s.store.CompareAndSwapSession(ctx, next, g); err != nil {
		if errors.Is(err, storage.ErrGenerationMismatch) || errors.Is(err, storage.ErrNotFound) {
			s.revokeOrphan(ctx, current, upstream)
			return nil, s.conflict(ctx, snapshot, "cas_failed")
		}
		return nil, fmt.Errorf("failed to store refreshed session: %w", err)
	}

	s.metrics.RecordTokenRefreshed(ctx, "success")
	s.auditor.LogEvent(security.Event{
		Type:      security.EventSessionRefreshed,
		Subject:   next.Subject,
		ClientID:  next.ClientID,
		SessionID: next.ID,
		Details:   map[string]any{"generation": next.Generation, "rotated_refresh_token": rotate},
	})
	return next, nil
}

// mintFrontend sets a new frontend token expiring FrontendTTL from now, capped at
// the session expiry
func (s *Synchronizer) mintFrontend(session *storage.Session, now time.Time) {
	expiresAt := now.Add(s.frontendTTL)
	if expiresAt.After(session.ExpiresAt) {
		expiresAt = session.ExpiresAt
	}
	session.Triple.Frontend = storage.FrontendToken{
		Value:     newOpaqueToken(session.ID),
		ExpiresAt: expiresAt,
	}
}

// mintTriple sets the upstream pair and a new backend access token for the
// session's current generation
func (s *Synchronizer) mintTriple(session *storage.Session, upstream *oauth2.Token, now time.Time) error {
	expiresAt := now.Add(s.accessTokenTTL)
	if expiresAt.After(session.ExpiresAt) {
		expiresAt = session.ExpiresAt
	}
	access, err := s.minter.Mint(session, now, expiresAt)
	if err != nil {
		return err
	}
	session.Triple.Backend.AccessToken = access
	session.Triple.Backend.AccessExpiresAt = expiresAt
	session.Triple.Upstream = upstream
	return nil
}

func (s *Synchronizer) conflict(ctx context.Context, session *storage.Session, reason string) error {
	s.metrics.RecordTokenRefreshed(ctx, "conflict")
	s.auditor.LogEvent(security.Event{
		Type:      security.EventRefreshConflict,
		Subject:   session.Subject,
		SessionID: session.ID,
		Outcome:   security.OutcomeFailure,
		ErrorKind: "refresh_conflict",
		Details:   map[string]any{"reason": reason},
	})
	return ErrRefreshConflict
}

func (s *Synchronizer) upstreamFailure(ctx context.Context, session *storage.Session, err *UpstreamRefreshError) error {
	s.metrics.RecordTokenRefreshed(ctx, "upstream_error")
	s.auditor.LogEvent(security.Event{
		Type:      security.EventUpstreamRefreshFailed,
		Subject:   session.Subject,
		SessionID: session.ID,
		ErrorKind: "upstream_refresh",
		Details:   map[string]any{"permanent": err.Permanent},
	})
	s.logger.Warn("Upstream refresh failed", "session_id", session.ID, "permanent", err.Permanent, "error", err.Err)
	return err
}

// Revoke deletes the session and then revokes its upstream token (best effort,
// with backoff). Revoking an unknown session is not an error.
func (s *Synchronizer) Revoke(ctx context.Context, sessionID string) error {
	return s.RevokeWithReason(ctx, sessionID, ReasonLogout)
}

// RevokeWithReason is Revoke with the reason recorded in the audit log
func (s *Synchronizer) RevokeWithReason(ctx context.Context, sessionID, reason string) error {
	return s.revoke(ctx, sessionID, reason)
}

// revoke takes the refresh lease, deletes the session as it is stored at that
// point and revokes the upstream token of exactly that record. A refresh in
// flight finishes first; a later one finds the session gone.
func (s *Synchronizer) revoke(ctx context.Context, sessionID, reason string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke")
	defer func() { endSpan(span, err) }()

	release := s.awaitLease(ctx, sessionID)
	defer release()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	instrumentation.AddSessionAttributes(span, session.ID, session.Generation)

	if err := s.store.DeleteSession(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.revokeUpstream(ctx, session, upstreamRevocationToken(session.Triple.Upstream))

	s.metrics.RecordSessionRevoked(ctx, reason)
	s.auditor.LogSessionRevoked(session.ID, session.Subject, reason)
	return nil
}

// awaitLease waits up to the lease TTL for the refresh lease of sessionID and
// returns its release func. When the lease cannot be taken the revocation goes
// ahead without it: a refresh still holding it then fails its compare-and-set.
func (s *Synchronizer) awaitLease(ctx context.Context, sessionID string) func() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = revokeLeaseInterval
	b.MaxInterval = time.Second

	lease, err := backoff.Retry(ctx, func() (string, error) {
		lease, err := s.store.AcquireRefreshLease(ctx, sessionID, s.leaseTTL)
		if err != nil && !errors.Is(err, storage.ErrLeaseHeld) {
			return "", backoff.Permanent(err)
		}
		return lease, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.leaseTTL),
	)
	if err != nil {
		s.logger.Warn("Revoking session without its refresh lease", "session_id", sessionID, "error", err)
		return func() {}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.store.ReleaseRefreshLease(releaseCtx, sessionID, lease); err != nil {
			s.logger.Debug("Failed to release refresh lease", "session_id", sessionID, "error", err)
		}
	}
}

// revokeOrphan revokes the upstream token obtained by a refresh that lost its
// compare-and-set. A refresh token the provider did not rotate is still the
// stored one and is left alone.
func (s *Synchronizer) revokeOrphan(ctx context.Context, current *storage.Session, upstream *oauth2.Token) {
	token := upstream.AccessToken
	if current.Triple.Upstream == nil || upstream.RefreshToken != current.Triple.Upstream.RefreshToken {
		token = upstream.RefreshToken
	}
	s.revokeUpstream(ctx, current, token)
}

// upstreamRevocationToken returns the refresh token of pair, or its access token
// when there is none
func upstreamRevocationToken(pair *oauth2.Token) string {
	if pair == nil {
		return ""
	}
	if pair.RefreshToken != "" {
		return pair.RefreshToken
	}
	return pair.AccessToken
}

// revokeUpstream revokes an upstream token of session. Failures are audited, never
// returned.
func (s *Synchronizer) revokeUpstream(ctx context.Context, session *storage.Session, token string) {
	if token == "" {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.revokeInitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.provider.RevokeToken(ctx, token)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.revokeMaxTries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("Retrying upstream revocation", "session_id", session.ID, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		s.auditor.LogEvent(security.Event{
			Type:      security.EventUpstreamRevocationFailed,
			Subject:   session.Subject,
			SessionID: session.ID,
			ErrorKind: "upstream_revocation",
		})
		s.logger.Warn("Upstream revocation failed", "session_id", session.ID, "error", err)
	}
}

func (s *Synchronizer) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return s.tracer.Start(ctx, "tokensync."+op)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}
