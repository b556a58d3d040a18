package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession stores a new session hash
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	ctx, done := s.observe(ctx, "create_session")
	defer func() { done(err) }()

	if session == nil {
		return fmt.Errorf("%w: session is nil", storage.ErrInvalidRecord)
	}
	if err := validateKeyPart("session ID", session.ID); err != nil {
		return err
	}

	key := s.sessionKey(session.ID)
	data, err := s.marshal(key, session)
	if err != nil {
		return err
	}

	created, err := s.eval(ctx, luaCreateSession, key,
		formatUint(session.Generation),
		data,
		fmt.Sprintf("%d", session.ExpiresAt.UnixMilli()),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: session %s", storage.ErrAlreadyExists, logID(session.ID))
	}

	s.logger.Debug("Created session", "session_id", logID(session.ID), "generation", session.Generation)
	return nil
}

// GetSession returns a session by ID
func (s *Store) GetSession(ctx context.Context, id string) (_ *storage.Session, err error) {
	ctx, done := s.observe(ctx, "get_session")
	defer func() { done(err) }()

	if err := validateKeyPart("session ID", id); err != nil {
		return nil, err
	}

	key := s.sessionKey(id)
	raw, err := s.client.Do(ctx, s.client.B().Hget().Key(key).Field("data").Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: session %s", storage.ErrNotFound, logID(id))
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session storage.Session
	if err := s.unmarshal(key, raw, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CompareAndSwapSession replaces the session hash if its generation is unchanged
func (s *Store) CompareAndSwapSession(ctx context.Context, session *storage.Session, expectedGeneration uint64) (err error) {
	ctx, done := s.observe(ctx, "cas_session")
	defer func() { done(err) }()

	if session == nil {
		return fmt.Errorf("%w: session is nil", storage.ErrInvalidRecord)
	}
	if err := validateKeyPart("session ID", session.ID); err != nil {
		return err
	}

	key := s.sessionKey(session.ID)
	data, err := s.marshal(key, session)
	if err != nil {
		return err
	}

	result, err := s.eval(ctx, luaCASSession, key,
		formatUint(expectedGeneration),
		formatUint(session.Generation),
		data,
		fmt.Sprintf("%d", session.ExpiresAt.UnixMilli()),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to swap session: %w", err)
	}

	switch result {
	case -1:
		return fmt.Errorf("%w: session %s", storage.ErrNotFound, logID(session.ID))
	case 0:
		return fmt.Errorf("%w: expected %d", storage.ErrGenerationMismatch, expectedGeneration)
	}
	return nil
}

// DeleteSession removes a session and its lease
func (s *Store) DeleteSession(ctx context.Context, id string) (err error) {
	ctx, done := s.observe(ctx, "delete_session")
	defer func() { done(err) }()

	if err := validateKeyPart("session ID", id); err != nil {
		return err
	}

	// session and lease keys may live in different cluster slots
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.sessionKey(id)).Build(),
		s.client.B().Del().Key(s.leaseKey(id)).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	return nil
}

// AcquireRefreshLease takes the refresh lease with SET NX PX
func (s *Store) AcquireRefreshLease(ctx context.Context, id string, ttl time.Duration) (_ string, err error) {
	ctx, done := s.observe(ctx, "acquire_lease")
	defer func() { done(err) }()

	if err := validateKeyPart("session ID", id); err != nil {
		return "", err
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	token := uuid.NewString()
	acquired, err := s.eval(ctx, luaSetNX, s.leaseKey(id), token, fmt.Sprintf("%d", ttl.Milliseconds())).AsInt64()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease: %w", err)
	}
	if acquired == 0 {
		return "", fmt.Errorf("%w: session %s", storage.ErrLeaseHeld, logID(id))
	}
	return token, nil
}

// ReleaseRefreshLease deletes the lease if token still owns it
func (s *Store) ReleaseRefreshLease(ctx context.Context, id, token string) (err error) {
	ctx, done := s.observe(ctx, "release_lease")
	defer func() { done(err) }()

	if err := validateKeyPart("session ID", id); err != nil {
		return err
	}

	if err := s.eval(ctx, luaReleaseLease, s.leaseKey(id), token).Error(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
