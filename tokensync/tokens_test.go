package tokensync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-registry-gateway/providers"
	"github.com/giantswarm/mcp-registry-gateway/providers/mock"
)

func TestEnsureFresh_NoRefreshWhileValid(t *testing.T) {
	f := newFixture(t)
	session := f.issue(t, "developer")

	got, err := f.sync.EnsureFresh(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Generation, got.Generation)
	assert.Zero(t, f.provider.CallCount("RefreshToken"))
}

func TestEnsureFresh_RefreshesNearExpiry(t *testing.T) {
	f := newFixture(t)
	session := f.issue(t, "developer")

	f.clock.Advance(DefaultAccessTokenTTL - DefaultRefreshSkew/2)
	got, err := f.sync.EnsureFresh(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, 1, f.provider.CallCount("RefreshToken"))
}

func TestEnsureFresh_RetriesTransientUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	session := f.issue(t, "developer")
	f.clock.Advance(DefaultAccessTokenTTL)

	calls := 0
	f.provider.RefreshTokenFunc = func(context.Context, string) (*oauth2.Token, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return mock.Token(f.clock.Now().Add(time.Hour)), nil
	}

	got, err := f.sync.EnsureFresh(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, 2, calls)
}

func TestEnsureFresh_PermanentFailureRevokesSession(t *testing.T) {
	f := newFixture(t)
	session := f.issue(t, "developer")
	f.clock.Advance(DefaultAccessTokenTTL)

	f.provider.RefreshTokenFunc = func(context.Context, string) (*oauth2.Token, error) {
		return nil, fmt.Errorf("refresh: %w", providers.ErrInvalidGrant)
	}

	_, err := f.sync.EnsureFresh(context.Background(), session.ID)
	var upErr *UpstreamRefreshError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, 1, f.provider.CallCount("RefreshToken"))

	_, err = f.sync.Get(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEnsureFresh_ExhaustedRetriesRevokeSession(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.UpstreamRefreshRetries = 1 })
	session := f.issue(t, "developer")
	f.clock.Advance(DefaultAccessTokenTTL)

	f.provider.RefreshTokenFunc = func(context.Context, string) (*oauth2.Token, error) {
		return nil, errors.New("upstream unavailable")
	}

	_, err := f.sync.EnsureFresh(context.Background(), session.ID)
	var upErr *UpstreamRefreshError
	require.ErrorAs(t, err, &upErr)
	assert.False(t, upErr.Permanent)
	assert.Equal(t, 2, f.provider.CallCount("RefreshToken"))

	_, err = f.sync.Get(context.Background(), session.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshWithToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.issue(t, "developer")
	oldRefresh := session.Triple.Backend.RefreshToken

	got, err := f.sync.RefreshWithToken(ctx, oldRefresh, session.ClientID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Generation)
	assert.NotEqual(t, oldRefresh, got.Triple.Backend.RefreshToken, "refresh token must rotate")
	assert.NotEqual(t, session.Triple.Frontend.Value, got.Triple.Frontend.Value)

	_, err = f.sync.RefreshWithToken(ctx, oldRefresh, session.ClientID)
	assert.ErrorIs(t, err, ErrInvalidToken, "rotated refresh token must be rejected")
}

func TestRefreshWithToken_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.issue(t, "developer")

	tests := []struct {
		name     string
		token    string
		clientID string
	}{
		{"other client", session.Triple.Backend.RefreshToken, "client-2"},
		{"malformed", "garbage", session.ClientID},
		{"unknown session", newOpaqueToken("8c2b7a2e-5d0f-4a8e-9a51-0d8f2f6c9e11"), session.ClientID},
		{"wrong secret", newOpaqueToken(session.ID), session.ClientID},
		{"frontend token", session.Triple.Frontend.Value, session.ClientID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sync.RefreshWithToken(ctx, tt.token, tt.clientID)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
	assert.Zero(t, f.provider.CallCount("RefreshToken"))
}

func TestResolveFrontend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.issue(t, "developer")

	got, err := f.sync.ResolveFrontend(ctx, session.Triple.Frontend.Value)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = f.sync.ResolveFrontend(ctx, newOpaqueToken(session.ID))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.sync.ResolveFrontend(ctx, session.Triple.Backend.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.sync.ResolveFrontend(ctx, "no-dot")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeToken(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh token", func(t *testing.T) {
		f := newFixture(t)
		session := f.issue(t, "developer")
		require.NoError(t, f.sync.RevokeToken(ctx, session.Triple.Backend.RefreshToken, session.ClientID))
		_, err := f.sync.Get(ctx, session.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("access token", func(t *testing.T) {
		f := newFixture(t)
		session := f.issue(t, "developer")
		require.NoError(t, f.sync.RevokeToken(ctx, session.Triple.Backend.AccessToken, session.ClientID))
		_, err := f.sync.Get(ctx, session.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("other client is ignored", func(t *testing.T) {
		f := newFixture(t)
		session := f.issue(t, "developer")
		require.NoError(t, f.sync.RevokeToken(ctx, session.Triple.Backend.RefreshToken, "client-2"))
		_, err := f.sync.Get(ctx, session.ID)
		assert.NoError(t, err)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)
		assert.NoError(t, f.sync.RevokeToken(ctx, "unknown", "client-1"))
	})
}

func TestSessionIDOf(t *testing.T) {
	id := "8c2b7a2e-5d0f-4a8e-9a51-0d8f2f6c9e11"

	got, ok := sessionIDOf(newOpaqueToken(id))
	assert.True(t, ok)
	assert.Equal(t, id, got)

	for _, bad := range []string{"", ".", id + ".", "not-a-uuid.secret", "secret"} {
		_, ok := sessionIDOf(bad)
		assert.False(t, ok, bad)
	}
}

func TestResolveFrontend_IdleExpiry(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FrontendTTL = time.Hour })
	ctx := context.Background()
	session := f.issue(t, "developer")
	assert.Equal(t, f.clock.Now().Add(time.Hour), session.Triple.Frontend.ExpiresAt)

	f.clock.Advance(time.Hour)
	_, err := f.sync.ResolveFrontend(ctx, session.Triple.Frontend.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
