// Package testutil provides fixtures, a controllable clock and a fake upstream
// identity provider for gateway tests.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// Clock is a goroutine-safe controllable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock set to t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current clock time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// RandomString returns a URL-safe random string of n bytes of entropy
func RandomString(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// UpstreamToken returns an upstream provider token expiring at expiry
func UpstreamToken(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  RandomString(24),
		TokenType:    "Bearer",
		RefreshToken: RandomString(24),
		Expiry:       expiry,
	}
}

// Session returns a populated session valid for an hour from now
func Session(now time.Time) *storage.Session {
	id := uuid.NewString()
	return &storage.Session{
		ID:            id,
		Subject:       "user-" + RandomString(4),
		ClientID:      uuid.NewString(),
		Role:          "developer",
		RoleSource:    storage.RoleSourceRoles,
		CreatedAt:     now,
		LastRefreshAt: now,
		ExpiresAt:     now.Add(time.Hour),
		Generation:    1,
		Triple: storage.TokenTriple{
			Frontend: storage.FrontendToken{Value: id + "." + RandomString(16), ExpiresAt: now.Add(time.Hour)},
			Backend: storage.BackendTokens{
				AccessToken:      RandomString(32),
				AccessExpiresAt:  now.Add(10 * time.Minute),
				RefreshToken:     id + "." + RandomString(16),
				RefreshExpiresAt: now.Add(time.Hour),
			},
			Upstream: UpstreamToken(now.Add(10 * time.Minute)),
		},
	}
}

// Flow returns an in-flight flow expiring ten minutes after now
func Flow(now time.Time) *storage.FlowState {
	return &storage.FlowState{
		FlowID:                    uuid.NewString(),
		ClientID:                  uuid.NewString(),
		RedirectURI:               "http://127.0.0.1:33418/callback",
		ClientState:               RandomString(16),
		ClientCodeChallenge:       RandomString(32),
		ClientCodeChallengeMethod: "S256",
		UpstreamState:             RandomString(32),
		UpstreamCodeChallenge:     RandomString(32),
		UpstreamCodeVerifier:      RandomString(32),
		CreatedAt:                 now,
		ExpiresAt:                 now.Add(10 * time.Minute),
	}
}

// Grant returns a downstream authorization code expiring a minute after now
func Grant(now time.Time, sessionID string) *storage.Grant {
	return &storage.Grant{
		Code:                RandomString(32),
		FlowID:              uuid.NewString(),
		ClientID:            uuid.NewString(),
		RedirectURI:         "http://127.0.0.1:33418/callback",
		CodeChallenge:       RandomString(32),
		CodeChallengeMethod: "S256",
		SessionID:           sessionID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Minute),
	}
}

// Client returns a public client registration
func Client(now time.Time) *storage.Client {
	return &storage.Client{
		ClientID:                uuid.NewString(),
		ClientType:              storage.ClientTypePublic,
		ClientName:              "test client",
		RedirectURIs:            []string{"http://127.0.0.1:33418/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		IssuedAt:                now,
	}
}
