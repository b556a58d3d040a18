// Package mock provides a configurable providers.Provider for tests.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-registry-gateway/providers"
)

// Provider is a test double for providers.Provider. Each method calls the matching
// Func field; a nil field fails the call, except Name and AuthorizationURL which
// have safe defaults.
type Provider struct {
	NameFunc             func() string
	AuthorizationURLFunc func(state, codeChallenge string) string
	ExchangeCodeFunc     func(ctx context.Context, code, codeVerifier string) (*providers.Identity, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error
	HealthCheckFunc      func(ctx context.Context) error

	// mu protects callCounts
	mu         sync.Mutex
	callCounts map[string]int
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider returns a mock whose code exchange yields a developer identity and
// whose refresh rotates tokens
func NewProvider() *Provider {
	return &Provider{
		callCounts: make(map[string]int),
		ExchangeCodeFunc: func(_ context.Context, _, _ string) (*providers.Identity, error) {
			return Identity("mock-user-123", map[string]any{"roles": []any{"developer"}}), nil
		},
		RefreshTokenFunc: func(_ context.Context, _ string) (*oauth2.Token, error) {
			return Token(time.Now().Add(time.Hour)), nil
		},
		RevokeTokenFunc: func(context.Context, string) error { return nil },
		HealthCheckFunc: func(context.Context) error { return nil },
	}
}

// Identity builds an identity for subject carrying claims and a fresh token pair
func Identity(subject string, claims map[string]any) *providers.Identity {
	all := map[string]any{"sub": subject, "email": subject + "@example.com"}
	for k, v := range claims {
		all[k] = v
	}
	return &providers.Identity{
		Subject: subject,
		Email:   subject + "@example.com",
		Claims:  all,
		Token:   Token(time.Now().Add(time.Hour)),
	}
}

var tokenSeq struct {
	sync.Mutex
	n int
}

// Token returns a distinct upstream token pair expiring at expiry
func Token(expiry time.Time) *oauth2.Token {
	tokenSeq.Lock()
	tokenSeq.n++
	n := tokenSeq.n
	tokenSeq.Unlock()

	return &oauth2.Token{
		AccessToken:  fmt.Sprintf("mock-access-token-%d", n),
		TokenType:    "Bearer",
		RefreshToken: fmt.Sprintf("mock-refresh-token-%d", n),
		Expiry:       expiry,
	}
}

// count records a call. Func fields run without the lock so they may call back
// into the mock.
func (m *Provider) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
}

// Name returns the provider name
func (m *Provider) Name() string {
	m.count("Name")
	if m.NameFunc == nil {
		return "mock"
	}
	return m.NameFunc()
}

// AuthorizationURL returns the configured URL or a mock.example.com URL
func (m *Provider) AuthorizationURL(state, codeChallenge string) string {
	m.count("AuthorizationURL")
	if m.AuthorizationURLFunc != nil {
		return m.AuthorizationURLFunc(state, codeChallenge)
	}
	q := url.Values{}
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return "https://mock.example.com/authorize?" + q.Encode()
}

// ExchangeCode calls ExchangeCodeFunc
func (m *Provider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*providers.Identity, error) {
	m.count("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return m.ExchangeCodeFunc(ctx, code, codeVerifier)
}

// RefreshToken calls RefreshTokenFunc
func (m *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.count("RefreshToken")
	if m.RefreshTokenFunc == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// RevokeToken calls RevokeTokenFunc
func (m *Provider) RevokeToken(ctx context.Context, token string) error {
	m.count("RevokeToken")
	if m.RevokeTokenFunc == nil {
		return fmt.Errorf("RevokeTokenFunc not configured")
	}
	return m.RevokeTokenFunc(ctx, token)
}

// HealthCheck calls HealthCheckFunc
func (m *Provider) HealthCheck(ctx context.Context) error {
	m.count("HealthCheck")
	if m.HealthCheckFunc == nil {
		return nil
	}
	return m.HealthCheckFunc(ctx)
}

// CallCount returns how many times method was called
func (m *Provider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *Provider) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}
