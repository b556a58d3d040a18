package providers

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrInvalidGrant marks an upstream rejection of a code or refresh token that will not
// succeed on retry (for example a refresh token already rotated away)
var ErrInvalidGrant = errors.New("upstream rejected grant")

// Provider is the upstream identity provider
type Provider interface {
	// Name returns the provider name used in logs and metrics
	Name() string

	// AuthorizationURL returns the upstream authorization URL for the gateway's own
	// state value and S256 challenge
	AuthorizationURL(state, codeChallenge string) string

	// ExchangeCode redeems an upstream authorization code with the gateway's verifier
	// and returns the verified identity payload with the token pair
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Identity, error)

	// RefreshToken exchanges an upstream refresh token for a new token pair.
	// Permanent rejections wrap ErrInvalidGrant.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider; providers without a revocation
	// endpoint return nil
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies the provider is reachable
	HealthCheck(ctx context.Context) error
}

// Identity is the verified result of an upstream code exchange
type Identity struct {
	// Subject is the stable upstream user identifier ("sub")
	Subject string

	// Email is the user's email, if released
	Email string

	// Claims is the full verified claim set, the input of role normalization
	Claims map[string]any

	// Token is the upstream access/refresh token pair
	Token *oauth2.Token
}
