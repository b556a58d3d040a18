package tokensync

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// MinSigningKeyLength is the minimum HS256 key size in bytes
const MinSigningKeyLength = 32

// AccessClaims are the claims of a backend access token. Every token names the
// session, its canonical role and the generation it was minted for.
type AccessClaims struct {
	jwt.RegisteredClaims

	SessionID  string `json:"sid"`
	ClientID   string `json:"client_id"`
	Role       string `json:"role"`
	Generation uint64 `json:"gen"`
}

// Minter signs and verifies backend access tokens
type Minter struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewMinter creates an HS256 minter. Tokens carry iss=issuer and aud=audience.
func NewMinter(key []byte, issuer, audience string) (*Minter, error) {
	if len(key) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyLength, len(key))
	}
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if audience == "" {
		audience = issuer
	}
	return &Minter{
		key:      append([]byte(nil), key...),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source used to validate expiry
func (m *Minter) SetClock(now func() time.Time) {
	m.now = now
}

// Mint signs an access token for the session at its current generation
func (m *Minter) Mint(s *storage.Session, issuedAt, expiresAt time.Time) (string, error) {
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   s.Subject,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID:  s.ID,
		ClientID:   s.ClientID,
		Role:       s.Role,
		Generation: s.Generation,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, issuer, audience and expiry of an access token
func (m *Minter) Parse(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrInvalidToken)
	}
	return claims, nil
}

// newOpaqueToken returns "<sessionID>.<32 random bytes, base64url>"
func newOpaqueToken(sessionID string) string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return sessionID + "." + base64.RawURLEncoding.EncodeToString(b)
}

// sessionIDOf extracts the session ID prefix of an opaque token
func sessionIDOf(token string) (string, bool) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
