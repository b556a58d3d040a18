package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Upstream client credential accepted by the fake identity provider
const (
	UpstreamClientID     = "registry-gateway"
	UpstreamClientSecret = "upstream-secret"
	upstreamKeyID        = "test-key"
)

// Upstream is a fake OpenID Connect provider on a TLS httptest server.
// It enforces S256 PKCE on code redemption and rotates refresh tokens.
type Upstream struct {
	Server *httptest.Server

	key *rsa.PrivateKey

	mu              sync.Mutex
	claims          map[string]any
	codes           map[string]string // code -> challenge
	refreshTokens   map[string]bool
	revoked         []string
	refreshCalls    int
	noRevocation    bool
	revokeFailures  int
	accessTokenTTL  time.Duration
	lastAuthRequest url.Values
}

// NewUpstream starts a fake provider. It is closed when the test ends.
func NewUpstream(t testing.TB) *Upstream {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	u := &Upstream{
		key:            key,
		claims:         map[string]any{"email": "user@example.com", "roles": []string{"developer"}},
		codes:          make(map[string]string),
		refreshTokens:  make(map[string]bool),
		accessTokenTTL: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", u.handleDiscovery)
	mux.HandleFunc("/keys", u.handleKeys)
	mux.HandleFunc("/auth", u.handleAuthorize)
	mux.HandleFunc("/token", u.handleToken)
	mux.HandleFunc("/revoke", u.handleRevoke)

	u.Server = httptest.NewTLSServer(mux)
	t.Cleanup(u.Server.Close)
	return u
}

// URL returns the issuer URL
func (u *Upstream) URL() string {
	return u.Server.URL
}

// Client returns an HTTP client trusting the server certificate
func (u *Upstream) Client() *http.Client {
	return u.Server.Client()
}

// SetClaims replaces the extra claims placed in subsequently issued ID tokens.
// "sub" defaults to "user-1" when not given.
func (u *Upstream) SetClaims(claims map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.claims = claims
}

// DisableRevocation removes revocation_endpoint from discovery
func (u *Upstream) DisableRevocation() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.noRevocation = true
}

// FailRevocations makes the next n revocation requests answer 503
func (u *Upstream) FailRevocations(n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.revokeFailures = n
}

// SetAccessTokenTTL sets expires_in of issued access tokens
func (u *Upstream) SetAccessTokenTTL(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.accessTokenTTL = d
}

// IssueCode simulates a completed user login bound to challenge and returns the code
func (u *Upstream) IssueCode(challenge string) string {
	code := RandomString(16)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.codes[code] = challenge
	return code
}

// IssueRefreshToken registers a valid refresh token
func (u *Upstream) IssueRefreshToken() string {
	rt := RandomString(24)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.refreshTokens[rt] = true
	return rt
}

// InvalidateRefreshToken makes rt answer invalid_grant
func (u *Upstream) InvalidateRefreshToken(rt string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.refreshTokens, rt)
}

// Revoked returns the tokens received on the revocation endpoint
func (u *Upstream) Revoked() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.revoked...)
}

// RefreshCalls returns the number of refresh_token grants served
func (u *Upstream) RefreshCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.refreshCalls
}

// LastAuthorizeRequest returns the query of the last /auth request
func (u *Upstream) LastAuthorizeRequest() url.Values {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastAuthRequest
}

func (u *Upstream) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	u.mu.Lock()
	noRevocation := u.noRevocation
	u.mu.Unlock()

	doc := map[string]any{
		"issuer":                                u.URL(),
		"authorization_endpoint":                u.URL() + "/auth",
		"token_endpoint":                        u.URL() + "/token",
		"jwks_uri":                              u.URL() + "/keys",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
	}
	if !noRevocation {
		doc["revocation_endpoint"] = u.URL() + "/revoke"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (u *Upstream) handleKeys(w http.ResponseWriter, _ *http.Request) {
	pub := u.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": upstreamKeyID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

// handleAuthorize logs the user in immediately and redirects back with a code
func (u *Upstream) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u.mu.Lock()
	u.lastAuthRequest = q
	u.mu.Unlock()

	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "PKCE required", http.StatusBadRequest)
		return
	}

	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	params := redirect.Query()
	params.Set("code", u.IssueCode(q.Get("code_challenge")))
	params.Set("state", q.Get("state"))
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (u *Upstream) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !u.authenticated(r) {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		u.mu.Lock()
		challenge, ok := u.codes[r.PostForm.Get("code")]
		delete(u.codes, r.PostForm.Get("code"))
		u.mu.Unlock()

		if !ok || s256(r.PostForm.Get("code_verifier")) != challenge {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		u.writeTokens(w, true)

	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		u.mu.Lock()
		u.refreshCalls++
		ok := u.refreshTokens[rt]
		delete(u.refreshTokens, rt)
		u.mu.Unlock()

		if !ok {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		u.writeTokens(w, false)

	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (u *Upstream) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || !u.authenticated(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.revokeFailures > 0 {
		u.revokeFailures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	token := r.PostForm.Get("token")
	u.revoked = append(u.revoked, token)
	delete(u.refreshTokens, token)
	w.WriteHeader(http.StatusOK)
}

func (u *Upstream) authenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return id == UpstreamClientID && secret == UpstreamClientSecret
}

func (u *Upstream) writeTokens(w http.ResponseWriter, withIDToken bool) {
	rt := u.IssueRefreshToken()

	u.mu.Lock()
	ttl := u.accessTokenTTL
	claims := jwt.MapClaims{
		"iss": u.URL(),
		"sub": "user-1",
		"aud": UpstreamClientID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range u.claims {
		claims[k] = v
	}
	u.mu.Unlock()

	resp := map[string]any{
		"access_token":  RandomString(24),
		"token_type":    "Bearer",
		"expires_in":    int(ttl.Seconds()),
		"refresh_token": rt,
	}
	if withIDToken {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = upstreamKeyID
		signed, err := token.SignedString(u.key)
		if err != nil {
			tokenError(w, http.StatusInternalServerError, "server_error")
			return
		}
		resp["id_token"] = signed
	}
	writeJSON(w, http.StatusOK, resp)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func tokenError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
