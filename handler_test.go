package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-registry-gateway/internal/testutil"
	"github.com/giantswarm/mcp-registry-gateway/pkce"
	"github.com/giantswarm/mcp-registry-gateway/proxy"
	"github.com/giantswarm/mcp-registry-gateway/providers/oidc"
	"github.com/giantswarm/mcp-registry-gateway/roles"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/storage/memory"
	"github.com/giantswarm/mcp-registry-gateway/storage/mock"
)

const (
	testIssuer      = "https://gateway.example.com"
	testSigningKey  = "0123456789abcdef0123456789abcdef"
	testRedirectURI = "http://127.0.0.1:33418/callback"
	testClientState = "client-state-xyz"
)

type testGateway struct {
	handler  *Handler
	routes   http.Handler
	server   *Server
	upstream *testutil.Upstream
}

func testConfig() *Config {
	return &Config{
		Issuer: testIssuer,
		Upstream: UpstreamConfig{
			ClientID:     testutil.UpstreamClientID,
			ClientSecret: testutil.UpstreamClientSecret,
		},
		Security: SecurityConfig{
			SigningKey: []byte(testSigningKey),
			BcryptCost: bcrypt.MinCost,
		},
		Logger: slog.New(slog.DiscardHandler),
	}
}

func newTestGateway(t *testing.T, mutate ...func(*Config)) *testGateway {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	return newTestGatewayOn(t, store, mutate...)
}

func newTestGatewayOn(t *testing.T, store storage.Store, mutate ...func(*Config)) *testGateway {
	t.Helper()

	upstream := testutil.NewUpstream(t)

	provider, err := oidc.NewTestProvider(context.Background(), &oidc.Config{
		IssuerURL:    upstream.URL(),
		ClientID:     testutil.UpstreamClientID,
		ClientSecret: testutil.UpstreamClientSecret,
		RedirectURL:  testIssuer + PathCallback,
		HTTPClient:   upstream.Client(),
	})
	require.NoError(t, err)

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}
	srv, err := NewServer(cfg, store, provider, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	h := NewHandler(srv)
	return &testGateway{handler: h, routes: h.Routes(), server: srv, upstream: upstream}
}

func (g *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.routes.ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) get(target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return g.do(req)
}

func (g *testGateway) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return g.do(req)
}

func (g *testGateway) register(t *testing.T) ClientRegistrationResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"redirect_uris":              []string{testRedirectURI},
		"token_endpoint_auth_method": "none",
		"client_name":                "registry cli",
	})
	require.NoError(t, err)

	rec := g.do(httptest.NewRequest(http.MethodPost, PathRegister, bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ClientRegistrationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func authorizeURL(clientID string, pair pkce.Pair) string {
	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"state":                 {testClientState},
		"code_challenge":        {pair.Challenge},
		"code_challenge_method": {pkce.MethodS256},
	}
	return PathAuthorize + "?" + q.Encode()
}

// login walks a browser through authorize, the upstream login and the callback.
// It returns the downstream code and the frontend session cookie.
func (g *testGateway) login(t *testing.T, clientID string, pair pkce.Pair) (string, *http.Cookie) {
	t.Helper()

	rec := g.get(authorizeURL(clientID, pair))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	upstreamURL := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(upstreamURL, g.upstream.URL()), upstreamURL)

	browser := *g.upstream.Client()
	browser.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := browser.Get(upstreamURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	callback, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, PathCallback, callback.Path)

	rec = g.get(PathCallback + "?" + callback.RawQuery)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	back, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:33418", back.Host)
	assert.Equal(t, testClientState, back.Query().Get("state"))
	code := back.Query().Get("code")
	require.NotEmpty(t, code)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == DefaultCookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie not set")
	return code, cookie
}

func (g *testGateway) exchange(clientID, code, verifier string) *httptest.ResponseRecorder {
	return g.postForm(PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) proxy.TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tokens proxy.TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tokens))
	return tokens
}

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp["error"]
}

// whoami is a protected resource echoing the caller
func (g *testGateway) whoami(token string, minimum roles.Role) *httptest.ResponseRecorder {
	protected := g.handler.RequireAuth(g.handler.RequireRole(minimum)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := SessionInfoFromContext(r.Context())
		_ = json.NewEncoder(w).Encode(info)
	})))
	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	return rec
}

func newPair(t *testing.T) pkce.Pair {
	t.Helper()
	pair, err := pkce.CreateChallenge()
	require.NoError(t, err)
	return pair
}

func TestHandler_AuthorizationServerMetadata(t *testing.T) {
	g := newTestGateway(t)

	rec := g.get(PathAuthServerMetadata)
	require.Equal(t, http.StatusOK, rec.Code)

	var md AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&md))
	assert.Equal(t, testIssuer, md.Issuer)
	assert.Equal(t, testIssuer+PathAuthorize, md.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+PathToken, md.TokenEndpoint)
	assert.Equal(t, testIssuer+PathRegister, md.RegistrationEndpoint)
	assert.Equal(t, []string{"S256"}, md.CodeChallengeMethodsSupported)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHandler_ClientRegistration(t *testing.T) {
	g := newTestGateway(t)

	client := g.register(t)
	assert.NotEmpty(t, client.ClientID)
	assert.Empty(t, client.ClientSecret, "public clients get no secret")
	assert.Equal(t, []string{testRedirectURI}, client.RedirectURIs)

	t.Run("missing redirect uris", func(t *testing.T) {
		rec := g.do(httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader(`{"client_name":"x"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_redirect_uri", decodeError(t, rec.Body))
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := g.do(httptest.NewRequest(http.MethodPost, PathRegister, strings.NewReader(`{`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_client_metadata", decodeError(t, rec.Body))
	})
}

func TestHandler_FullFlow(t *testing.T) {
	g := newTestGateway(t)
	client := g.register(t)
	pair := newPair(t)

	code, cookie := g.login(t, client.ClientID, pair)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	tokens := decodeTokens(t, g.exchange(client.ClientID, code, pair.Verifier))
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Positive(t, tokens.ExpiresIn)

	// the protected resource sees the normalized role
	rec := g.whoami(tokens.AccessToken, roles.Viewer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "developer", info.Role)
	assert.Equal(t, "user-1", info.Subject)
	assert.Equal(t, client.ClientID, info.ClientID)

	// the frontend cookie describes the same session
	rec = g.get(PathSession, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var session SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&session))
	assert.Equal(t, "user-1", session.Subject)
	assert.Equal(t, "user@example.com", session.Email)
	assert.Equal(t, "developer", session.Role)
	renewed := rec.Result().Cookies()
	require.Len(t, renewed, 1)
	assert.Equal(t, cookie.Value, renewed[0].Value, "no refresh was due")

	// refresh rotates the whole triple and retires the old access token
	refreshed := decodeTokens(t, g.postForm(PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {client.ClientID},
		"refresh_token": {tokens.RefreshToken},
	}))
	assert.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, tokens.RefreshToken, refreshed.RefreshToken)
	assert.Equal(t, http.StatusUnauthorized, g.whoami(tokens.AccessToken, roles.Viewer).Code)
	assert.Equal(t, http.StatusOK, g.whoami(refreshed.AccessToken, roles.Viewer).Code)
	assert.Equal(t, http.StatusUnauthorized, g.get(PathSession, cookie).Code, "refresh rotates the frontend token too")

	// revocation ends the session everywhere
	rec = g.postForm(PathRevoke, url.Values{
		"client_id": {client.ClientID},
		"token":     {refreshed.RefreshToken},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusUnauthorized, g.whoami(refreshed.AccessToken, roles.Viewer).Code)
	assert.Equal(t, http.StatusUnauthorized, g.get(PathSession, cookie).Code)
}

func TestHandler_AuthorizeErrors(t *testing.T) {
	g := newTestGateway(t)
	client := g.register(t)

	t.Run("unknown client is not redirected", func(t *testing.T) {
		rec := g.get(authorizeURL("no-such-client", newPair(t)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Header().Get("Location"))
		assert.Equal(t, "invalid_client", decodeError(t, rec.Body))
	})

	t.Run("unregistered redirect uri is not redirected", func(t *testing.T) {
		target := strings.Replace(authorizeURL(client.ClientID, newPair(t)), url.QueryEscape(testRedirectURI), url.QueryEscape("https://evil.example.com/cb"), 1)
		rec := g.get(target)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, rec.Header().Get("Location"))
	})

	t.Run("plain challenge is redirected", func(t *testing.T) {
		target := strings.Replace(authorizeURL(client.ClientID, newPair(t)), "code_challenge_method=S256", "code_challenge_method=plain", 1)
		rec := g.get(target)
		require.Equal(t, http.StatusFound, rec.Code)

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:33418", loc.Host)
		assert.Equal(t, "invalid_request", loc.Query().Get("error"))
		assert.Equal(t, testClientState, loc.Query().Get("state"))
	})
}

func TestHandler_CallbackForgedState(t *testing.T) {
	g := newTestGateway(t)

	rec := g.get(PathCallback + "?state=forged&code=anything")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Equal(t, "invalid_request", decodeError(t, rec.Body))
	assert.Empty(t, rec.Result().Cookies())
}

func TestHandler_TokenErrors(t *testing.T) {
	g := newTestGateway(t)
	client := g.register(t)

	t.Run("unsupported grant type", func(t *testing.T) {
		rec := g.postForm(PathToken, url.Values{"grant_type": {"password"}, "client_id": {client.ClientID}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unsupported_grant_type", decodeError(t, rec.Body))
	})

	t.Run("unknown client", func(t *testing.T) {
		rec := g.exchange("no-such-client", "code", "verifier")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_client"`)
	})

	t.Run("code replay", func(t *testing.T) {
		pair := newPair(t)
		code, _ := g.login(t, client.ClientID, pair)
		decodeTokens(t, g.exchange(client.ClientID, code, pair.Verifier))

		rec := g.exchange(client.ClientID, code, pair.Verifier)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_grant", decodeError(t, rec.Body))
	})

	t.Run("wrong verifier ends the session", func(t *testing.T) {
		pair := newPair(t)
		code, cookie := g.login(t, client.ClientID, pair)

		rec := g.exchange(client.ClientID, code, newPair(t).Verifier)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_grant", decodeError(t, rec.Body))
		assert.Equal(t, http.StatusUnauthorized, g.get(PathSession, cookie).Code)
	})
}

func TestHandler_Logout(t *testing.T) {
	g := newTestGateway(t)
	client := g.register(t)
	pair := newPair(t)

	code, cookie := g.login(t, client.ClientID, pair)
	tokens := decodeTokens(t, g.exchange(client.ClientID, code, pair.Verifier))

	req := httptest.NewRequest(http.MethodPost, PathLogout, nil)
	req.AddCookie(cookie)
	rec := g.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Negative(t, cleared[0].MaxAge)

	assert.Equal(t, http.StatusUnauthorized, g.get(PathSession, cookie).Code)
	assert.Equal(t, http.StatusUnauthorized, g.whoami(tokens.AccessToken, roles.Viewer).Code)
}

func TestHandler_SessionRenewsCookie(t *testing.T) {
	// access tokens inside the refresh skew make every session lookup refresh
	g := newTestGateway(t, func(c *Config) { c.Session.AccessTokenTTL = 30 * time.Second })
	client := g.register(t)

	_, cookie := g.login(t, client.ClientID, newPair(t))

	rec := g.get(PathSession, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	renewed := rec.Result().Cookies()
	require.Len(t, renewed, 1)
	assert.NotEqual(t, cookie.Value, renewed[0].Value)
	assert.Equal(t, 1, g.upstream.RefreshCalls())

	assert.Equal(t, http.StatusUnauthorized, g.get(PathSession, cookie).Code, "previous frontend token is retired")
	assert.Equal(t, http.StatusOK, g.get(PathSession, renewed[0]).Code)
}

func TestHandler_RequireAuth(t *testing.T) {
	g := newTestGateway(t)
	client := g.register(t)
	pair := newPair(t)
	code, _ := g.login(t, client.ClientID, pair)
	tokens := decodeTokens(t, g.exchange(client.ClientID, code, pair.Verifier))

	tests := []struct {
		name    string
		token   string
		minimum roles.Role
		want    int
	}{
		{name: "no token", token: "", minimum: roles.Viewer, want: http.StatusUnauthorized},
		{name: "garbage token", token: "not-a-jwt", minimum: roles.Viewer, want: http.StatusUnauthorized},
		{name: "exact role", token: tokens.AccessToken, minimum: roles.Developer, want: http.StatusOK},
		{name: "lower role", token: tokens.AccessToken, minimum: roles.Auditor, want: http.StatusOK},
		{name: "higher role", token: tokens.AccessToken, minimum: roles.Admin, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.whoami(tt.token, tt.minimum)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.True(t, strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer "))
			}
		})
	}
}

func TestHandler_RateLimit(t *testing.T) {
	g := newTestGateway(t, func(c *Config) {
		c.RateLimit.AuthorizeRate = 0.001
		c.RateLimit.AuthorizeBurst = 1
	})

	target := authorizeURL("no-such-client", newPair(t))
	assert.Equal(t, http.StatusUnauthorized, g.get(target).Code)

	rec := g.get(target)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, rec.Body))
}

func TestHandler_Health(t *testing.T) {
	g := newTestGateway(t)

	assert.Equal(t, http.StatusOK, g.get(PathHealthz).Code)
	assert.Equal(t, http.StatusOK, g.get(PathReadyz).Code)

	g.upstream.Server.Close()
	assert.Equal(t, http.StatusServiceUnavailable, g.get(PathReadyz).Code)
}

func TestHandler_StorageFailure(t *testing.T) {
	backend := memory.New()
	t.Cleanup(backend.Stop)
	store := mock.New(backend)
	g := newTestGatewayOn(t, store)

	client := g.register(t)
	pair := newPair(t)
	code, _ := g.login(t, client.ClientID, pair)
	tokens := decodeTokens(t, g.exchange(client.ClientID, code, pair.Verifier))

	outage := errors.New("dial tcp 10.0.0.7:6379: connection refused")
	store.SaveClientFunc = func(context.Context, *storage.Client) error { return outage }
	store.GetSessionFunc = func(context.Context, string) (*storage.Session, error) { return nil, outage }

	body := strings.NewReader(`{"redirect_uris":["` + testRedirectURI + `"]}`)
	rec := g.do(httptest.NewRequest(http.MethodPost, PathRegister, body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.7")

	rec = g.whoami(tokens.AccessToken, roles.Viewer)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "a store outage is not an invalid token")
	assert.Positive(t, store.Calls("GetSession"))
}
