package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/giantswarm/mcp-registry-gateway/dcr"
	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/pkce"
	"github.com/giantswarm/mcp-registry-gateway/proxy"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

// Handler is a thin HTTP adapter for the gateway Server.
// It parses requests and delegates to the Server's components.
type Handler struct {
	server     *Server
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	ipResolver security.ClientIPResolver
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server) *Handler {
	h := &Handler{
		server: server,
		logger: server.Logger,
		ipResolver: security.ClientIPResolver{
			TrustProxy:        server.Config.RateLimit.TrustProxy,
			TrustedProxyCount: server.Config.RateLimit.TrustedProxyCount,
		},
	}
	if server.Instrumentation != nil {
		h.metrics = server.Instrumentation.Metrics()
	}
	return h
}

// Routes returns a router with every gateway endpoint registered
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(security.HeadersMiddleware(h.server.Config.Issuer))
	r.Use(h.metricsMiddleware)

	h.WellKnownRoutes(r)
	h.OAuthRoutes(r)

	r.Get(PathHealthz, h.ServeHealthz)
	r.Get(PathReadyz, h.ServeReadyz)
	if h.server.Instrumentation != nil {
		r.Handle(PathMetrics, h.server.Instrumentation.MetricsHandler())
	}
	return r
}

// WellKnownRoutes registers the discovery endpoints on r
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(PathAuthServerMetadata, h.ServeAuthorizationServerMetadata)
}

// OAuthRoutes registers the OAuth endpoints on r
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Post(PathRegister, h.ServeClientRegistration)
	r.Get(PathAuthorize, h.ServeAuthorization)
	r.Get(PathCallback, h.ServeCallback)
	r.Post(PathToken, h.ServeToken)
	r.Post(PathRevoke, h.ServeTokenRevocation)
	r.Post(PathLogout, h.ServeLogout)
	r.Get(PathSession, h.ServeSession)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	cfg := h.server.Config
	authMethods := []string{dcr.AuthMethodNone, dcr.AuthMethodBasic, dcr.AuthMethodPost}

	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                                 cfg.Issuer,
		AuthorizationEndpoint:                  cfg.endpoint(PathAuthorize),
		TokenEndpoint:                          cfg.endpoint(PathToken),
		RegistrationEndpoint:                   cfg.endpoint(PathRegister),
		RevocationEndpoint:                     cfg.endpoint(PathRevoke),
		ResponseTypesSupported:                 []string{"code"},
		GrantTypesSupported:                    []string{grantTypeAuthorizationCode, grantTypeRefreshToken},
		CodeChallengeMethodsSupported:          []string{pkce.MethodS256},
		TokenEndpointAuthMethodsSupported:      authMethods,
		RevocationEndpointAuthMethodsSupported: authMethods,
	})
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.ipResolver.Resolve(r)
	if !h.allow(r.Context(), h.server.registrationLimiter, "registration", clientIP) {
		h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "too many registration requests", http.StatusTooManyRequests))
		return
	}

	var md dcr.Metadata
	body := http.MaxBytesReader(w, r.Body, h.server.Config.Security.MaxRequestBytes)
	if err := json.NewDecoder(body).Decode(&md); err != nil {
		h.writeError(w, NewOAuthError(dcr.ErrorCodeInvalidClientMetadata, "request body is not a valid client metadata document", http.StatusBadRequest))
		return
	}

	client, err := h.server.Clients.Register(r.Context(), md, clientIP)
	if err != nil {
		var metadataErr *dcr.MetadataError
		if errors.As(err, &metadataErr) {
			h.writeError(w, NewOAuthError(metadataErr.Code, metadataErr.Description, http.StatusBadRequest))
			return
		}
		h.logError(r, "Client registration failed", err)
		h.writeError(w, ErrServerError("registration failed"))
		return
	}

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.IssuedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{"code"},
		Scope:                   client.Scope,
	})
}

// ServeAuthorization starts a proxied authorization flow and redirects to the
// upstream identity provider
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	clientIP := h.ipResolver.Resolve(r)
	if !h.allow(r.Context(), h.server.authorizeLimiter, "authorize", clientIP) {
		h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "too many authorization requests", http.StatusTooManyRequests))
		return
	}

	q := r.URL.Query()
	resp, err := h.server.Machine.Authorize(r.Context(), proxy.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		IPAddress:           clientIP,
	})
	if err != nil {
		h.failFlow(w, r, err)
		return
	}
	http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
}

// ServeCallback handles the upstream redirect, sets the frontend session cookie and
// redirects back to the client with a downstream authorization code
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp, err := h.server.Machine.Callback(r.Context(), proxy.CallbackRequest{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		CurrentSessionID: h.currentSessionID(r),
		IPAddress:        h.ipResolver.Resolve(r),
	})
	if err != nil {
		h.failFlow(w, r, err)
		return
	}

	h.setSessionCookie(w, resp.Session)
	http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	clientID, clientSecret := clientCredentials(r)
	clientIP := h.ipResolver.Resolve(r)

	var (
		resp *proxy.TokenResponse
		err  error
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case grantTypeAuthorizationCode:
		resp, err = h.server.Machine.Exchange(r.Context(), proxy.ExchangeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
			IPAddress:    clientIP,
		})
	case grantTypeRefreshToken:
		resp, err = h.server.Machine.Refresh(r.Context(), proxy.RefreshRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: r.PostFormValue("refresh_token"),
			IPAddress:    clientIP,
		})
	default:
		h.writeError(w, ErrUnsupportedGrantType("grant_type must be authorization_code or refresh_token"))
		return
	}
	if err != nil {
		h.writeFlowError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	clientID, clientSecret := clientCredentials(r)

	err := h.server.Machine.Revoke(r.Context(), proxy.RevokeRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Token:        r.PostFormValue("token"),
		IPAddress:    h.ipResolver.Resolve(r),
	})
	if err != nil {
		h.writeFlowError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeLogout revokes the session behind the frontend cookie and clears it
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if id := h.currentSessionID(r); id != "" {
		err := h.server.Sessions.RevokeWithReason(r.Context(), id, tokensync.ReasonLogout)
		if err != nil && !errors.Is(err, tokensync.ErrSessionNotFound) {
			h.logError(r, "Logout failed", err)
			h.writeError(w, ErrServerError("logout failed"))
			return
		}
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// ServeSession describes the session behind the frontend cookie, refreshing its
// tokens first when they are about to expire. The cookie is re-set to the current
// frontend token.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	id := h.currentSessionID(r)
	if id == "" {
		h.writeError(w, ErrInvalidToken("no active session"))
		return
	}

	session, err := h.server.Sessions.EnsureFresh(r.Context(), id)
	if err != nil {
		var upErr *tokensync.UpstreamRefreshError
		if errors.Is(err, tokensync.ErrSessionNotFound) || errors.Is(err, tokensync.ErrSessionExpired) || errors.As(err, &upErr) {
			h.clearSessionCookie(w)
			h.writeError(w, ErrInvalidToken("session has ended"))
			return
		}
		h.writeFlowError(w, r, err)
		return
	}

	// a refresh rotated the frontend token
	h.setSessionCookie(w, session)
	h.writeJSON(w, http.StatusOK, SessionResponse{
		Subject:   session.Subject,
		Email:     session.Email,
		Role:      session.Role,
		ClientID:  session.ClientID,
		ExpiresAt: session.ExpiresAt,
	})
}

// ServeHealthz reports liveness
func (h *Handler) ServeHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// ServeReadyz reports whether the upstream identity provider is reachable
func (h *Handler) ServeReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.server.Provider.HealthCheck(ctx); err != nil {
		h.logger.Warn("Readiness check failed", "provider", h.server.Provider.Name(), "error", err)
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Helper methods

// currentSessionID resolves the frontend cookie to a live session ID, or ""
func (h *Handler) currentSessionID(r *http.Request) string {
	cookie, err := r.Cookie(h.server.Config.Session.CookieName)
	if err != nil || cookie.Value == "" {
		return ""
	}
	session, err := h.server.Sessions.ResolveFrontend(r.Context(), cookie.Value)
	if err != nil {
		return ""
	}
	return session.ID
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, session *storage.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.server.Config.Session.CookieName,
		Value:    session.Triple.Frontend.Value,
		Path:     "/",
		Expires:  session.Triple.Frontend.ExpiresAt,
		HttpOnly: true,
		Secure:   !h.server.Config.Session.InsecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.server.Config.Session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !h.server.Config.Session.InsecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientCredentials reads client credentials from HTTP Basic auth (RFC 6749
// Section 2.3.1, form-encoded) or, failing that, from the request body
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.server.Config.Security.MaxRequestBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("failed to parse request"))
		return false
	}
	return true
}

// allow applies limiter to ip. A nil limiter allows everything.
func (h *Handler) allow(ctx context.Context, limiter *security.RateLimiter, name, ip string) bool {
	if limiter == nil || limiter.Allow(ip) {
		return true
	}
	h.metrics.RecordRateLimitExceeded(ctx, name)
	h.server.Auditor.LogRateLimitExceeded(ip, name)
	return false
}

// failFlow reports a failed authorization or callback, by redirect to the client
// when its redirect URI was verified and directly otherwise
func (h *Handler) failFlow(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := ErrorFromFlow(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logError(r, "Authorization flow failed", err)
	}
	if target, ok := proxy.ErrorRedirect(err, oauthErr.Code, oauthErr.Description); ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	h.writeError(w, oauthErr)
}

func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := ErrorFromFlow(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logError(r, "Request failed", err)
	}
	h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(oauthErr.Code, oauthErr.Description))
	}
	h.writeJSON(w, oauthErr.Status, map[string]string{
		"error":             oauthErr.Code,
		"error_description": oauthErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) logError(r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"request_id", security.GetRequestID(r.Context()),
		"path", r.URL.Path,
		"error", err)
}

// metricsMiddleware records request counts and durations per route pattern
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	if h.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, status, float64(time.Since(start).Milliseconds()))
	})
}
