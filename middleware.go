package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-registry-gateway/roles"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

// RequireAuth validates the backend access token of a request and passes the
// caller to next via the request context. It never refreshes: a token of a
// previous generation is rejected and the client must use its refresh token.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			h.writeError(w, ErrInvalidToken("missing bearer token"))
			return
		}

		session, _, err := h.server.Sessions.ValidateAccessToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, tokensync.ErrInvalidToken) {
				h.writeError(w, ErrInvalidToken("invalid or expired access token"))
				return
			}
			h.logError(r, "Access token validation failed", err)
			h.writeError(w, ErrServerError("token validation failed"))
			return
		}

		info := &SessionInfo{
			SessionID:   session.ID,
			Subject:     session.Subject,
			Email:       session.Email,
			ClientID:    session.ClientID,
			Role:        session.Role,
			Permissions: h.server.Policy.Permissions(roles.Role(session.Role)),
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSessionInfo(r.Context(), info)))
	})
}

// RequireRole rejects callers whose role is below minimum. It must run after
// RequireAuth.
func (h *Handler) RequireRole(minimum roles.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := SessionInfoFromContext(r.Context())
			if !ok {
				h.writeError(w, ErrInvalidToken("missing bearer token"))
				return
			}
			role := roles.Role(info.Role)
			if role != minimum && !role.Outranks(minimum) {
				h.writeError(w, NewOAuthError("insufficient_scope",
					fmt.Sprintf("role %q is required", minimum), http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// formatWWWAuthenticate builds an RFC 6750 challenge
func formatWWWAuthenticate(code, description string) string {
	description = strings.ReplaceAll(description, `"`, `'`)
	return fmt.Sprintf(`Bearer realm="mcp-registry-gateway", error=%q, error_description=%q`, code, description)
}
