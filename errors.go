package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-registry-gateway/dcr"
	"github.com/giantswarm/mcp-registry-gateway/proxy"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrBadGateway indicates the upstream identity provider failed
	ErrBadGateway = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusBadGateway)
	}

	// ErrTemporarilyUnavailable indicates a retryable conflict
	ErrTemporarilyUnavailable = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}
)

// kindErrors maps failure kinds to the OAuth error returned to clients
var kindErrors = map[proxy.Kind]func(string) *OAuthError{
	proxy.KindUnknownClient:     ErrInvalidClient,
	proxy.KindInvalidRequest:    ErrInvalidRequest,
	proxy.KindStateMismatch:     ErrInvalidRequest,
	proxy.KindFlowExpired:       ErrInvalidRequest,
	proxy.KindUpstreamDenied:    ErrAccessDenied,
	proxy.KindUnmappableRole:    ErrAccessDenied,
	proxy.KindUnprovisionedRole: ErrAccessDenied,
	proxy.KindPKCEValidation:    ErrInvalidGrant,
	proxy.KindGrantInvalid:      ErrInvalidGrant,
	proxy.KindRefreshConflict:   ErrTemporarilyUnavailable,
	proxy.KindUpstreamRefresh:   ErrInvalidGrant,
	proxy.KindUpstreamExchange:  ErrBadGateway,
}

// ErrorFromFlow converts any error of the gateway components to the OAuth error
// shown to the client. Internal details never reach the description.
func ErrorFromFlow(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	var metadataErr *dcr.MetadataError
	if errors.As(err, &metadataErr) {
		return ErrInvalidRequest(metadataErr.Description)
	}

	kind := proxy.KindOf(err)
	build, ok := kindErrors[kind]
	if !ok {
		return ErrServerError("internal error")
	}

	description := string(kind)
	var flowErr *proxy.FlowError
	if errors.As(err, &flowErr) && flowErr.Description != "" {
		description = flowErr.Description
	}
	return build(description)
}
