package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/mcp-registry-gateway/dcr"
	"github.com/giantswarm/mcp-registry-gateway/proxy"
	"github.com/giantswarm/mcp-registry-gateway/roles"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

func TestErrorFromFlow(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "unknown client",
			err:        &proxy.FlowError{Kind: proxy.KindUnknownClient},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "state mismatch",
			err:        &proxy.FlowError{Kind: proxy.KindStateMismatch},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "upstream denied",
			err:        &proxy.FlowError{Kind: proxy.KindUpstreamDenied},
			wantCode:   ErrorCodeAccessDenied,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "unprovisioned role",
			err:        fmt.Errorf("callback: %w", &roles.UnprovisionedRoleError{Role: roles.Publisher}),
			wantCode:   ErrorCodeAccessDenied,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "pkce",
			err:        &proxy.FlowError{Kind: proxy.KindPKCEValidation},
			wantCode:   ErrorCodeInvalidGrant,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "refresh conflict",
			err:        fmt.Errorf("refresh: %w", tokensync.ErrRefreshConflict),
			wantCode:   ErrorCodeTemporarilyUnavailable,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "upstream exchange",
			err:        &proxy.FlowError{Kind: proxy.KindUpstreamExchange},
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "client metadata",
			err:        &dcr.MetadataError{Code: dcr.ErrorCodeInvalidClientMetadata, Description: "bad"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "oauth error passes through",
			err:        fmt.Errorf("wrapped: %w", ErrUnsupportedGrantType("nope")),
			wantCode:   ErrorCodeUnsupportedGrantType,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unclassified",
			err:        errors.New("disk on fire"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ErrorFromFlow(tt.err)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantStatus, got.Status)
		})
	}
}

func TestErrorFromFlow_HidesInternals(t *testing.T) {
	got := ErrorFromFlow(fmt.Errorf("dial tcp 10.0.0.7:6379: connection refused"))
	assert.Equal(t, "internal error", got.Description)

	got = ErrorFromFlow(&proxy.FlowError{
		Kind:        proxy.KindUpstreamExchange,
		Description: "upstream code exchange failed",
		Err:         errors.New("token endpoint returned 500 with secret body"),
	})
	assert.Equal(t, "upstream code exchange failed", got.Description)
}

func TestOAuthError_Error(t *testing.T) {
	assert.Equal(t, "invalid_grant: code expired", ErrInvalidGrant("code expired").Error())
}
