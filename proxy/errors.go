package proxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/mcp-registry-gateway/dcr"
	"github.com/giantswarm/mcp-registry-gateway/pkce"
	"github.com/giantswarm/mcp-registry-gateway/roles"
	"github.com/giantswarm/mcp-registry-gateway/tokensync"
)

// Kind classifies a flow failure
type Kind string

// Failure kinds
const (
	KindUnknownClient     Kind = "unknown_client"
	KindInvalidRequest    Kind = "invalid_request"
	KindStateMismatch     Kind = "state_mismatch"
	KindFlowExpired       Kind = "flow_expired"
	KindUpstreamDenied    Kind = "upstream_denied"
	KindUpstreamExchange  Kind = "upstream_exchange"
	KindUnmappableRole    Kind = "unmappable_role"
	KindUnprovisionedRole Kind = "unprovisioned_role"
	KindPKCEValidation    Kind = "pkce_validation"
	KindGrantInvalid      Kind = "grant_invalid"
	KindRefreshConflict   Kind = "refresh_conflict"
	KindUpstreamRefresh   Kind = "upstream_refresh"
	KindInternal          Kind = "internal"
)

// FlowError is returned by every failing operation of the Machine
type FlowError struct {
	Kind   Kind
	FlowID string

	// State is the state the flow was in when it failed
	State State

	// Description is safe to show to the client
	Description string

	// RedirectURI and ClientState are set once the client's redirect URI has been
	// verified, so the error can be delivered to the client by redirect
	RedirectURI string
	ClientState string

	Err error
}

func (e *FlowError) Error() string {
	msg := fmt.Sprintf("request failed: %s", e.Kind)
	if e.FlowID != "" {
		msg = fmt.Sprintf("flow %s failed in %s: %s", e.FlowID, e.State, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// StateMismatchError is returned when an upstream callback carries a state that
// names no live flow (unknown, already consumed or forged)
type StateMismatchError struct{}

func (e *StateMismatchError) Error() string {
	return "upstream state does not match any pending flow"
}

// FlowExpiredError is returned when a flow is resumed after its expiry
type FlowExpiredError struct {
	FlowID    string
	ExpiredAt time.Time
}

func (e *FlowExpiredError) Error() string {
	return fmt.Sprintf("flow %s expired at %s", e.FlowID, e.ExpiredAt.Format(time.RFC3339))
}

// ErrGrantInvalid is returned for unknown, used, expired or mismatched downstream
// authorization codes
var ErrGrantInvalid = errors.New("authorization grant is invalid")

// KindOf maps any error returned by this module's components to a Kind
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		flowErr       *FlowError
		unknownClient *dcr.UnknownClientError
		metadataErr   *dcr.MetadataError
		stateMismatch *StateMismatchError
		flowExpired   *FlowExpiredError
		unmappable    *roles.UnmappableRoleError
		unprovisioned *roles.UnprovisionedRoleError
		pkceErr       *pkce.ValidationError
		upstreamErr   *tokensync.UpstreamRefreshError
	)

	switch {
	case errors.As(err, &flowErr):
		return flowErr.Kind
	case errors.As(err, &unknownClient), errors.Is(err, dcr.ErrInvalidClientSecret):
		return KindUnknownClient
	case errors.As(err, &metadataErr):
		return KindInvalidRequest
	case errors.As(err, &stateMismatch):
		return KindStateMismatch
	case errors.As(err, &flowExpired):
		return KindFlowExpired
	case errors.As(err, &unmappable):
		return KindUnmappableRole
	case errors.As(err, &unprovisioned):
		return KindUnprovisionedRole
	case errors.As(err, &pkceErr):
		return KindPKCEValidation
	case errors.Is(err, tokensync.ErrRefreshConflict):
		return KindRefreshConflict
	case errors.As(err, &upstreamErr):
		return KindUpstreamRefresh
	case errors.Is(err, ErrGrantInvalid),
		errors.Is(err, tokensync.ErrInvalidToken),
		errors.Is(err, tokensync.ErrSessionNotFound),
		errors.Is(err, tokensync.ErrSessionExpired):
		return KindGrantInvalid
	default:
		return KindInternal
	}
}
