package security

// Event type constants for security audit logging.
const (
	// Proxy flow events

	// EventFlowTransition is logged for every state machine transition of a proxied flow
	EventFlowTransition = "flow_transition"

	// EventStateMismatch is logged when an upstream callback carries an unknown state (possible CSRF)
	EventStateMismatch = "state_mismatch"

	// EventFlowExpired is logged when a flow is resumed after its expiry
	EventFlowExpired = "flow_expired"

	// EventAuthorizationCodeIssued is logged when a downstream authorization code is minted
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeRedeemed is logged when a downstream authorization code is exchanged
	EventAuthorizationCodeRedeemed = "authorization_code_redeemed"

	// EventPKCEValidationFailed is logged when a verifier does not match its challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventUpstreamExchangeFailed is logged when the upstream code exchange fails
	EventUpstreamExchangeFailed = "upstream_exchange_failed"

	// Role events

	// EventRoleNormalized is logged when an identity payload maps to a canonical role
	EventRoleNormalized = "role_normalized"

	// EventRoleUnmappable is logged when no recognized claim shape yields a canonical role
	EventRoleUnmappable = "role_unmappable"

	// EventRoleUnprovisioned is logged when a canonical role is missing from the policy table
	EventRoleUnprovisioned = "role_unprovisioned"

	// Session events

	// EventSessionIssued is logged when a session and its token triple are created
	EventSessionIssued = "session_issued"

	// EventSessionRegenerated is logged when a role change replaces a session
	EventSessionRegenerated = "session_regenerated"

	// EventSessionRefreshed is logged when a token triple is refreshed
	EventSessionRefreshed = "session_refreshed"

	// EventRefreshConflict is logged when a concurrent refresh loses the race
	EventRefreshConflict = "refresh_conflict"

	// EventUpstreamRefreshFailed is logged when the upstream provider rejects a refresh
	EventUpstreamRefreshFailed = "upstream_refresh_failed" //nolint:gosec // G101: event type name, not a credential

	// EventSessionRevoked is logged when a session is destroyed
	EventSessionRevoked = "session_revoked"

	// EventUpstreamRevocationFailed is logged when upstream revocation fails after retries
	EventUpstreamRevocationFailed = "upstream_revocation_failed"

	// Client registration events

	// EventClientRegistered is logged when a downstream client registers dynamically
	EventClientRegistered = "client_registered"

	// EventClientRevoked is logged when a downstream registration is revoked
	EventClientRevoked = "client_revoked"

	// EventUnknownClient is logged when a request names a client that was never issued
	EventUnknownClient = "unknown_client"

	// EventClientAuthFailed is logged when a confidential client presents a wrong secret
	EventClientAuthFailed = "client_auth_failed"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
