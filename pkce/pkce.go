// Package pkce implements S256 Proof Key for Code Exchange (RFC 7636) for both sides
// of the proxy.
//
// The gateway runs PKCE twice per flow. Downstream, it is the challenged party: it
// stores the client's challenge and later checks the client's verifier. Upstream, it
// is the challenger: it creates its own pair and presents the challenge to the
// identity provider. The two pairs are independent and must never be conflated.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"

	"golang.org/x/oauth2"
)

// MethodS256 is the only supported challenge method
const MethodS256 = "S256"

// Verifier and challenge lengths (RFC 7636 section 4.1)
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// ChallengeLength is the length of a base64url-encoded SHA-256 digest
	ChallengeLength = 43
)

// Sides of the proxy a PKCE check happens on
const (
	SideDownstream = "downstream"
	SideUpstream   = "upstream"
)

// verifierCharset is the unreserved character set of RFC 7636
var verifierCharset = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// Pair is a verifier with its derived challenge
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// ValidationError reports a PKCE failure on one side of the proxy
type ValidationError struct {
	Side   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pkce validation failed (%s): %s", e.Side, e.Reason)
}

// CreateChallenge returns a fresh verifier (32 random bytes, 43 characters) and its
// S256 challenge
func CreateChallenge() (Pair, error) {
	verifier := oauth2.GenerateVerifier()
	if len(verifier) < MinVerifierLength {
		return Pair{}, fmt.Errorf("generated verifier too short")
	}
	return Pair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    MethodS256,
	}, nil
}

// Challenge returns the S256 challenge of verifier
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether challenge is the S256 transform of verifier.
// The comparison runs in constant time.
func Verify(verifier, challenge string) bool {
	if !validVerifier(verifier) {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// VerifySide is Verify returning a *ValidationError for side on mismatch
func VerifySide(side, verifier, challenge string) error {
	if verifier == "" {
		return &ValidationError{Side: side, Reason: "code_verifier is required"}
	}
	if !validVerifier(verifier) {
		return &ValidationError{Side: side, Reason: "code_verifier is malformed"}
	}
	if !Verify(verifier, challenge) {
		return &ValidationError{Side: side, Reason: "code_verifier does not match code_challenge"}
	}
	return nil
}

// ValidateChallenge checks a downstream client's challenge and method.
// Only S256 is accepted; an empty method is rejected rather than defaulting to plain.
func ValidateChallenge(challenge, method string) error {
	if challenge == "" {
		return &ValidationError{Side: SideDownstream, Reason: "code_challenge is required"}
	}
	if method != MethodS256 {
		return &ValidationError{Side: SideDownstream, Reason: fmt.Sprintf("unsupported code_challenge_method %q", method)}
	}
	if len(challenge) != ChallengeLength {
		return &ValidationError{Side: SideDownstream, Reason: "code_challenge has invalid length"}
	}
	if _, err := base64.RawURLEncoding.DecodeString(challenge); err != nil {
		return &ValidationError{Side: SideDownstream, Reason: "code_challenge is not base64url"}
	}
	return nil
}

// EnsureDistinct fails if the upstream pair shares its challenge with the downstream
// client, which would mean the client's challenge was forwarded upstream
func EnsureDistinct(upstream Pair, downstreamChallenge string) error {
	if upstream.Challenge == "" || upstream.Verifier == "" {
		return &ValidationError{Side: SideUpstream, Reason: "upstream pair is incomplete"}
	}
	if subtle.ConstantTimeCompare([]byte(upstream.Challenge), []byte(downstreamChallenge)) == 1 {
		return &ValidationError{Side: SideUpstream, Reason: "upstream challenge reuses the downstream challenge"}
	}
	return nil
}

func validVerifier(v string) bool {
	return len(v) >= MinVerifierLength && len(v) <= MaxVerifierLength && verifierCharset.MatchString(v)
}
