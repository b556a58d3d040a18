// Package helpers holds request-validation helpers shared by the gateway packages.
//
// Key utilities:
//   - IsLoopbackHostname: recognizes loopback hosts for native-app redirect URIs (RFC 8252)
//   - ValidateRedirectURI: registration-time checks for downstream redirect URIs
//   - MatchRedirectURI: authorize-time matching against registered URIs
package helpers
