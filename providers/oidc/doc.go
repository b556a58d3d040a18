// Package oidc implements providers.Provider for a generic OpenID Connect upstream.
//
// Discovery and ID token verification use github.com/coreos/go-oidc/v3. On top of
// the library checks the package enforces:
//
//   - SSRF protection for issuer URLs (blocks private IPs, localhost, link-local)
//   - HTTPS for every discovered endpoint
//   - Size limits on the role-bearing claims (roles, groups)
//
// The provider always sends the gateway's own S256 challenge upstream and redeems
// the code with the matching verifier.
//
// # Example Usage
//
//	provider, err := oidc.NewProvider(ctx, &oidc.Config{
//	    IssuerURL:    "https://login.example.com",
//	    ClientID:     "registry-gateway",
//	    ClientSecret: secret,
//	    RedirectURL:  "https://gateway.example.com/oauth/callback",
//	})
//	if err != nil {
//	    return err
//	}
//	url := provider.AuthorizationURL(upstreamState, upstreamChallenge)
package oidc
