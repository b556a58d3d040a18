// Package providers defines the upstream identity provider interface of the gateway.
//
// The gateway is an OAuth client of exactly one upstream provider, registered out of
// band with a static client credential. Implementations are provided in subpackages:
//   - providers/oidc: generic OpenID Connect provider (discovery, ID token verification)
//   - providers/dex: Dex presets on top of providers/oidc (connector_id, groups scope)
//   - providers/mock: configurable test double
//
// Provider implementations handle:
//   - Authorization URL generation with the gateway's own S256 challenge
//   - Authorization code exchange returning a verified Identity
//   - Token refresh, classifying permanent rejections as ErrInvalidGrant
//   - Token revocation
//   - Health checks
//
// Example usage:
//
//	provider, err := oidc.NewProvider(ctx, &oidc.Config{
//	    IssuerURL:    "https://login.example.com",
//	    ClientID:     "registry-gateway",
//	    ClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
//	    RedirectURL:  "https://gateway.example.com/oauth/callback",
//	})
//	if err != nil {
//	    return err
//	}
package providers
