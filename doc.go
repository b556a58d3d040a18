// Package gateway is the OAuth 2.1 token bridge in front of the MCP registry.
//
// The gateway is an authorization server to downstream MCP clients and an OAuth
// client to one upstream identity provider. Clients register dynamically and all
// map onto the gateway's single upstream credential. Each authorization runs two
// independent S256 PKCE exchanges, one per side, and ends in a session holding a
// token triple: the frontend cookie, the backend tokens handed to the client, and
// the upstream pair the gateway keeps to itself.
//
// Server wires the components (see packages dcr, proxy, roles and tokensync);
// Handler exposes them over HTTP:
//
//	store := memory.New()
//	defer store.Stop()
//
//	provider, _ := oidc.NewProvider(ctx, &oidc.Config{...})
//	srv, err := gateway.NewServer(cfg, store, provider, nil)
//	if err != nil {
//		return err
//	}
//	h := gateway.NewHandler(srv)
//
//	mux := h.Routes()
//	registryAPI := h.RequireAuth(api)
package gateway
