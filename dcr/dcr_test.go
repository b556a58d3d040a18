package dcr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/storage/memory"
)

var testUpstream = UpstreamCredential{ClientID: "upstream-static-client", ClientSecret: "upstream-secret"}

func newTestBridge(t *testing.T) (*Bridge, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	b, err := New(Config{
		Upstream:   testUpstream,
		Store:      store,
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	return b, store
}

func publicMetadata() Metadata {
	return Metadata{
		RedirectURIs:            []string{"http://127.0.0.1:33418/callback"},
		TokenEndpointAuthMethod: AuthMethodNone,
		ClientName:              "Claude Desktop",
	}
}

func TestRegister_DistinctCredentialsSameUpstream(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t)
	ctx := context.Background()

	md := Metadata{RedirectURIs: []string{"https://app.example.com/cb"}}
	c1, err := b.Register(ctx, md, "10.0.0.1")
	require.NoError(t, err)
	c2, err := b.Register(ctx, md, "10.0.0.1")
	require.NoError(t, err)

	assert.NotEqual(t, c1.ClientID, c2.ClientID)
	assert.NotEqual(t, c1.ClientSecret, c2.ClientSecret)
	assert.NotEmpty(t, c1.ClientSecret)

	up1, err := b.Resolve(ctx, c1.ClientID)
	require.NoError(t, err)
	up2, err := b.Resolve(ctx, c2.ClientID)
	require.NoError(t, err)
	assert.Equal(t, testUpstream, up1)
	assert.Equal(t, up1, up2)
}

func TestRegister_Defaults(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t)

	confidential, err := b.Register(context.Background(), Metadata{RedirectURIs: []string{"https://app.example.com/cb"}}, "")
	require.NoError(t, err)
	assert.Equal(t, storage.ClientTypeConfidential, confidential.ClientType)
	assert.Equal(t, AuthMethodBasic, confidential.TokenEndpointAuthMethod)
	assert.Equal(t, []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}, confidential.GrantTypes)
	assert.NotEqual(t, confidential.ClientSecret, confidential.ClientSecretHash)

	public, err := b.Register(context.Background(), publicMetadata(), "")
	require.NoError(t, err)
	assert.Equal(t, storage.ClientTypePublic, public.ClientType)
	assert.Empty(t, public.ClientSecret)
	assert.Empty(t, public.ClientSecretHash)
}

func TestRegister_InvalidMetadata(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t)

	tests := []struct {
		name     string
		md       Metadata
		wantCode string
	}{
		{"no redirect URIs", Metadata{}, ErrorCodeInvalidRedirectURI},
		{"plain http", Metadata{RedirectURIs: []string{"http://evil.example.com/cb"}}, ErrorCodeInvalidRedirectURI},
		{"javascript scheme", Metadata{RedirectURIs: []string{"javascript:alert(1)"}}, ErrorCodeInvalidRedirectURI},
		{"unsupported auth method", Metadata{RedirectURIs: []string{"https://a.example/cb"}, TokenEndpointAuthMethod: "private_key_jwt"}, ErrorCodeInvalidClientMetadata},
		{"implicit grant", Metadata{RedirectURIs: []string{"https://a.example/cb"}, GrantTypes: []string{"implicit"}}, ErrorCodeInvalidClientMetadata},
		{"refresh only", Metadata{RedirectURIs: []string{"https://a.example/cb"}, GrantTypes: []string{GrantTypeRefreshToken}}, ErrorCodeInvalidClientMetadata},
		{"token response type", Metadata{RedirectURIs: []string{"https://a.example/cb"}, ResponseTypes: []string{"token"}}, ErrorCodeInvalidClientMetadata},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Register(context.Background(), tt.md, "")
			var me *MetadataError
			require.True(t, errors.As(err, &me), "got %v", err)
			assert.Equal(t, tt.wantCode, me.Code)
		})
	}
}

func TestResolve_Unknown(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t)

	_, err := b.Resolve(context.Background(), "never-issued")
	var ue *UnknownClientError
	require.True(t, errors.As(err, &ue))
	assert.False(t, ue.Revoked)

	_, err = b.Resolve(context.Background(), "")
	require.True(t, errors.As(err, &ue))
}

func TestRevoke_Tombstone(t *testing.T) {
	t.Parallel()
	b, store := newTestBridge(t)
	ctx := context.Background()

	c, err := b.Register(ctx, publicMetadata(), "")
	require.NoError(t, err)

	require.NoError(t, b.Revoke(ctx, c.ClientID))
	require.NoError(t, b.Revoke(ctx, c.ClientID), "revoking twice is a no-op")

	_, err = b.Resolve(ctx, c.ClientID)
	var ue *UnknownClientError
	require.True(t, errors.As(err, &ue))
	assert.True(t, ue.Revoked)

	// The tombstone keeps the identifier taken
	err = store.SaveClient(ctx, &storage.Client{ClientID: c.ClientID, IssuedAt: time.Now()})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	err = b.Revoke(ctx, "never-issued")
	assert.True(t, errors.As(err, &ue))
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(t)
	ctx := context.Background()

	conf, err := b.Register(ctx, Metadata{RedirectURIs: []string{"https://app.example.com/cb"}}, "")
	require.NoError(t, err)
	pub, err := b.Register(ctx, publicMetadata(), "")
	require.NoError(t, err)

	got, err := b.Authenticate(ctx, conf.ClientID, conf.ClientSecret)
	require.NoError(t, err)
	assert.Equal(t, conf.ClientID, got.ClientID)

	_, err = b.Authenticate(ctx, conf.ClientID, "wrong")
	assert.ErrorIs(t, err, ErrInvalidClientSecret)

	_, err = b.Authenticate(ctx, conf.ClientID, "")
	assert.ErrorIs(t, err, ErrInvalidClientSecret)

	_, err = b.Authenticate(ctx, pub.ClientID, "")
	assert.NoError(t, err)

	_, err = b.Authenticate(ctx, pub.ClientID, "unexpected")
	assert.ErrorIs(t, err, ErrInvalidClientSecret)

	_, err = b.Authenticate(ctx, "never-issued", "x")
	var ue *UnknownClientError
	assert.True(t, errors.As(err, &ue))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	defer store.Stop()

	_, err := New(Config{Store: store})
	assert.Error(t, err)

	_, err = New(Config{Upstream: testUpstream})
	assert.Error(t, err)
}

func TestUpstreamCredential_StringRedactsSecret(t *testing.T) {
	t.Parallel()
	assert.NotContains(t, testUpstream.String(), testUpstream.ClientSecret)
}
