package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-registry-gateway/security"
)

func newTestViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))
	return v
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := security.GenerateKey()
	require.NoError(t, err)
	return security.KeyToBase64(key)
}

func TestLoadSettings(t *testing.T) {
	v := newTestViper(t, `
issuer: https://registry.example.com
upstream:
  provider: dex
  issuer-url: https://dex.example.com
  client-id: gateway
  client-secret: s3cret
  connector-id: github
session:
  ttl: 12h
  access-token-ttl: 10m
storage:
  backend: valkey
  valkey:
    address: valkey:6379
    tls: true
roles:
  aliases:
    - Registry.Admin=admin
  groups:
    - "Org:Platform Team=maintainer"
security:
  signing-key: `+testKey(t)+`
`)

	s, err := loadSettings(v)
	require.NoError(t, err)

	assert.Equal(t, ":8080", s.ListenAddress)
	assert.Equal(t, "https://registry.example.com", s.Gateway.Issuer)
	assert.Equal(t, "s3cret", s.Gateway.Upstream.ClientSecret)
	assert.Equal(t, 12*time.Hour, s.Gateway.Session.TTL)
	assert.Equal(t, 10*time.Minute, s.Gateway.Session.AccessTokenTTL)
	assert.Len(t, s.Gateway.Security.SigningKey, 32)
	assert.Nil(t, s.Gateway.Security.EncryptionKey)
	assert.True(t, s.Gateway.Security.EnableAuditLogging)
	assert.Equal(t, ProviderDex, s.Upstream.Provider)
	assert.Equal(t, "github", s.Upstream.ConnectorID)
	assert.Equal(t, BackendValkey, s.Storage.Backend)
	assert.Equal(t, "valkey:6379", s.Storage.Valkey.Address)
	assert.NotNil(t, s.Storage.Valkey.TLS)
	assert.Equal(t, map[string]string{"Registry.Admin": "admin"}, s.Gateway.Roles.Aliases)
	assert.Equal(t, map[string]string{"Org:Platform Team": "maintainer"}, s.Gateway.Roles.Groups, "group IDs keep their case")
}

func TestLoadSettings_Environment(t *testing.T) {
	t.Setenv("MCPGW_UPSTREAM_ISSUER_URL", "https://login.example.com")
	t.Setenv("MCPGW_SECURITY_SIGNING_KEY", testKey(t))

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	setDefaults(v)

	s, err := loadSettings(v)
	require.NoError(t, err)
	assert.Equal(t, "https://login.example.com", s.Upstream.IssuerURL)
	assert.Equal(t, BackendMemory, s.Storage.Backend)
}

func TestLoadSettings_Errors(t *testing.T) {
	key := testKey(t)
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing signing key",
			yaml:    "upstream:\n  issuer-url: https://login.example.com\n",
			wantErr: "security.signing-key is required",
		},
		{
			name:    "short signing key",
			yaml:    "upstream:\n  issuer-url: https://login.example.com\nsecurity:\n  signing-key: c2hvcnQ=\n",
			wantErr: "security.signing-key",
		},
		{
			name:    "missing upstream",
			yaml:    "security:\n  signing-key: " + key + "\n",
			wantErr: "upstream.issuer-url is required",
		},
		{
			name:    "unknown backend",
			yaml:    "upstream:\n  issuer-url: https://login.example.com\nstorage:\n  backend: etcd\nsecurity:\n  signing-key: " + key + "\n",
			wantErr: "unknown storage.backend",
		},
		{
			name:    "valkey without address",
			yaml:    "upstream:\n  issuer-url: https://login.example.com\nstorage:\n  backend: valkey\nsecurity:\n  signing-key: " + key + "\n",
			wantErr: "storage.valkey.address",
		},
		{
			name:    "connector without dex",
			yaml:    "upstream:\n  issuer-url: https://login.example.com\n  connector-id: github\nsecurity:\n  signing-key: " + key + "\n",
			wantErr: "requires the dex provider",
		},
		{
			name:    "malformed group mapping",
			yaml:    "upstream:\n  issuer-url: https://login.example.com\nroles:\n  groups:\n    - admins\nsecurity:\n  signing-key: " + key + "\n",
			wantErr: "roles.groups",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadSettings(newTestViper(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	v := viper.New()
	v.Set("log.level", "debug")
	v.Set("log.format", "text")

	var buf bytes.Buffer
	logger, err := newLogger(v, &buf)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")

	v.Set("log.format", "xml")
	_, err = newLogger(v, &buf)
	assert.Error(t, err)
}

func TestRootCmd_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "mcp-registry-gateway "+Version)
}

func TestKeygenCmd(t *testing.T) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keygen"})
	require.NoError(t, cmd.Execute())

	key, err := security.KeyFromBase64(string(bytes.TrimSpace(out.Bytes())))
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
