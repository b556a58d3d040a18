package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/internal/util"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcpgw:"

	// connectionVerifyTimeout bounds the initial PING
	connectionVerifyTimeout = 5 * time.Second

	// MaxKeyPartLength bounds identifiers embedded in keys
	MaxKeyPartLength = 512

	// MaxRecordSize bounds serialized record size
	MaxRecordSize = 64 * 1024

	backendName = "valkey"

	// idLogLength is the number of characters of an identifier included in logs
	idLogLength = 8
)

// luaSetNX stores ARGV[1] only if the key is absent, with an optional PX of ARGV[2]
const luaSetNX = `
local ok
if tonumber(ARGV[2]) > 0 then
  ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2])
else
  ok = redis.call('SET', KEYS[1], ARGV[1], 'NX')
end
if ok then return 1 end
return 0
`

// luaSetXX replaces the value of an existing key, keeping its TTL
const luaSetXX = `
if redis.call('SET', KEYS[1], ARGV[1], 'XX', 'KEEPTTL') then return 1 end
return 0
`

// luaGetDel returns and deletes a value in one step
const luaGetDel = `
local v = redis.call('GET', KEYS[1])
if v then redis.call('DEL', KEYS[1]) end
return v
`

// luaCreateSession writes a session hash only if it does not exist
const luaCreateSession = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'gen', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`

// luaCASSession replaces a session hash if its generation equals ARGV[1].
// Returns -1 when missing, 0 on generation mismatch, 1 on success.
const luaCASSession = `
local g = redis.call('HGET', KEYS[1], 'gen')
if not g then return -1 end
if g ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'gen', ARGV[2], 'data', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 1
`

// luaReleaseLease deletes a lease only if ARGV[1] still owns it
const luaReleaseLease = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Config holds configuration for the Valkey storage backend
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379"
	Address string

	// Username and Password are optional ACL credentials
	Username string
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcpgw:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Encryptor seals records at rest (optional)
	Encryptor *security.Encryptor

	// Instrumentation enables spans and operation metrics (optional)
	Instrumentation *instrumentation.Instrumentation

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of SessionStore, FlowStore and ClientStore
type Store struct {
	client valkeygo.Client
	prefix string
	codec  *storage.Codec
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

var _ storage.Store = (*Store)(nil)

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
)

// New creates a Valkey-backed store and verifies the connection
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix,
		"encrypted", s.codec.Encrypted())
	return s, nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		client:          client,
		prefix:          prefix,
		codec:           storage.NewCodec(cfg.Encryptor),
		logger:          logger,
		instrumentation: cfg.Instrumentation,
	}
	if cfg.Instrumentation != nil {
		s.tracer = cfg.Instrumentation.Tracer("storage")
	}
	return s
}

// Close closes the Valkey client connection
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Ping checks that the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) sessionKey(id string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, id)
}

func (s *Store) leaseKey(id string) string {
	return fmt.Sprintf("%slease:%s", s.prefix, id)
}

func (s *Store) flowKey(upstreamState string) string {
	return fmt.Sprintf("%sflow:%s", s.prefix, upstreamState)
}

func (s *Store) grantKey(code string) string {
	return fmt.Sprintf("%sgrant:%s", s.prefix, code)
}

func (s *Store) clientKey(id string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, id)
}

// ============================================================
// Helpers
// ============================================================

// validateKeyPart rejects identifiers that are empty or oversized before they reach a key
func validateKeyPart(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", storage.ErrInvalidRecord, name)
	}
	if len(v) > MaxKeyPartLength {
		return fmt.Errorf("%w: %s exceeds maximum length", storage.ErrInvalidRecord, name)
	}
	return nil
}

// retentionMillis returns the PX for a record expiring at expiresAt, keeping it for
// storage.ExpiredRetention past expiry. The minimum is one millisecond.
func retentionMillis(expiresAt time.Time) int64 {
	ms := time.Until(expiresAt.Add(storage.ExpiredRetention)).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

func (s *Store) eval(ctx context.Context, script string, key string, args ...string) valkeygo.ValkeyResult {
	return s.client.Do(ctx, s.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(args...).Build())
}

func (s *Store) marshal(key string, v any) (string, error) {
	data, err := s.codec.Marshal(key, v)
	if err != nil {
		return "", err
	}
	if len(data) > MaxRecordSize {
		return "", fmt.Errorf("%w: record exceeds maximum size", storage.ErrInvalidRecord)
	}
	return string(data), nil
}

func (s *Store) unmarshal(key, raw string, v any) error {
	return s.codec.Unmarshal(key, []byte(raw), v)
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func logID(id string) string {
	return util.SafeTruncate(id, idLogLength)
}

// observe starts a storage span and returns a completion func recording the outcome
func (s *Store) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	start := time.Now()
	span := trace.SpanFromContext(ctx)
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "storage."+operation)
		instrumentation.AddStorageAttributes(span, operation, backendName)
	}

	return ctx, func(err error) {
		result := "success"
		if err != nil {
			result = "error"
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		if s.tracer != nil {
			span.End()
		}
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, float64(time.Since(start).Milliseconds()))
		}
	}
}
