// Package bbolt provides a single-node storage backend on an embedded BBolt database.
//
// Every record lives in one of five buckets. Conditional writes (create, compare-and-swap,
// lease acquisition) and one-shot reads run inside a single read-write transaction,
// which BBolt serializes. A background sweep removes expired records after
// storage.ExpiredRetention.
package bbolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// DefaultSweepInterval is how often expired records are removed
const DefaultSweepInterval = time.Minute

var (
	bucketSessions = []byte("sessions")
	bucketLeases   = []byte("leases")
	bucketFlows    = []byte("flows")
	bucketGrants   = []byte("grants")
	bucketClients  = []byte("clients")

	allBuckets = [][]byte{bucketSessions, bucketLeases, bucketFlows, bucketGrants, bucketClients}
)

// errCASFailed aborts a transaction whose precondition did not hold
var errCASFailed = errors.New("bbolt: precondition failed")

// Options configures a Store
type Options struct {
	// Encryptor seals records at rest (optional)
	Encryptor *security.Encryptor

	// SweepInterval overrides DefaultSweepInterval. Negative disables sweeping.
	SweepInterval time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store implements SessionStore, FlowStore and ClientStore backed by a BBolt database
type Store struct {
	db     *bbolt.DB
	codec  *storage.Codec
	logger *slog.Logger
	now    func() time.Time

	stopOnce  sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

var _ storage.Store = (*Store)(nil)

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
)

// lease is the stored form of a refresh lease
type lease struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewRepository returns a Store backed by the given database
func NewRepository(db *bbolt.DB, opts Options) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:     db,
		codec:  storage.NewCodec(opts.Encryptor),
		logger: logger,
		now:    time.Now,
	}

	interval := opts.SweepInterval
	if interval == 0 {
		interval = DefaultSweepInterval
	}
	if interval > 0 {
		s.stopSweep = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(interval)
	}
	return s, nil
}

// NewRepositoryFromFile opens a BBolt database at path and returns a Store on it
func NewRepositoryFromFile(path string, opts Options) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock overrides the time source used for leases and sweeping
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close stops the sweep loop and closes the database
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		if s.stopSweep != nil {
			close(s.stopSweep)
			<-s.sweepDone
		}
	})
	return s.db.Close()
}

func (s *Store) put(b *bbolt.Bucket, bucket []byte, id string, v any) error {
	data, err := s.codec.Marshal(recordKey(bucket, id), v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func (s *Store) decode(bucket []byte, id string, data []byte, v any) error {
	return s.codec.Unmarshal(recordKey(bucket, id), data, v)
}

// recordKey is the associated data binding a sealed record to its location
func recordKey(bucket []byte, id string) string {
	return string(bucket) + ":" + id
}

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession stores a new session
func (s *Store) CreateSession(_ context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidRecord)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.ID)) != nil {
			return errCASFailed
		}
		return s.put(b, bucketSessions, session.ID, session)
	})
	if errors.Is(err, errCASFailed) {
		return fmt.Errorf("%w: session", storage.ErrAlreadyExists)
	}
	return err
}

// GetSession returns a session by ID
func (s *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	var session storage.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: session", storage.ErrNotFound)
		}
		return s.decode(bucketSessions, id, data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CompareAndSwapSession replaces the session if its generation is unchanged
func (s *Store) CompareAndSwapSession(_ context.Context, session *storage.Session, expectedGeneration uint64) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidRecord)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(session.ID))
		if data == nil {
			return fmt.Errorf("%w: session", storage.ErrNotFound)
		}
		var current storage.Session
		if err := s.decode(bucketSessions, session.ID, data, &current); err != nil {
			return err
		}
		if current.Generation != expectedGeneration {
			return fmt.Errorf("%w: have %d, expected %d", storage.ErrGenerationMismatch, current.Generation, expectedGeneration)
		}
		return s.put(b, bucketSessions, session.ID, session)
	})
}

// DeleteSession removes a session and its lease
func (s *Store) DeleteSession(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSessions).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketLeases).Delete([]byte(id))
	})
}

// AcquireRefreshLease takes the refresh lease of a session
func (s *Store) AcquireRefreshLease(_ context.Context, id string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := s.now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if data := b.Get([]byte(id)); data != nil {
			var held lease
			if err := s.decode(bucketLeases, id, data, &held); err != nil {
				return err
			}
			if now.Before(held.ExpiresAt) {
				return errCASFailed
			}
		}
		return s.put(b, bucketLeases, id, lease{Token: token, ExpiresAt: now.Add(ttl)})
	})
	if errors.Is(err, errCASFailed) {
		return "", fmt.Errorf("%w: session", storage.ErrLeaseHeld)
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// ReleaseRefreshLease releases the lease if token still owns it
func (s *Store) ReleaseRefreshLease(_ context.Context, id, token string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var held lease
		if err := s.decode(bucketLeases, id, data, &held); err != nil {
			return err
		}
		if held.Token != token {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveFlow stores a flow keyed by its upstream state
func (s *Store) SaveFlow(_ context.Context, flow *storage.FlowState) error {
	if flow == nil || flow.UpstreamState == "" {
		return fmt.Errorf("%w: upstream state is required", storage.ErrInvalidRecord)
	}
	return s.insert(bucketFlows, flow.UpstreamState, flow, "upstream state in flight")
}

// ConsumeFlow fetches and deletes a flow in one transaction
func (s *Store) ConsumeFlow(_ context.Context, upstreamState string) (*storage.FlowState, error) {
	var flow storage.FlowState
	if err := s.consume(bucketFlows, upstreamState, "flow", &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// SaveGrant stores a downstream authorization code
func (s *Store) SaveGrant(_ context.Context, grant *storage.Grant) error {
	if grant == nil || grant.Code == "" {
		return fmt.Errorf("%w: code is required", storage.ErrInvalidRecord)
	}
	return s.insert(bucketGrants, grant.Code, grant, "code")
}

// ConsumeGrant fetches and deletes a downstream authorization code in one transaction
func (s *Store) ConsumeGrant(_ context.Context, code string) (*storage.Grant, error) {
	var grant storage.Grant
	if err := s.consume(bucketGrants, code, "code", &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a new client
func (s *Store) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", storage.ErrInvalidRecord)
	}
	return s.insert(bucketClients, client.ClientID, client, "client")
}

// GetClient returns a client by ID
func (s *Store) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	var client storage.Client
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketClients).Get([]byte(clientID))
		if data == nil {
			return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
		}
		return s.decode(bucketClients, clientID, data, &client)
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

// UpdateClient replaces an existing client record
func (s *Store) UpdateClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", storage.ErrInvalidRecord)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketClients)
		if b.Get([]byte(client.ClientID)) == nil {
			return fmt.Errorf("%w: client %s", storage.ErrNotFound, client.ClientID)
		}
		return s.put(b, bucketClients, client.ClientID, client)
	})
}

func (s *Store) insert(bucket []byte, id string, v any, what string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return errCASFailed
		}
		return s.put(b, bucket, id, v)
	})
	if errors.Is(err, errCASFailed) {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, what)
	}
	return err
}

func (s *Store) consume(bucket []byte, id, what string, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
		}
		// data is only valid until the delete
		if err := s.decode(bucket, id, data, v); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}
