package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/security"
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

const backendName = "memory"

type lease struct {
	token     string
	expiresAt time.Time
}

// Store is an in-memory implementation of SessionStore, FlowStore and ClientStore
type Store struct {
	mu sync.RWMutex

	sessions map[string]*storage.Session
	leases   map[string]lease
	flows    map[string]*storage.FlowState
	grants   map[string]*storage.Grant
	clients  map[string]*storage.Client

	sessionsCount atomic.Int64
	flowsCount    atomic.Int64
	clientsCount  atomic.Int64

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now             func() time.Time
	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.FlowStore    = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
)

// New creates a new in-memory store with a one minute cleanup interval
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// A non-positive interval uses the default of one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:        make(map[string]*storage.Session),
		leases:          make(map[string]lease),
		flows:           make(map[string]*storage.FlowState),
		grants:          make(map[string]*storage.Grant),
		clients:         make(map[string]*storage.Client),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source; used by tests to drive expiry
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables storage spans, operation metrics and size gauges
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.sessionsCount.Load,
		s.flowsCount.Load,
		s.clientsCount.Load,
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// SessionStore Implementation
// ============================================================

// CreateSession stores a new session
func (s *Store) CreateSession(ctx context.Context, session *storage.Session) (err error) {
	_, span, done := s.observe(ctx, "create_session")
	defer func() { done(err) }()
	instrumentation.AddSessionAttributes(span, sessionID(session), sessionGeneration(session))

	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s", storage.ErrAlreadyExists, session.ID)
	}
	s.sessions[session.ID] = session.Clone()
	s.sessionsCount.Store(int64(len(s.sessions)))
	return nil
}

// GetSession returns a copy of the stored session
func (s *Store) GetSession(ctx context.Context, id string) (_ *storage.Session, err error) {
	_, _, done := s.observe(ctx, "get_session")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", storage.ErrNotFound, id)
	}
	return session.Clone(), nil
}

// CompareAndSwapSession replaces the session if its generation is unchanged
func (s *Store) CompareAndSwapSession(ctx context.Context, session *storage.Session, expectedGeneration uint64) (err error) {
	_, span, done := s.observe(ctx, "cas_session")
	defer func() { done(err) }()
	instrumentation.AddSessionAttributes(span, sessionID(session), expectedGeneration)

	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.ID]
	if !ok {
		return fmt.Errorf("%w: session %s", storage.ErrNotFound, session.ID)
	}
	if current.Generation != expectedGeneration {
		return fmt.Errorf("%w: have %d, expected %d", storage.ErrGenerationMismatch, current.Generation, expectedGeneration)
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

// DeleteSession removes a session and its lease
func (s *Store) DeleteSession(ctx context.Context, id string) (err error) {
	_, _, done := s.observe(ctx, "delete_session")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	delete(s.leases, id)
	s.sessionsCount.Store(int64(len(s.sessions)))
	return nil
}

// AcquireRefreshLease takes the refresh lease of a session
func (s *Store) AcquireRefreshLease(ctx context.Context, id string, ttl time.Duration) (_ string, err error) {
	_, _, done := s.observe(ctx, "acquire_lease")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.leases[id]; ok && now.Before(held.expiresAt) {
		return "", fmt.Errorf("%w: session %s", storage.ErrLeaseHeld, id)
	}

	token := uuid.NewString()
	s.leases[id] = lease{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// ReleaseRefreshLease releases the lease if token still owns it
func (s *Store) ReleaseRefreshLease(ctx context.Context, id, token string) (err error) {
	_, _, done := s.observe(ctx, "release_lease")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.leases[id]; ok && held.token == token {
		delete(s.leases, id)
	}
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveFlow stores a flow keyed by its upstream state
func (s *Store) SaveFlow(ctx context.Context, flow *storage.FlowState) (err error) {
	_, span, done := s.observe(ctx, "save_flow")
	defer func() { done(err) }()

	if flow == nil || flow.UpstreamState == "" {
		return fmt.Errorf("%w: upstream state is required", storage.ErrInvalidRecord)
	}
	instrumentation.AddFlowAttributes(span, flow.FlowID, flow.ClientID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[flow.UpstreamState]; exists {
		return fmt.Errorf("%w: upstream state in flight", storage.ErrAlreadyExists)
	}
	stored := *flow
	s.flows[flow.UpstreamState] = &stored
	s.flowsCount.Store(int64(len(s.flows)))
	s.logger.Debug("Saved flow", "flow_id", flow.FlowID, "client_id", flow.ClientID)
	return nil
}

// ConsumeFlow fetches and deletes a flow in one step
func (s *Store) ConsumeFlow(ctx context.Context, upstreamState string) (_ *storage.FlowState, err error) {
	_, _, done := s.observe(ctx, "consume_flow")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[upstreamState]
	if !ok {
		return nil, fmt.Errorf("%w: flow", storage.ErrNotFound)
	}
	delete(s.flows, upstreamState)
	s.flowsCount.Store(int64(len(s.flows)))
	return flow, nil
}

// SaveGrant stores a downstream authorization code
func (s *Store) SaveGrant(ctx context.Context, grant *storage.Grant) (err error) {
	_, _, done := s.observe(ctx, "save_grant")
	defer func() { done(err) }()

	if grant == nil || grant.Code == "" {
		return fmt.Errorf("%w: code is required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.Code]; exists {
		return fmt.Errorf("%w: code", storage.ErrAlreadyExists)
	}
	stored := *grant
	s.grants[grant.Code] = &stored
	return nil
}

// ConsumeGrant fetches and deletes a downstream authorization code in one step
func (s *Store) ConsumeGrant(ctx context.Context, code string) (_ *storage.Grant, err error) {
	_, _, done := s.observe(ctx, "consume_grant")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok {
		return nil, fmt.Errorf("%w: code", storage.ErrNotFound)
	}
	delete(s.grants, code)
	return grant, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient stores a new client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, _, done := s.observe(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
	}
	s.clients[client.ClientID] = cloneClient(client)
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// GetClient returns a copy of a client record
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, _, done := s.observe(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return cloneClient(client), nil
}

// UpdateClient replaces an existing client record
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	_, _, done := s.observe(ctx, "update_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("%w: client ID is required", storage.ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; !ok {
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, client.ClientID)
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	if c.RevokedAt != nil {
		revokedAt := *c.RevokedAt
		cp.RevokedAt = &revokedAt
	}
	return &cp
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps expired records. Flows and codes are retained for
// storage.ExpiredRetention past expiry so late callbacks report expiry.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-storage.ExpiredRetention)
	cleaned := 0

	for key, flow := range s.flows {
		if flow.ExpiresAt.Before(cutoff) {
			delete(s.flows, key)
			cleaned++
		}
	}
	for code, grant := range s.grants {
		if grant.ExpiresAt.Before(cutoff) {
			delete(s.grants, code)
			cleaned++
		}
	}
	for id, session := range s.sessions {
		if security.IsExpired(session.ExpiresAt, now) {
			delete(s.sessions, id)
			delete(s.leases, id)
			cleaned++
		}
	}
	for id, held := range s.leases {
		if !now.Before(held.expiresAt) {
			delete(s.leases, id)
		}
	}

	s.sessionsCount.Store(int64(len(s.sessions)))
	s.flowsCount.Store(int64(len(s.flows)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// observe starts a storage span and returns a completion func recording the outcome
func (s *Store) observe(ctx context.Context, operation string) (context.Context, trace.Span, func(error)) {
	start := time.Now()
	span := trace.SpanFromContext(ctx)
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "storage."+operation)
		instrumentation.AddStorageAttributes(span, operation, backendName)
	}

	return ctx, span, func(err error) {
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

func sessionID(s *storage.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func sessionGeneration(s *storage.Session) uint64 {
	if s == nil {
		return 0
	}
	return s.Generation
}
