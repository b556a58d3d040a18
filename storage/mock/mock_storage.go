// Package mock provides a storage.Store double for testing failure paths.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// Store delegates every call to Backend unless the matching Func field is set.
// It counts calls per method.
type Store struct {
	Backend storage.Store

	CreateSessionFunc         func(ctx context.Context, session *storage.Session) error
	GetSessionFunc            func(ctx context.Context, sessionID string) (*storage.Session, error)
	CompareAndSwapSessionFunc func(ctx context.Context, session *storage.Session, expectedGeneration uint64) error
	DeleteSessionFunc         func(ctx context.Context, sessionID string) error
	AcquireRefreshLeaseFunc   func(ctx context.Context, sessionID string, ttl time.Duration) (string, error)
	ReleaseRefreshLeaseFunc   func(ctx context.Context, sessionID, token string) error

	SaveFlowFunc     func(ctx context.Context, flow *storage.FlowState) error
	ConsumeFlowFunc  func(ctx context.Context, upstreamState string) (*storage.FlowState, error)
	SaveGrantFunc    func(ctx context.Context, grant *storage.Grant) error
	ConsumeGrantFunc func(ctx context.Context, code string) (*storage.Grant, error)

	SaveClientFunc   func(ctx context.Context, client *storage.Client) error
	GetClientFunc    func(ctx context.Context, clientID string) (*storage.Client, error)
	UpdateClientFunc func(ctx context.Context, client *storage.Client) error

	mu     sync.Mutex
	counts map[string]int
}

var _ storage.Store = (*Store)(nil)

// New creates a Store delegating to backend
func New(backend storage.Store) *Store {
	return &Store{Backend: backend, counts: make(map[string]int)}
}

// Calls returns how often method was called
func (m *Store) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[method]++
}

// CreateSession implements storage.SessionStore
func (m *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	m.record("CreateSession")
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, session)
	}
	return m.Backend.CreateSession(ctx, session)
}

// GetSession implements storage.SessionStore
func (m *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	m.record("GetSession")
	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(ctx, sessionID)
	}
	return m.Backend.GetSession(ctx, sessionID)
}

// CompareAndSwapSession implements storage.SessionStore
func (m *Store) CompareAndSwapSession(ctx context.Context, session *storage.Session, expectedGeneration uint64) error {
	m.record("CompareAndSwapSession")
	if m.CompareAndSwapSessionFunc != nil {
		return m.CompareAndSwapSessionFunc(ctx, session, expectedGeneration)
	}
	return m.Backend.CompareAndSwapSession(ctx, session, expectedGeneration)
}

// DeleteSession implements storage.SessionStore
func (m *Store) DeleteSession(ctx context.Context, sessionID string) error {
	m.record("DeleteSession")
	if m.DeleteSessionFunc != nil {
		return m.DeleteSessionFunc(ctx, sessionID)
	}
	return m.Backend.DeleteSession(ctx, sessionID)
}

// AcquireRefreshLease implements storage.SessionStore
func (m *Store) AcquireRefreshLease(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	m.record("AcquireRefreshLease")
	if m.AcquireRefreshLeaseFunc != nil {
		return m.AcquireRefreshLeaseFunc(ctx, sessionID, ttl)
	}
	return m.Backend.AcquireRefreshLease(ctx, sessionID, ttl)
}

// ReleaseRefreshLease implements storage.SessionStore
func (m *Store) ReleaseRefreshLease(ctx context.Context, sessionID, token string) error {
	m.record("ReleaseRefreshLease")
	if m.ReleaseRefreshLeaseFunc != nil {
		return m.ReleaseRefreshLeaseFunc(ctx, sessionID, token)
	}
	return m.Backend.ReleaseRefreshLease(ctx, sessionID, token)
}

// SaveFlow implements storage.FlowStore
func (m *Store) SaveFlow(ctx context.Context, flow *storage.FlowState) error {
	m.record("SaveFlow")
	if m.SaveFlowFunc != nil {
		return m.SaveFlowFunc(ctx, flow)
	}
	return m.Backend.SaveFlow(ctx, flow)
}

// ConsumeFlow implements storage.FlowStore
func (m *Store) ConsumeFlow(ctx context.Context, upstreamState string) (*storage.FlowState, error) {
	m.record("ConsumeFlow")
	if m.ConsumeFlowFunc != nil {
		return m.ConsumeFlowFunc(ctx, upstreamState)
	}
	return m.Backend.ConsumeFlow(ctx, upstreamState)
}

// SaveGrant implements storage.FlowStore
func (m *Store) SaveGrant(ctx context.Context, grant *storage.Grant) error {
	m.record("SaveGrant")
	if m.SaveGrantFunc != nil {
		return m.SaveGrantFunc(ctx, grant)
	}
	return m.Backend.SaveGrant(ctx, grant)
}

// ConsumeGrant implements storage.FlowStore
func (m *Store) ConsumeGrant(ctx context.Context, code string) (*storage.Grant, error) {
	m.record("ConsumeGrant")
	if m.ConsumeGrantFunc != nil {
		return m.ConsumeGrantFunc(ctx, code)
	}
	return m.Backend.ConsumeGrant(ctx, code)
}

// SaveClient implements storage.ClientStore
func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	return m.Backend.SaveClient(ctx, client)
}

// GetClient implements storage.ClientStore
func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.Backend.GetClient(ctx, clientID)
}

// UpdateClient implements storage.ClientStore
func (m *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	m.record("UpdateClient")
	if m.UpdateClientFunc != nil {
		return m.UpdateClientFunc(ctx, client)
	}
	return m.Backend.UpdateClient(ctx, client)
}
