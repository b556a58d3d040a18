// Package storetest holds the behavioural contract every storage backend must meet.
// Backend test files call Run with a factory returning a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-registry-gateway/internal/testutil"
	"github.com/giantswarm/mcp-registry-gateway/storage"
)

// Store is the backend under test
type Store = storage.Store

// Run executes the full contract against stores produced by newStore
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("SessionCompareAndSwap", func(t *testing.T) { testSessionCAS(t, newStore(t)) })
	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) { testConcurrentCAS(t, newStore(t)) })
	t.Run("RefreshLease", func(t *testing.T) { testRefreshLease(t, newStore(t)) })
	t.Run("FlowOneShot", func(t *testing.T) { testFlowOneShot(t, newStore(t)) })
	t.Run("ConcurrentFlowConsume", func(t *testing.T) { testConcurrentFlowConsume(t, newStore(t)) })
	t.Run("FlowStateCollision", func(t *testing.T) { testFlowCollision(t, newStore(t)) })
	t.Run("GrantOneShot", func(t *testing.T) { testGrantOneShot(t, newStore(t)) })
	t.Run("ClientLifecycle", func(t *testing.T) { testClientLifecycle(t, newStore(t)) })
}

func testSessionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	session := testutil.Session(time.Now())

	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.CreateSession(ctx, session); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("second CreateSession() error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Role != session.Role || got.Generation != session.Generation {
		t.Errorf("GetSession() = %+v, want %+v", got, session)
	}
	if got.Triple.Upstream == nil || got.Triple.Upstream.RefreshToken != session.Triple.Upstream.RefreshToken {
		t.Error("GetSession() lost the upstream token")
	}
	if got.Triple.Backend.RefreshToken != session.Triple.Backend.RefreshToken {
		t.Error("GetSession() lost the backend refresh token")
	}

	// mutating the returned copy must not affect the store
	got.Role = "admin"
	again, _ := s.GetSession(ctx, session.ID)
	if again.Role != session.Role {
		t.Error("GetSession() returned a shared reference")
	}

	if err := s.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, session.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSession(ctx, session.ID); err != nil {
		t.Errorf("DeleteSession() of missing session error = %v", err)
	}
}

func testSessionCAS(t *testing.T, s Store) {
	ctx := context.Background()
	session := testutil.Session(time.Now())
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	next := session.Clone()
	next.Generation = session.Generation + 1
	next.Triple.Backend.AccessToken = "new-access"

	if err := s.CompareAndSwapSession(ctx, next, session.Generation+5); !errors.Is(err, storage.ErrGenerationMismatch) {
		t.Fatalf("CAS with wrong generation error = %v, want ErrGenerationMismatch", err)
	}
	if err := s.CompareAndSwapSession(ctx, next, session.Generation); err != nil {
		t.Fatalf("CAS error = %v", err)
	}

	got, _ := s.GetSession(ctx, session.ID)
	if got.Generation != next.Generation || got.Triple.Backend.AccessToken != "new-access" {
		t.Errorf("after CAS got generation %d access %q", got.Generation, got.Triple.Backend.AccessToken)
	}

	// replaying the same expected generation must fail
	if err := s.CompareAndSwapSession(ctx, next, session.Generation); !errors.Is(err, storage.ErrGenerationMismatch) {
		t.Errorf("replayed CAS error = %v, want ErrGenerationMismatch", err)
	}

	missing := testutil.Session(time.Now())
	if err := s.CompareAndSwapSession(ctx, missing, missing.Generation); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("CAS on missing session error = %v, want ErrNotFound", err)
	}
}

func testConcurrentCAS(t *testing.T, s Store) {
	ctx := context.Background()
	session := testutil.Session(time.Now())
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	const workers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := session.Clone()
			next.Generation++
			next.Triple.Backend.AccessToken = testutil.RandomString(8)
			err := s.CompareAndSwapSession(ctx, next, session.Generation)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, storage.ErrGenerationMismatch):
				t.Errorf("unexpected CAS error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("%d concurrent CAS calls succeeded, want exactly 1", got)
	}
}

func testRefreshLease(t *testing.T, s Store) {
	ctx := context.Background()

	token, err := s.AcquireRefreshLease(ctx, "sess-lease", time.Minute)
	if err != nil {
		t.Fatalf("AcquireRefreshLease() error = %v", err)
	}
	if _, err := s.AcquireRefreshLease(ctx, "sess-lease", time.Minute); !errors.Is(err, storage.ErrLeaseHeld) {
		t.Fatalf("second AcquireRefreshLease() error = %v, want ErrLeaseHeld", err)
	}
	if _, err := s.AcquireRefreshLease(ctx, "other-session", time.Minute); err != nil {
		t.Errorf("lease on another session error = %v", err)
	}

	// a stale token must not release someone else's lease
	if err := s.ReleaseRefreshLease(ctx, "sess-lease", "not-the-token"); err != nil {
		t.Fatalf("ReleaseRefreshLease() error = %v", err)
	}
	if _, err := s.AcquireRefreshLease(ctx, "sess-lease", time.Minute); !errors.Is(err, storage.ErrLeaseHeld) {
		t.Fatalf("lease released by foreign token, error = %v", err)
	}

	if err := s.ReleaseRefreshLease(ctx, "sess-lease", token); err != nil {
		t.Fatalf("ReleaseRefreshLease() error = %v", err)
	}
	if _, err := s.AcquireRefreshLease(ctx, "sess-lease", time.Minute); err != nil {
		t.Errorf("AcquireRefreshLease() after release error = %v", err)
	}
}

func testFlowOneShot(t *testing.T, s Store) {
	ctx := context.Background()
	flow := testutil.Flow(time.Now())

	if err := s.SaveFlow(ctx, flow); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}

	got, err := s.ConsumeFlow(ctx, flow.UpstreamState)
	if err != nil {
		t.Fatalf("ConsumeFlow() error = %v", err)
	}
	if got.FlowID != flow.FlowID || got.ClientState != flow.ClientState || got.UpstreamCodeVerifier != flow.UpstreamCodeVerifier {
		t.Errorf("ConsumeFlow() = %+v, want %+v", got, flow)
	}

	if _, err := s.ConsumeFlow(ctx, flow.UpstreamState); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeFlow() error = %v, want ErrNotFound", err)
	}

	// the client state is not a lookup key
	other := testutil.Flow(time.Now())
	_ = s.SaveFlow(ctx, other)
	if _, err := s.ConsumeFlow(ctx, other.ClientState); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeFlow(client state) error = %v, want ErrNotFound", err)
	}
}

func testConcurrentFlowConsume(t *testing.T, s Store) {
	ctx := context.Background()
	flow := testutil.Flow(time.Now())
	if err := s.SaveFlow(ctx, flow); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeFlow(ctx, flow.UpstreamState); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("flow consumed %d times, want exactly 1", got)
	}
}

func testFlowCollision(t *testing.T, s Store) {
	ctx := context.Background()
	flow := testutil.Flow(time.Now())
	if err := s.SaveFlow(ctx, flow); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}

	dup := testutil.Flow(time.Now())
	dup.UpstreamState = flow.UpstreamState
	if err := s.SaveFlow(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("SaveFlow() with in-flight upstream state error = %v, want ErrAlreadyExists", err)
	}

	if err := s.SaveFlow(ctx, &storage.FlowState{FlowID: "x"}); !errors.Is(err, storage.ErrInvalidRecord) {
		t.Errorf("SaveFlow() without upstream state error = %v, want ErrInvalidRecord", err)
	}
}

func testGrantOneShot(t *testing.T, s Store) {
	ctx := context.Background()
	grant := testutil.Grant(time.Now(), "sess-1")

	if err := s.SaveGrant(ctx, grant); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	got, err := s.ConsumeGrant(ctx, grant.Code)
	if err != nil {
		t.Fatalf("ConsumeGrant() error = %v", err)
	}
	if got.SessionID != "sess-1" || got.CodeChallenge != grant.CodeChallenge {
		t.Errorf("ConsumeGrant() = %+v", got)
	}
	if _, err := s.ConsumeGrant(ctx, grant.Code); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeGrant() error = %v, want ErrNotFound", err)
	}
}

func testClientLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	client := testutil.Client(time.Now())

	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	if err := s.SaveClient(ctx, client); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("second SaveClient() error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != client.ClientName || len(got.RedirectURIs) != 1 {
		t.Errorf("GetClient() = %+v", got)
	}

	revokedAt := time.Now().UTC()
	got.RevokedAt = &revokedAt
	if err := s.UpdateClient(ctx, got); err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}
	again, _ := s.GetClient(ctx, client.ClientID)
	if !again.Revoked() {
		t.Error("UpdateClient() did not persist revocation")
	}

	if _, err := s.GetClient(ctx, "never-issued"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetClient(unknown) error = %v, want ErrNotFound", err)
	}
	missing := testutil.Client(time.Now())
	if err := s.UpdateClient(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateClient(unknown) error = %v, want ErrNotFound", err)
	}
}
