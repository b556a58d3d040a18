package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/mcp-registry-gateway/instrumentation"
	"github.com/giantswarm/mcp-registry-gateway/internal/testutil"
	"github.com/giantswarm/mcp-registry-gateway/storage"
	"github.com/giantswarm/mcp-registry-gateway/storage/storetest"
)

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		s := New()
		t.Cleanup(s.Stop)
		return s
	})
}

func TestStore_LeaseExpires(t *testing.T) {
	store := New()
	defer store.Stop()

	clock := testutil.NewClock(time.Now())
	store.SetClock(clock.Now)
	ctx := context.Background()

	if _, err := store.AcquireRefreshLease(ctx, "sess", 10*time.Second); err != nil {
		t.Fatalf("AcquireRefreshLease() error = %v", err)
	}
	clock.Advance(11 * time.Second)

	if _, err := store.AcquireRefreshLease(ctx, "sess", 10*time.Second); err != nil {
		t.Errorf("AcquireRefreshLease() after expiry error = %v", err)
	}
}

func TestStore_CleanupRetainsRecentlyExpiredFlows(t *testing.T) {
	store := New()
	defer store.Stop()

	clock := testutil.NewClock(time.Now())
	store.SetClock(clock.Now)
	ctx := context.Background()

	flow := testutil.Flow(clock.Now())
	if err := store.SaveFlow(ctx, flow); err != nil {
		t.Fatalf("SaveFlow() error = %v", err)
	}

	// just past expiry: still retained so the caller can report expiry
	clock.Advance(11 * time.Minute)
	store.cleanup()
	if store.flowsCount.Load() != 1 {
		t.Fatal("recently expired flow was swept")
	}

	clock.Advance(storage.ExpiredRetention)
	store.cleanup()
	if _, err := store.ConsumeFlow(ctx, flow.UpstreamState); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeFlow() after sweep error = %v, want ErrNotFound", err)
	}
}

func TestStore_CleanupExpiredSessions(t *testing.T) {
	store := New()
	defer store.Stop()

	clock := testutil.NewClock(time.Now())
	store.SetClock(clock.Now)
	ctx := context.Background()

	session := testutil.Session(clock.Now())
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	clock.Advance(2 * time.Hour)
	store.cleanup()

	if _, err := store.GetSession(ctx, session.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession() after expiry sweep error = %v, want ErrNotFound", err)
	}
	if store.sessionsCount.Load() != 0 {
		t.Errorf("sessionsCount = %d, want 0", store.sessionsCount.Load())
	}
}

func TestStore_WithInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	store := New()
	defer store.Stop()
	store.SetInstrumentation(inst)

	ctx := context.Background()
	session := testutil.Session(time.Now())
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession() error = %v", err)
	}
	if store.sessionsCount.Load() != 1 {
		t.Errorf("sessionsCount = %d, want 1", store.sessionsCount.Load())
	}
}

func TestNewWithInterval_DefaultsNonPositive(t *testing.T) {
	store := NewWithInterval(0)
	defer store.Stop()
	if store.cleanupInterval != time.Minute {
		t.Errorf("cleanupInterval = %v, want 1m", store.cleanupInterval)
	}
	store.Stop()
}
