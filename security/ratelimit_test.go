package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 3}, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other identifiers must have their own bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, MaxEntries: 2}, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a")
	rl.Allow("c")

	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	// "b" was least recently used and got evicted, so it starts with a fresh bucket
	if !rl.Allow("b") {
		t.Error("evicted identifier should get a fresh bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, IdleTimeout: time.Minute}, nil)
	defer rl.Stop()

	rl.Allow("idle")
	rl.cleanup(time.Now().Add(2 * time.Minute))

	if got := rl.Len(); got != 0 {
		t.Errorf("Len() after cleanup = %d, want 0", got)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 100, Burst: 100, MaxEntries: 50}, nil)
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				rl.Allow(fmt.Sprintf("ip-%d", (n*j)%80))
			}
		}(i)
	}
	wg.Wait()

	if rl.Len() > 50 {
		t.Errorf("Len() = %d exceeds MaxEntries", rl.Len())
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1}, nil)
	rl.Stop()
	rl.Stop()
}
