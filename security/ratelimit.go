package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults
const (
	DefaultRateLimiterMaxEntries  = 10000
	DefaultRateLimiterIdleTimeout = 30 * time.Minute
	rateLimiterCleanupInterval    = 5 * time.Minute
)

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	// Rate is the sustained number of events per second per identifier
	Rate rate.Limit

	// Burst is the bucket size per identifier
	Burst int

	// MaxEntries bounds the number of tracked identifiers; the least recently
	// used identifier is evicted when full. Zero means DefaultRateLimiterMaxEntries.
	MaxEntries int

	// IdleTimeout removes identifiers not seen for this long
	IdleTimeout time.Duration
}

type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-identifier token bucket limiter with LRU eviction
type RateLimiter struct {
	mu       sync.Mutex
	config   RateLimiterConfig
	limiters map[string]*list.Element
	lru      *list.List
	logger   *slog.Logger

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its idle cleanup loop.
// Call Stop to release the goroutine.
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultRateLimiterMaxEntries
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultRateLimiterIdleTimeout
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	rl := &RateLimiter{
		config:      config,
		limiters:    make(map[string]*list.Element),
		lru:         list.New(),
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether an event for identifier may happen now
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.limiters[identifier]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.limiters) >= rl.config.MaxEntries {
		rl.evictOldest()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rl.config.Rate, rl.config.Burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// Len returns the number of tracked identifiers
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// evictOldest must be called with rl.mu held
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lru.Remove(elem)
	rl.logger.Debug("Rate limiter evicted identifier", "entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rateLimiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.cleanup(now)
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops identifiers idle for longer than the configured timeout
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= rl.config.IdleTimeout {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed", "removed", removed, "remaining", len(rl.limiters))
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
