package router

import (
	"sync"
	"time"
)

// DefaultEventsPerMinute is the per-identity inbound budget, sensor samples included
const DefaultEventsPerMinute = 600

// RateLimiter implements per-identity rate limiting
// ARCHITECTURAL DISCOVERY: Per-client state tracking with proper cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*ClientLimit
	now     func() time.Time
}

// ClientLimit tracks rate limiting for a single identity
// FUNCTIONAL DISCOVERY: Fixed window with minute-based reset gives an exact per-minute cap
type ClientLimit struct {
	eventCount  int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing limit events per minute.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  time.Minute,
		clients: make(map[string]*ClientLimit),
		now:     time.Now,
	}
}

// Allow checks if the identity can send another event in the current window
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[userID]
	if !exists {
		// First event always allowed, initialize tracking
		rl.clients[userID] = &ClientLimit{
			eventCount:  1,
			windowStart: now,
		}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.eventCount = 1
		limit.windowStart = now
		return true
	}

	if limit.eventCount >= rl.limit {
		return false
	}

	limit.eventCount++
	return true
}

// Forget drops state for an identity, used when it goes offline
func (rl *RateLimiter) Forget(userID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, userID)
}

// Cleanup removes old client entries (call periodically)
// ARCHITECTURAL DISCOVERY: Prevent memory leaks by removing stale client state
// after 5 minutes of inactivity (5x the rate limit window)
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
		}
	}
}

// Size returns the number of tracked identities
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
