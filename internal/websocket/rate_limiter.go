package websocket

import (
	"sync"
	"time"
)

// RateLimiter caps inbound frames per connection in fixed windows
// ARCHITECTURAL DISCOVERY: Per-client state tracking with explicit Forget on
// close keeps the map bounded by live connections
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*clientLimit
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter allows limit frames per window. A non-positive limit
// disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientLimit),
	}
}

// Allow counts one frame for key and reports whether it is within the limit
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	l, ok := rl.clients[key]
	if !ok || now.Sub(l.windowStart) >= rl.window {
		rl.clients[key] = &clientLimit{count: 1, windowStart: now}
		return true
	}
	if l.count >= rl.limit {
		return false
	}
	l.count++
	return true
}

// Forget drops key's window
func (rl *RateLimiter) Forget(key string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.clients, key)
	rl.mu.Unlock()
}

// Cleanup removes windows idle for five windows or more
func (rl *RateLimiter) Cleanup() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, l := range rl.clients {
		if now.Sub(l.windowStart) > 5*rl.window {
			delete(rl.clients, key)
		}
	}
}
