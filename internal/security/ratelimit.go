package security

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client exceeds its message budget.
var ErrRateLimited = errors.New("security: rate limit exceeded")

// RateLimiter is a token bucket. The study server keeps one per connection
// to bound the event rate a single browser can push.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter that sustains rate operations per second
// with bursts up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiter(rate, burst, time.Now)
}

func newRateLimiter(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: now(),
		now:        now,
	}
}

// Allow reports whether one more operation fits the budget and consumes a
// token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.rate
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// ConnectionLimiter caps concurrent connections overall and per remote
// address.
type ConnectionLimiter struct {
	mu       sync.Mutex
	current  int
	max      int
	perAddr  map[string]int
	maxPerIP int
}

// NewConnectionLimiter creates a limiter. A zero limit disables that check.
func NewConnectionLimiter(max, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:      max,
		maxPerIP: maxPerIP,
		perAddr:  make(map[string]int),
	}
}

// Acquire takes a slot for addr. It returns false when a limit is reached.
func (cl *ConnectionLimiter) Acquire(addr string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.max > 0 && cl.current >= cl.max {
		return false
	}
	if cl.maxPerIP > 0 && cl.perAddr[addr] >= cl.maxPerIP {
		return false
	}
	cl.current++
	cl.perAddr[addr]++
	return true
}

// Release returns the slot held for addr.
func (cl *ConnectionLimiter) Release(addr string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current > 0 {
		cl.current--
	}
	if cl.perAddr[addr] > 0 {
		cl.perAddr[addr]--
		if cl.perAddr[addr] == 0 {
			delete(cl.perAddr, addr)
		}
	}
}

// Current returns the number of held slots.
func (cl *ConnectionLimiter) Current() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.current
}
