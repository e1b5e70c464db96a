// Package ratelimit implements the token-bucket rate limiter shared by the
// dispatcher's global and per-source limits.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/nugget/sentryd/internal/clock"
)

// TokenBucket holds capacity (burst) and rate_per_sec. Acquire refills based
// on elapsed wall time, caps at capacity, then consumes n tokens if
// available. The semantics here match the original Python rate limiter bit
// for bit: acquire(n<=0) always succeeds without mutating state, and
// construction rejects a non-positive rate or capacity.
type TokenBucket struct {
	mu      sync.Mutex
	clock   clock.Clock
	rate    float64
	cap     float64
	tokens  float64
	lastRef time.Time
}

// New constructs a TokenBucket. ratePerSec and capacity must both be
// strictly positive.
func New(c clock.Clock, ratePerSec, capacity float64) (*TokenBucket, error) {
	if ratePerSec <= 0 {
		return nil, fmt.Errorf("ratelimit: rate_per_sec must be positive, got %v", ratePerSec)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be positive, got %v", capacity)
	}
	return &TokenBucket{
		clock:   c,
		rate:    ratePerSec,
		cap:     capacity,
		tokens:  capacity,
		lastRef: c.Now(),
	}, nil
}

// Acquire attempts to consume n tokens, refilling first. n <= 0 always
// succeeds and never mutates state.
func (b *TokenBucket) Acquire(n float64) bool {
	if n <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// AvailableTokens returns the current token count after an implicit refill.
func (b *TokenBucket) AvailableTokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Reset refills the bucket to full capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.cap
	b.lastRef = b.clock.Now()
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRef).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.cap {
			b.tokens = b.cap
		}
		b.lastRef = now
	}
}
