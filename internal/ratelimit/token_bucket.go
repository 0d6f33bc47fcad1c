// Package ratelimit meters outbound traffic with token buckets.
package ratelimit

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/rtc-client/internal/clock"
)

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate of tokens per second read from a
// clock.Clock, so tests drive it with a fake clock.
//
// Tokens are stored as fixed-point nano-tokens: a rate of X tokens/sec adds
// X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu    sync.Mutex
	clock clock.Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(clk clock.Clock, capacity, rate int64) *TokenBucket {
	if clk == nil {
		clk = clock.Real()
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clk,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clk.Now(),
	}
}

// Allow takes n tokens if they are all available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// Available reports the whole tokens left after refilling.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.available / nanoTokensPerToken
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}
	full := toNano(b.capacity)
	need := full - b.available
	if need <= 0 {
		b.available = full
		return
	}
	// elapsed*rate may overflow; anything past the time to fill clamps.
	if toFill := need / b.rate; toFill <= 0 || elapsed >= toFill {
		b.available = full
		return
	}
	b.available += elapsed * b.rate
	if b.available > full {
		b.available = full
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
