// Package ratelimit implements the token bucket used to cap how many
// signaling envelopes a single connection may send per second.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is stored as 1e9 nano-tokens so a rate of R tokens/sec refills
// exactly R nano-tokens per elapsed nanosecond, without float rounding.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket holds up to capacity tokens and refills at ratePerSecond.
// It starts full. The zero value is not usable; use NewTokenBucket.
type TokenBucket struct {
	clock Clock

	mu       sync.Mutex
	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns
	avail    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a full bucket. Negative arguments are treated as 0;
// a bucket with zero capacity rejects every non-empty request.
func NewTokenBucket(clock Clock, capacity, ratePerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	ratePerSecond = max(ratePerSecond, 0)
	capNano := toNano(capacity)
	return &TokenBucket{
		clock:    clock,
		capacity: capNano,
		rate:     ratePerSecond,
		avail:    capNano,
		last:     clock.Now(),
	}
}

// Allow takes n tokens if they are available and reports whether it did.
// n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that goes backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate == 0 || b.avail >= b.capacity {
		return
	}

	missing := b.capacity - b.avail
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= missing/b.rate+1 {
		b.avail = b.capacity
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
