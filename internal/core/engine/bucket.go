package engine

import (
	"math"
	"sync"
	"time"

	"github.com/predmkts/predmkts/internal/core"
)

// minCapacity keeps every bucket able to hold the single token an
// acquisition needs.
const minCapacity = 1.0

// TokenBucket holds a fractional token inventory with continuous refill.
// All read-modify-write sequences run under the bucket's mutex.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

// ConsumeResult reports the outcome of TryConsume. When Allowed is false,
// Deficit is the exact token shortfall and Wait is the time until the
// bucket will hold enough tokens at the current refill rate.
type ConsumeResult struct {
	Allowed   bool
	Remaining float64
	Deficit   float64
	Wait      time.Duration
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	if capacity < 0 {
		capacity = 0
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// Refill accrues tokens for the time elapsed since the last refill.
func (b *TokenBucket) Refill(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
}

// TryConsume refills, then takes n tokens if available.
func (b *TokenBucket) TryConsume(now time.Time, n float64) ConsumeResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)

	if b.tokens >= n {
		b.tokens -= n
		return ConsumeResult{Allowed: true, Remaining: b.tokens}
	}

	deficit := n - b.tokens
	return ConsumeResult{
		Remaining: b.tokens,
		Deficit:   deficit,
		Wait:      waitFor(deficit, b.refillRate),
	}
}

// Available returns the token count after refilling to now.
func (b *TokenBucket) Available(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens
}

// Adjust settles accrual at the old rate, then installs a new refill rate
// and capacity. Tokens above the new capacity are dropped. Capacity never
// drops below one token.
func (b *TokenBucket) Adjust(now time.Time, refillRate, capacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if refillRate > 0 {
		b.refillRate = refillRate
	}
	if capacity >= 0 {
		b.capacity = math.Max(capacity, minCapacity)
	}
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Sync lowers the local inventory to the server-reported remaining quota.
// It never raises it; refill still proceeds at the local rate.
func (b *TokenBucket) Sync(now time.Time, remaining float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	b.tokens = math.Min(b.tokens, math.Max(0, remaining))
}

// Rate returns the current refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refillRate
}

// Capacity returns the current burst capacity.
func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// State returns a copy of the bucket after refilling to now.
func (b *TokenBucket) State(now time.Time) core.BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return core.BucketState{
		Capacity:   b.capacity,
		Tokens:     b.tokens,
		RefillRate: b.refillRate,
		LastRefill: b.lastRefill,
		UpdatedAt:  now,
	}
}

// restore overwrites the bucket with a previously captured state, clamped
// to the given ceilings.
func (b *TokenBucket) restore(state core.BucketState, maxRate, maxCapacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state.RefillRate > 0 {
		b.refillRate = math.Min(state.RefillRate, maxRate)
	}
	if state.Capacity > 0 {
		b.capacity = math.Max(minCapacity, math.Min(state.Capacity, maxCapacity))
	}
	b.tokens = math.Max(0, math.Min(state.Tokens, b.capacity))
	if !state.LastRefill.IsZero() {
		b.lastRefill = state.LastRefill
	}
}

// refillLocked must be called with b.mu held.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// waitFor converts a token deficit into the time needed to accrue it,
// rounded up to the next nanosecond so a full sleep always covers it.
func waitFor(deficit, rate float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	if rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	nanos := math.Ceil(deficit / rate * float64(time.Second))
	if nanos >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(nanos)
}
