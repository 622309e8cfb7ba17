package engine

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/core"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTokenBucketStartsFull(t *testing.T) {
	b := NewTokenBucket(20, 10, epoch)
	require.Equal(t, 20.0, b.Available(epoch))
	require.Equal(t, 10.0, b.Rate())
	require.Equal(t, 20.0, b.Capacity())
}

func TestTokenBucketBurstThenThrottle(t *testing.T) {
	b := NewTokenBucket(20, 10, epoch)

	for i := 0; i < 20; i++ {
		res := b.TryConsume(epoch, 1)
		require.True(t, res.Allowed, "request %d", i)
	}

	res := b.TryConsume(epoch, 1)
	require.False(t, res.Allowed)
	require.InDelta(t, 1.0, res.Deficit, 1e-9)
	require.Equal(t, 100*time.Millisecond, res.Wait)
}

func TestTokenBucketRefillIsLinearAndCapped(t *testing.T) {
	b := NewTokenBucket(10, 2, epoch)
	for i := 0; i < 10; i++ {
		require.True(t, b.TryConsume(epoch, 1).Allowed)
	}
	require.Equal(t, 0.0, b.Available(epoch))

	require.InDelta(t, 3.0, b.Available(epoch.Add(1500*time.Millisecond)), 1e-9)
	require.InDelta(t, 7.0, b.Available(epoch.Add(3500*time.Millisecond)), 1e-9)
	require.Equal(t, 10.0, b.Available(epoch.Add(time.Hour)))
}

func TestTokenBucketIgnoresClockGoingBackwards(t *testing.T) {
	b := NewTokenBucket(5, 1, epoch)
	require.True(t, b.TryConsume(epoch, 5).Allowed)

	require.Equal(t, 0.0, b.Available(epoch.Add(-time.Minute)))
	require.InDelta(t, 1.0, b.Available(epoch.Add(time.Second)), 1e-9)
}

func TestTokenBucketFractionalDeficit(t *testing.T) {
	b := NewTokenBucket(1, 4, epoch)
	require.True(t, b.TryConsume(epoch, 1).Allowed)

	res := b.TryConsume(epoch.Add(100*time.Millisecond), 1)
	require.False(t, res.Allowed)
	require.InDelta(t, 0.4, res.Remaining, 1e-9)
	require.InDelta(t, 0.6, res.Deficit, 1e-9)
	require.Equal(t, 150*time.Millisecond, res.Wait)

	// Sleeping exactly the reported wait is always enough.
	require.True(t, b.TryConsume(epoch.Add(100*time.Millisecond+res.Wait), 1).Allowed)
}

func TestTokenBucketAdjustSettlesAtOldRate(t *testing.T) {
	b := NewTokenBucket(20, 10, epoch)
	for i := 0; i < 20; i++ {
		require.True(t, b.TryConsume(epoch, 1).Allowed)
	}

	b.Adjust(epoch.Add(500*time.Millisecond), 2, 4)
	require.Equal(t, 2.0, b.Rate())
	require.Equal(t, 4.0, b.Capacity())
	// 0.5s at 10/s accrued 5 tokens, clamped to the new capacity.
	require.Equal(t, 4.0, b.Available(epoch.Add(500*time.Millisecond)))
	require.InDelta(t, 4.0, b.Available(epoch.Add(2*time.Second)), 1e-9)
}

func TestTokenBucketStateAndRestore(t *testing.T) {
	b := NewTokenBucket(20, 10, epoch)
	require.True(t, b.TryConsume(epoch, 15).Allowed)

	state := b.State(epoch)
	require.InDelta(t, 5.0, state.Tokens, 1e-9)
	require.Equal(t, 20.0, state.Capacity)
	require.Equal(t, 10.0, state.RefillRate)
	require.Equal(t, epoch, state.LastRefill)

	fresh := NewTokenBucket(20, 10, epoch)
	state.RefillRate = 50
	state.Capacity = 40
	fresh.restore(state, 10, 20)
	assert.Equal(t, 10.0, fresh.Rate())
	assert.Equal(t, 20.0, fresh.Capacity())
	assert.InDelta(t, 5.0, fresh.Available(epoch), 1e-9)
}

func TestTokenBucketNeverNegativeNorOverCapacity(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	b := NewTokenBucket(8, 3, epoch)
	now := epoch

	for i := 0; i < 5000; i++ {
		now = now.Add(time.Duration(rng.IntN(400)) * time.Millisecond)
		n := float64(rng.IntN(4) + 1)
		res := b.TryConsume(now, n)
		require.GreaterOrEqual(t, res.Remaining, 0.0)
		require.LessOrEqual(t, res.Remaining, 8.0)
		if !res.Allowed {
			require.Greater(t, res.Wait, time.Duration(0))
		}
	}
}

func TestTokenBucketSyncOnlyLowers(t *testing.T) {
	b := NewTokenBucket(20, 10, epoch)
	require.True(t, b.TryConsume(epoch, 5).Allowed)

	b.Sync(epoch, 50)
	require.InDelta(t, 15.0, b.Available(epoch), 1e-9)

	b.Sync(epoch, 2)
	require.InDelta(t, 2.0, b.Available(epoch), 1e-9)

	b.Sync(epoch, -3)
	require.Zero(t, b.Available(epoch))
	require.InDelta(t, 5.0, b.Available(epoch.Add(500*time.Millisecond)), 1e-9)
}

func TestTokenBucketCapacityStaysAtLeastOne(t *testing.T) {
	b := NewTokenBucket(20, 10, epoch)
	b.Adjust(epoch, 1, 0.25)
	require.Equal(t, 1.0, b.Capacity())

	fresh := NewTokenBucket(20, 10, epoch)
	fresh.restore(core.BucketState{Capacity: 0.5, Tokens: 0.5, RefillRate: 1, LastRefill: epoch}, 10, 20)
	require.Equal(t, 1.0, fresh.Capacity())
	require.True(t, fresh.TryConsume(epoch.Add(time.Second), 1).Allowed)
}
