package engine

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/core"
)

func testPolicy(exchange, host string) Policy {
	return Policy{
		Exchange:       exchange,
		Host:           host,
		SteadyRate:     10,
		Burst:          20,
		MaxConcurrency: 4,
	}
}

func TestRegistryResolve(t *testing.T) {
	kalshi := testPolicy("kalshi", "api.elections.kalshi.com")
	kalshi.Rules = []Rule{
		{Key: "kalshi-markets", Pattern: regexp.MustCompile(`^/trade-api/v2/markets`)},
		{Key: "kalshi-global"},
	}
	poly := testPolicy("polymarket", "gamma-api.polymarket.com")

	reg, err := NewRegistry([]Policy{kalshi, poly}, DefaultFallback(), NewManualClock(epoch))
	require.NoError(t, err)

	key, policy := reg.Resolve("api.elections.kalshi.com", "/trade-api/v2/markets/XYZ")
	require.Equal(t, core.BucketKey("kalshi-markets"), key)
	require.Equal(t, "kalshi", policy.Exchange)

	key, _ = reg.Resolve("API.Elections.Kalshi.com", "/trade-api/v2/events")
	require.Equal(t, core.BucketKey("kalshi-global"), key)

	key, policy = reg.Resolve("gamma-api.polymarket.com", "/markets")
	require.Equal(t, core.BucketKey("gamma-api.polymarket.com"), key)
	require.Equal(t, "polymarket", policy.Exchange)
	require.Equal(t, core.DefaultHeaderNames(), policy.Headers)

	key, policy = reg.Resolve("unknown.example:8443", "/x")
	require.Equal(t, core.BucketKey("unknown.example:8443"), key)
	require.Equal(t, "default", policy.Exchange)
}

func TestRegistryResolveStripsPortForConfiguredHost(t *testing.T) {
	reg, err := NewRegistry([]Policy{testPolicy("local", "127.0.0.1")}, DefaultFallback(), NewManualClock(epoch))
	require.NoError(t, err)

	_, policy := reg.Resolve("127.0.0.1:8080", "/")
	require.Equal(t, "local", policy.Exchange)
}

func TestNewRegistryRejectsInvalidPolicies(t *testing.T) {
	clock := NewManualClock(epoch)

	bad := testPolicy("bad", "a.example")
	bad.SteadyRate = 0
	_, err := NewRegistry([]Policy{bad}, DefaultFallback(), clock)
	require.Error(t, err)

	_, err = NewRegistry([]Policy{testPolicy("nohost", "")}, DefaultFallback(), clock)
	require.Error(t, err)

	_, err = NewRegistry([]Policy{testPolicy("a", "x.example"), testPolicy("b", "X.example")}, DefaultFallback(), clock)
	require.Error(t, err)

	rule := testPolicy("rule", "r.example")
	rule.Rules = []Rule{{Key: " "}}
	_, err = NewRegistry([]Policy{rule}, DefaultFallback(), clock)
	require.Error(t, err)
}

func TestRegistrySharedKeySharesSlot(t *testing.T) {
	p := testPolicy("kalshi", "api.kalshi.test")
	p.Rules = []Rule{{Key: "shared"}}
	reg, err := NewRegistry([]Policy{p}, DefaultFallback(), NewManualClock(epoch))
	require.NoError(t, err)

	k1, p1 := reg.Resolve("api.kalshi.test", "/a")
	k2, p2 := reg.Resolve("api.kalshi.test", "/b")
	require.Same(t, reg.Slot(k1, p1), reg.Slot(k2, p2))
	require.Len(t, reg.Slots(), 1)
}

func TestNewRegistryKeepsSharedKeysPerExchange(t *testing.T) {
	clock := NewManualClock(epoch)

	a := testPolicy("a", "a.test")
	a.Burst = 1
	a.Rules = []Rule{{Key: "global"}}
	b := testPolicy("b", "b.test")
	b.Rules = []Rule{{Key: "global"}}
	_, err := NewRegistry([]Policy{a, b}, DefaultFallback(), clock)
	require.ErrorContains(t, err, `bucket key "global" is already used by "a"`)

	// A rule may not borrow another exchange's host bucket either.
	b.Rules = []Rule{{Key: "a.test"}}
	_, err = NewRegistry([]Policy{a, b}, DefaultFallback(), clock)
	require.Error(t, err)

	// One exchange may route several patterns to the same key.
	a.Rules = []Rule{{Key: "global", Pattern: regexp.MustCompile(`^/markets`)}, {Key: "global"}}
	b.Rules = []Rule{{Key: "b-global"}}
	reg, err := NewRegistry([]Policy{a, b}, DefaultFallback(), clock)
	require.NoError(t, err)

	ka, pa := reg.Resolve("a.test", "/events")
	kb, pb := reg.Resolve("b.test", "/events")
	require.NotEqual(t, ka, kb)
	require.Equal(t, 1.0, reg.Slot(ka, pa).Bucket.Capacity())
	require.Equal(t, 20.0, reg.Slot(kb, pb).Bucket.Capacity())
}

func TestRegistryAcquireSleepsDeficit(t *testing.T) {
	clock := NewManualClock(epoch)
	p := testPolicy("x", "x.test")
	p.Burst = 2
	reg, err := NewRegistry([]Policy{p}, DefaultFallback(), clock)
	require.NoError(t, err)

	key, policy := reg.Resolve("x.test", "/")
	slot := reg.Slot(key, policy)

	for i := 0; i < 2; i++ {
		ticket, err := reg.Acquire(context.Background(), slot)
		require.NoError(t, err)
		require.Zero(t, ticket.Waited)
		reg.Release(ticket)
	}

	ticket, err := reg.Acquire(context.Background(), slot)
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, ticket.Waited)
	require.Equal(t, []time.Duration{100 * time.Millisecond}, clock.Sleeps())
	reg.Release(ticket)
	reg.Release(ticket)
	require.Zero(t, slot.InFlight())
}

func TestRegistryConcurrencyNeverExceedsLimit(t *testing.T) {
	p := testPolicy("x", "x.test")
	p.Burst = 1000
	p.MaxConcurrency = 3
	reg, err := NewRegistry([]Policy{p}, DefaultFallback(), SystemClock{})
	require.NoError(t, err)

	key, policy := reg.Resolve("x.test", "/")
	slot := reg.Slot(key, policy)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := reg.Acquire(context.Background(), slot)
			if err != nil {
				t.Error(err)
				return
			}
			defer reg.Release(ticket)
			time.Sleep(2 * time.Millisecond)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, slot.PeakInFlight(), int64(3))
	require.GreaterOrEqual(t, slot.PeakInFlight(), int64(1))
	require.Zero(t, slot.InFlight())
}

func TestRegistryAcquireCancelledReleasesSlot(t *testing.T) {
	p := testPolicy("x", "x.test")
	p.MaxConcurrency = 1
	reg, err := NewRegistry([]Policy{p}, DefaultFallback(), SystemClock{})
	require.NoError(t, err)

	key, policy := reg.Resolve("x.test", "/")
	slot := reg.Slot(key, policy)

	held, err := reg.Acquire(context.Background(), slot)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, slot)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int64(1), slot.InFlight())

	reg.Release(held)
	ticket, err := reg.Acquire(context.Background(), slot)
	require.NoError(t, err)
	reg.Release(ticket)
}

func TestRegistryTokenWaitCancelledReleasesSlot(t *testing.T) {
	p := testPolicy("x", "x.test")
	p.Burst = 1
	p.SteadyRate = 0.001
	reg, err := NewRegistry([]Policy{p}, DefaultFallback(), SystemClock{})
	require.NoError(t, err)

	key, policy := reg.Resolve("x.test", "/")
	slot := reg.Slot(key, policy)

	ticket, err := reg.Acquire(context.Background(), slot)
	require.NoError(t, err)
	reg.Release(ticket)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, slot)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, slot.InFlight())
}

func TestRegistryRestorePending(t *testing.T) {
	clock := NewManualClock(epoch)
	reg, err := NewRegistry([]Policy{testPolicy("x", "x.test")}, DefaultFallback(), clock)
	require.NoError(t, err)

	reg.Restore([]core.BucketState{
		{Key: "x.test", Capacity: 6, Tokens: 3, RefillRate: 2, LastRefill: epoch},
		{Key: ""},
	})

	key, policy := reg.Resolve("x.test", "/")
	slot := reg.Slot(key, policy)
	require.Equal(t, 2.0, slot.Bucket.Rate())
	require.Equal(t, 6.0, slot.Bucket.Capacity())
	require.InDelta(t, 3.0, slot.Bucket.Available(epoch), 1e-9)

	states := reg.States()
	require.Len(t, states, 1)
	require.Equal(t, core.BucketKey("x.test"), states[0].Key)

	reg.Restore([]core.BucketState{{Key: "x.test", Capacity: 6, Tokens: 1, RefillRate: 1, LastRefill: epoch}})
	require.Equal(t, 1.0, slot.Bucket.Rate())
	require.InDelta(t, 1.0, slot.Bucket.Available(epoch), 1e-9)
}

func TestPolicySummary(t *testing.T) {
	kalshi := testPolicy("kalshi", "api.elections.kalshi.com")
	kalshi.Headers = core.DefaultHeaderNames()
	kalshi.Rules = []Rule{
		{Key: "kalshi-markets", Pattern: regexp.MustCompile(`^/trade-api/v2/markets`)},
		{Key: "kalshi-global"},
	}

	reg, err := NewRegistry([]Policy{kalshi}, DefaultFallback(), NewManualClock(epoch))
	require.NoError(t, err)
	require.Equal(t, "default", reg.Fallback().Exchange)

	summary := reg.Policies()[0].Summary()
	require.Equal(t, "kalshi", summary.Exchange)
	require.Equal(t, 4, summary.MaxConcurrency)
	require.Equal(t, "X-RateLimit-Remaining", summary.Headers.Remaining)
	require.Equal(t, []RuleSummary{
		{Key: "kalshi-markets", Pattern: `^/trade-api/v2/markets`},
		{Key: "kalshi-global"},
	}, summary.Buckets)
}
