package engine

import (
	"math"
	"time"

	"github.com/predmkts/predmkts/internal/core"
)

// AdaptivePolicy tunes header-driven rate reconciliation.
type AdaptivePolicy struct {
	Enabled bool
	// Threshold is the relative change required before a bucket is
	// re-tuned. 0.1 means the implied rate must differ by more than 10%.
	Threshold       float64
	BurstMultiplier float64
	MinRate         float64
	MinCapacity     float64
}

// DefaultAdaptivePolicy returns the stock tuning.
func DefaultAdaptivePolicy() AdaptivePolicy {
	return AdaptivePolicy{
		Enabled:         true,
		Threshold:       0.1,
		BurstMultiplier: 2,
		MinRate:         0.1,
		MinCapacity:     1,
	}
}

// Adjustment is a proposed bucket re-tune.
type Adjustment struct {
	ImpliedRate      float64
	PreviousRate     float64
	Rate             float64
	PreviousCapacity float64
	Capacity         float64
}

// AdaptiveController derives refill rates from server quota headers.
type AdaptiveController struct {
	Policy AdaptivePolicy
}

// Evaluate computes the rate implied by h and reports whether the bucket
// should be re-tuned. The new rate never exceeds rateCeiling and the new
// capacity never exceeds burstCeiling, so the server can only tighten the
// locally configured budget.
func (a AdaptiveController) Evaluate(h core.RateLimitHeaders, now time.Time, currentRate, currentCapacity, rateCeiling, burstCeiling float64) (Adjustment, bool) {
	p := a.Policy
	if !p.Enabled || !h.HasQuota() || h.Reset == nil {
		return Adjustment{}, false
	}

	window := h.Reset.Sub(now).Seconds()
	if window <= 0 {
		return Adjustment{}, false
	}

	remaining := math.Max(0, float64(*h.Remaining))
	implied := remaining / window

	rate := math.Max(implied, p.MinRate)
	if rateCeiling > 0 {
		rate = math.Min(rate, rateCeiling)
	}

	if currentRate > 0 && math.Abs(rate-currentRate)/currentRate <= p.Threshold {
		return Adjustment{}, false
	}

	capacity := rate * p.BurstMultiplier
	capacity = math.Max(capacity, math.Max(p.MinCapacity, minCapacity))
	if burstCeiling > 0 && capacity > burstCeiling {
		capacity = burstCeiling
	}

	return Adjustment{
		ImpliedRate:      implied,
		PreviousRate:     currentRate,
		Rate:             rate,
		PreviousCapacity: currentCapacity,
		Capacity:         capacity,
	}, true
}
