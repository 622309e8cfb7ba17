package engine

import (
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/predmkts/predmkts/internal/core"
)

// BackoffPolicy bounds error-driven retries. MaxAttempts counts every
// attempt of a logical request, the first one included.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoffPolicy returns 1s base, 60s cap, ±25% jitter, 5 attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Max:         60 * time.Second,
		Jitter:      0.25,
		MaxAttempts: 5,
	}
}

// BackoffState is the retry state of a logical request.
type BackoffState int

const (
	BackoffTrying BackoffState = iota
	BackoffRetry
	BackoffSuccess
	BackoffExhausted
)

func (s BackoffState) String() string {
	switch s {
	case BackoffTrying:
		return "trying"
	case BackoffRetry:
		return "retry"
	case BackoffSuccess:
		return "success"
	case BackoffExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Step is the outcome of observing one response.
type Step struct {
	State    BackoffState
	Wait     time.Duration
	Decision core.Decision
	// Attempt is the zero-based index of the attempt that was observed.
	Attempt int
}

// Backoff tracks consecutive failures for one logical request.
// It is not safe for concurrent use.
type Backoff struct {
	policy   BackoffPolicy
	rand     func() float64
	attempts int
	state    BackoffState
}

// NewBackoff returns a Backoff in the trying state. A nil rnd uses
// math/rand/v2.
func NewBackoff(policy BackoffPolicy, rnd func() float64) *Backoff {
	if rnd == nil {
		rnd = rand.Float64
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Backoff{policy: policy, rand: rnd}
}

// State returns the current state.
func (b *Backoff) State() BackoffState {
	return b.state
}

// Attempts returns how many consecutive failures have been observed since
// the last success or Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset returns to the trying state with no recorded failures.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.state = BackoffTrying
}

// Observe classifies a response. Status 0 stands for a transport error and
// is handled like a 5xx. retryAfter is honored verbatim for 429 responses.
// Any other status is a success and clears the failure count.
func (b *Backoff) Observe(status int, retryAfter *time.Duration) Step {
	attempt := b.attempts
	b.attempts++

	var decision core.Decision
	switch {
	case status == http.StatusTooManyRequests:
		decision = core.DecisionBackoff429
	case status == 0 || status >= 500:
		decision = core.DecisionBackoff5xx
	default:
		b.attempts = 0
		b.state = BackoffSuccess
		return Step{State: BackoffSuccess, Decision: core.DecisionAllow, Attempt: attempt}
	}

	if b.attempts >= b.policy.MaxAttempts {
		b.state = BackoffExhausted
		return Step{State: BackoffExhausted, Decision: decision, Attempt: attempt}
	}

	wait := b.delay(attempt)
	if decision == core.DecisionBackoff429 && retryAfter != nil {
		wait = max(*retryAfter, 0)
	}

	b.state = BackoffRetry
	return Step{State: BackoffRetry, Wait: wait, Decision: decision, Attempt: attempt}
}

// delay returns base*2^n with symmetric jitter, capped at the policy max.
func (b *Backoff) delay(n int) time.Duration {
	p := b.policy
	if p.Base <= 0 {
		return 0
	}

	d := float64(p.Base) * math.Pow(2, float64(n))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*b.rand()-1)
	}
	if d < 0 {
		d = 0
	}
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
