package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/core/telemetry"
)

// LimiterMarker tags limiter log lines, as opposed to telemetry lines.
const LimiterMarker = "RLLIMIT"

// Options configures a RateLimiter.
type Options struct {
	Policies []Policy
	Fallback Policy
	Backoff  BackoffPolicy
	// Adaptive nil uses DefaultAdaptivePolicy.
	Adaptive *AdaptivePolicy
	Clock    Clock
	// Recorder receives every event. Nil gets a private recorder with no
	// log output.
	Recorder *telemetry.Recorder
	Logger   *logging.Logger
	// Rand feeds backoff jitter. Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultFallback is the policy for hosts no exchange names.
func DefaultFallback() Policy {
	return Policy{
		Exchange:       "default",
		SteadyRate:     10,
		Burst:          20,
		MaxConcurrency: 4,
		Headers:        core.DefaultHeaderNames(),
	}
}

// RateLimiter gates outbound requests in two phases: BeforeRequest blocks
// for a concurrency slot and a token, AfterResponse classifies the outcome,
// adapts the bucket and sleeps any backoff. Both phases emit exactly one
// telemetry event. A RateLimiter is safe for concurrent use.
type RateLimiter struct {
	registry *Registry
	backoff  BackoffPolicy
	adaptive AdaptiveController
	clock    Clock
	recorder *telemetry.Recorder
	logger   *logging.Logger
	rand     func() float64
}

// New validates opts and builds a limiter.
func New(opts Options) (*RateLimiter, error) {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Fallback.SteadyRate == 0 && opts.Fallback.Burst == 0 && opts.Fallback.MaxConcurrency == 0 {
		opts.Fallback = DefaultFallback()
	}
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = DefaultBackoffPolicy()
	}
	if opts.Backoff.MaxAttempts < 1 {
		return nil, fmt.Errorf("backoff max attempts must be at least 1")
	}
	if opts.Backoff.Jitter < 0 || opts.Backoff.Jitter >= 1 {
		return nil, fmt.Errorf("backoff jitter must be in [0,1)")
	}
	adaptive := DefaultAdaptivePolicy()
	if opts.Adaptive != nil {
		adaptive = *opts.Adaptive
	}
	if opts.Recorder == nil {
		opts.Recorder = telemetry.NewRecorder(telemetry.Options{})
	}

	registry, err := NewRegistry(opts.Policies, opts.Fallback, opts.Clock)
	if err != nil {
		return nil, err
	}

	return &RateLimiter{
		registry: registry,
		backoff:  opts.Backoff,
		adaptive: AdaptiveController{Policy: adaptive},
		clock:    opts.Clock,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		rand:     opts.Rand,
	}, nil
}

// Call is one logical request: every retry of the same request shares a
// Call so that backoff attempts are counted across attempts. A Call must
// not be used from more than one goroutine at a time.
type Call struct {
	ID       string
	Host     string
	Endpoint string
	Key      core.BucketKey

	slot     *Slot
	backoff  *Backoff
	attempts int
	err      error
}

// Attempts returns how many attempts have been admitted.
func (c *Call) Attempts() int {
	return c.attempts
}

// NewCall resolves host and endpoint to a bucket and starts a logical request.
func (l *RateLimiter) NewCall(host, endpoint string) *Call {
	key, policy := l.registry.Resolve(host, endpoint)
	return &Call{
		ID:       uuid.NewString(),
		Host:     host,
		Endpoint: endpoint,
		Key:      key,
		slot:     l.registry.Slot(key, policy),
		backoff:  NewBackoff(l.backoff, l.rand),
	}
}

// Permit is an admitted attempt. It holds a concurrency slot until
// AfterResponse or Release, whichever comes first.
type Permit struct {
	Call     *Call
	Decision core.Decision
	Waited   time.Duration
	Attempt  int

	ticket   *Ticket
	registry *Registry
	once     sync.Once
}

// Release returns the permit's concurrency slot. It is safe to call more
// than once and on a nil permit.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.registry.Release(p.ticket)
	})
}

// Response is what the caller observed for one attempt. Status 0 with a
// non-nil Err is a transport error.
type Response struct {
	Status  int
	Header  http.Header
	Elapsed time.Duration
	Err     error
}

// BeforeRequest blocks until call's bucket has a free slot and a token.
// The returned permit must be passed to AfterResponse or released.
func (l *RateLimiter) BeforeRequest(ctx context.Context, call *Call) (*Permit, error) {
	if call == nil || call.slot == nil {
		return nil, fmt.Errorf("before request: call not created by this limiter")
	}
	if call.err != nil {
		return nil, call.err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := l.clock.Now()
	ticket, err := l.registry.Acquire(ctx, call.slot)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", call.Key, err)
	}
	now := l.clock.Now()

	decision := core.DecisionAllow
	if ticket.Waited > 0 {
		decision = core.DecisionThrottle
		call.slot.throttled.Add(1)
		call.slot.waitNanos.Add(int64(ticket.Waited))
	}
	call.slot.requests.Add(1)

	permit := &Permit{
		Call:     call,
		Decision: decision,
		Waited:   ticket.Waited,
		Attempt:  call.attempts,
		ticket:   ticket,
		registry: l.registry,
	}
	call.attempts++

	l.recorder.RecordBefore(telemetry.Event{
		Timestamp:       now,
		BucketKey:       call.Key,
		Endpoint:        call.Endpoint,
		Decision:        decision,
		ElapsedMS:       durationMS(now.Sub(start)),
		SleepS:          ticket.Waited.Seconds(),
		Attempt:         permit.Attempt,
		TokensAvailable: ticket.Remaining,
	})

	return permit, nil
}

// AfterResponse classifies the attempt's outcome. It releases the permit's
// slot, applies adaptive tuning from quota headers, and for a retryable
// outcome sleeps the backoff before returning a BACKOFF decision; the
// caller then calls BeforeRequest again with the same Call. Once attempts
// are exhausted it returns an *ExhaustedError.
func (l *RateLimiter) AfterResponse(ctx context.Context, permit *Permit, resp Response) (core.Decision, error) {
	if permit == nil || permit.Call == nil {
		return "", fmt.Errorf("after response: nil permit")
	}
	permit.Release()
	if ctx == nil {
		ctx = context.Background()
	}

	call := permit.Call
	slot := call.slot
	policy := slot.Policy
	now := l.clock.Now()

	status := resp.Status

	headers, seen := ParseHeaders(resp.Header, policy.Headers, now)
	if headers.Remaining != nil {
		slot.Bucket.Sync(now, float64(*headers.Remaining))
	}

	decision := core.DecisionAllow
	if adj, ok := l.adaptive.Evaluate(headers, now, slot.Bucket.Rate(), slot.Bucket.Capacity(), policy.SteadyRate, policy.Burst); ok {
		slot.Bucket.Adjust(now, adj.Rate, adj.Capacity)
		decision = core.DecisionAdaptive
		l.logAdjustment(call, adj)
	}

	step := call.backoff.Observe(status, headers.RetryAfter)
	event := telemetry.Event{
		Timestamp:       now,
		BucketKey:       call.Key,
		Endpoint:        call.Endpoint,
		Status:          status,
		ElapsedMS:       durationMS(resp.Elapsed),
		HeadersSeen:     seen,
		Attempt:         permit.Attempt,
		TokensAvailable: slot.Bucket.Available(now),
	}

	switch step.State {
	case BackoffSuccess:
		event.Decision = decision
		l.recorder.RecordAfter(event)
		return decision, nil

	case BackoffExhausted:
		l.countRetry(slot, step.Decision)
		event.Decision = step.Decision
		l.recorder.RecordAfter(event)

		call.err = &ExhaustedError{
			Key:        call.Key,
			Endpoint:   call.Endpoint,
			Attempts:   call.attempts,
			LastStatus: status,
			Cause:      causeFor(step.Decision),
			Err:        resp.Err,
		}
		l.logExhausted(call, status)
		return step.Decision, call.err

	default:
		l.countRetry(slot, step.Decision)
		event.Decision = step.Decision
		event.SleepS = step.Wait.Seconds()
		l.recorder.RecordAfter(event)

		if step.Wait > 0 {
			slot.waitNanos.Add(int64(step.Wait))
			if err := l.clock.Sleep(ctx, step.Wait); err != nil {
				return step.Decision, fmt.Errorf("backoff %s: %w", call.Key, err)
			}
		}
		return step.Decision, nil
	}
}

// Stats returns the process-wide telemetry aggregates.
func (l *RateLimiter) Stats() telemetry.Stats {
	return l.recorder.Stats()
}

// Recorder returns the limiter's telemetry recorder.
func (l *RateLimiter) Recorder() *telemetry.Recorder {
	return l.recorder
}

// Registry returns the limiter's bucket registry.
func (l *RateLimiter) Registry() *Registry {
	return l.registry
}

// BucketStats is the per-bucket view of limiter activity.
type BucketStats struct {
	Key          core.BucketKey `json:"key"`
	Exchange     string         `json:"exchange"`
	Requests     int64          `json:"requests"`
	Throttled    int64          `json:"throttled"`
	Retries429   int64          `json:"retries_429"`
	Retries5xx   int64          `json:"retries_5xx"`
	TotalWaitS   float64        `json:"total_wait_s"`
	InFlight     int64          `json:"in_flight"`
	PeakInFlight int64          `json:"peak_in_flight"`
	Tokens       float64        `json:"tokens"`
	Capacity     float64        `json:"capacity"`
	RefillRate   float64        `json:"refill_rate"`
}

// BucketStats returns stats for every live bucket, sorted by key.
func (l *RateLimiter) BucketStats() []BucketStats {
	now := l.clock.Now()
	slots := l.registry.Slots()
	out := make([]BucketStats, 0, len(slots))
	for _, slot := range slots {
		state := slot.Bucket.State(now)
		out = append(out, BucketStats{
			Key:          slot.Key,
			Exchange:     slot.Policy.Exchange,
			Requests:     slot.requests.Load(),
			Throttled:    slot.throttled.Load(),
			Retries429:   slot.retries429.Load(),
			Retries5xx:   slot.retries5xx.Load(),
			TotalWaitS:   time.Duration(slot.waitNanos.Load()).Seconds(),
			InFlight:     slot.InFlight(),
			PeakInFlight: slot.PeakInFlight(),
			Tokens:       state.Tokens,
			Capacity:     state.Capacity,
			RefillRate:   state.RefillRate,
		})
	}
	return out
}

// Snapshot captures every live bucket for persistence.
func (l *RateLimiter) Snapshot() []core.BucketState {
	return l.registry.States()
}

// Restore seeds buckets from saved state. Restored rates and capacities
// never exceed the configured policy.
func (l *RateLimiter) Restore(states []core.BucketState) {
	l.registry.Restore(states)
}

func (l *RateLimiter) countRetry(slot *Slot, decision core.Decision) {
	if decision == core.DecisionBackoff429 {
		slot.retries429.Add(1)
		return
	}
	slot.retries5xx.Add(1)
}

func (l *RateLimiter) logAdjustment(call *Call, adj Adjustment) {
	if l.logger == nil {
		return
	}
	l.logger.Info("ratelimit.adaptive",
		zap.String("marker", LimiterMarker),
		zap.String("bucket_key", string(call.Key)),
		zap.String("endpoint", call.Endpoint),
		zap.Float64("implied_rate", adj.ImpliedRate),
		zap.Float64("previous_rate", adj.PreviousRate),
		zap.Float64("rate", adj.Rate),
		zap.Float64("previous_capacity", adj.PreviousCapacity),
		zap.Float64("capacity", adj.Capacity),
	)
}

func (l *RateLimiter) logExhausted(call *Call, status int) {
	if l.logger == nil {
		return
	}
	l.logger.Warn("ratelimit.exhausted",
		zap.String("marker", LimiterMarker),
		zap.String("call_id", call.ID),
		zap.String("bucket_key", string(call.Key)),
		zap.String("endpoint", call.Endpoint),
		zap.Int("attempts", call.attempts),
		zap.Int("status", status),
	)
}

func causeFor(decision core.Decision) error {
	if decision == core.DecisionBackoff429 {
		return ErrUpstreamThrottled
	}
	return ErrUpstreamUnavailable
}

// IsTerminal reports whether err ends a logical request for good, as
// opposed to a context cancellation the caller may choose to retry later.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAttemptsExhausted)
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
