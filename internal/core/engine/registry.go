package engine

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/predmkts/predmkts/internal/core"
)

// Rule routes request paths on a host to a bucket. A nil Pattern matches
// every path.
type Rule struct {
	Key     core.BucketKey
	Pattern *regexp.Regexp
}

// Matches reports whether the rule applies to path.
func (r Rule) Matches(path string) bool {
	return r.Pattern == nil || r.Pattern.MatchString(path)
}

// Policy is the resolved limiter configuration for one exchange.
type Policy struct {
	Exchange       string
	Host           string
	SteadyRate     float64
	Burst          float64
	MaxConcurrency int
	Headers        core.HeaderNames
	Rules          []Rule
}

// Validate checks the numeric fields. Exchange and Host are informational.
func (p Policy) Validate() error {
	if p.SteadyRate <= 0 {
		return fmt.Errorf("policy %q: steady rate must be positive", p.Exchange)
	}
	if p.Burst < minCapacity {
		return fmt.Errorf("policy %q: burst must be at least %g", p.Exchange, minCapacity)
	}
	if p.MaxConcurrency <= 0 {
		return fmt.Errorf("policy %q: max concurrency must be positive", p.Exchange)
	}
	for i, rule := range p.Rules {
		if strings.TrimSpace(string(rule.Key)) == "" {
			return fmt.Errorf("policy %q: rule %d has no bucket key", p.Exchange, i)
		}
	}
	return nil
}

// Slot is the per-key state: a token bucket, a concurrency semaphore and
// counters. Slots are created lazily and live for the registry's lifetime.
type Slot struct {
	Key    core.BucketKey
	Policy Policy
	Bucket *TokenBucket

	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64

	requests   atomic.Int64
	throttled  atomic.Int64
	retries429 atomic.Int64
	retries5xx atomic.Int64
	waitNanos  atomic.Int64
}

// InFlight returns the number of tickets currently held.
func (s *Slot) InFlight() int64 {
	return s.inFlight.Load()
}

// PeakInFlight returns the highest InFlight value observed.
func (s *Slot) PeakInFlight() int64 {
	return s.peak.Load()
}

func (s *Slot) enter() {
	n := s.inFlight.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Ticket is proof of an acquired concurrency slot and token. It must be
// released exactly once; Release is idempotent.
type Ticket struct {
	Slot      *Slot
	Waited    time.Duration
	Remaining float64

	once sync.Once
}

// Registry maps hosts and paths to bucket keys and owns every slot.
type Registry struct {
	clock    Clock
	byHost   map[string]Policy
	fallback Policy

	mu      sync.Mutex
	slots   map[core.BucketKey]*Slot
	pending map[core.BucketKey]core.BucketState
}

// NewRegistry builds a registry from per-exchange policies. Requests to a
// host with no policy use fallback.
func NewRegistry(policies []Policy, fallback Policy, clock Clock) (*Registry, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("fallback %w", err)
	}

	byHost := make(map[string]Policy, len(policies))
	owners := make(map[core.BucketKey]string, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		host := normalizeHost(p.Host)
		if host == "" {
			return nil, fmt.Errorf("policy %q: host is required", p.Exchange)
		}
		if _, exists := byHost[host]; exists {
			return nil, fmt.Errorf("policy %q: duplicate host %s", p.Exchange, host)
		}
		p.Headers = p.Headers.WithDefaults()
		byHost[host] = p
		owners[core.BucketKey(host)] = p.Exchange
	}
	// A bucket key belongs to one exchange; a slot carries a single policy.
	for _, p := range policies {
		for _, rule := range p.Rules {
			if owner, taken := owners[rule.Key]; taken && owner != p.Exchange {
				return nil, fmt.Errorf("policy %q: bucket key %q is already used by %q", p.Exchange, rule.Key, owner)
			}
			owners[rule.Key] = p.Exchange
		}
	}
	fallback.Headers = fallback.Headers.WithDefaults()

	return &Registry{
		clock:    clock,
		byHost:   byHost,
		fallback: fallback,
		slots:    make(map[core.BucketKey]*Slot),
		pending:  make(map[core.BucketKey]core.BucketState),
	}, nil
}

// Policy returns the policy that governs host.
func (r *Registry) Policy(host string) Policy {
	host = normalizeHost(host)
	if p, ok := r.byHost[host]; ok {
		return p
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		if p, ok := r.byHost[h]; ok {
			return p
		}
	}
	p := r.fallback
	if p.Host == "" {
		p.Host = host
	}
	return p
}

// Policies returns the configured exchange policies sorted by host.
func (r *Registry) Policies() []Policy {
	out := make([]Policy, 0, len(r.byHost))
	for _, p := range r.byHost {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Fallback returns the policy used for unknown hosts.
func (r *Registry) Fallback() Policy {
	return r.fallback
}

// PolicySummary is the printable form of a Policy.
type PolicySummary struct {
	Exchange       string           `json:"exchange"`
	Host           string           `json:"host,omitempty"`
	SteadyRate     float64          `json:"steady_rate"`
	Burst          float64          `json:"burst"`
	MaxConcurrency int              `json:"max_concurrency"`
	Headers        core.HeaderNames `json:"headers"`
	Buckets        []RuleSummary    `json:"buckets,omitempty"`
}

// RuleSummary is the printable form of a Rule.
type RuleSummary struct {
	Key     core.BucketKey `json:"key"`
	Pattern string         `json:"pattern,omitempty"`
}

// Summary renders p without compiled patterns.
func (p Policy) Summary() PolicySummary {
	out := PolicySummary{
		Exchange:       p.Exchange,
		Host:           p.Host,
		SteadyRate:     p.SteadyRate,
		Burst:          p.Burst,
		MaxConcurrency: p.MaxConcurrency,
		Headers:        p.Headers,
	}
	for _, rule := range p.Rules {
		rs := RuleSummary{Key: rule.Key}
		if rule.Pattern != nil {
			rs.Pattern = rule.Pattern.String()
		}
		out.Buckets = append(out.Buckets, rs)
	}
	return out
}

// Resolve maps a host and path to a bucket key. The first matching rule
// wins; with no match the key is the host itself.
func (r *Registry) Resolve(host, path string) (core.BucketKey, Policy) {
	policy := r.Policy(host)
	for _, rule := range policy.Rules {
		if rule.Matches(path) {
			return rule.Key, policy
		}
	}
	return core.BucketKey(normalizeHost(host)), policy
}

// Slot returns the slot for key, creating it from policy on first use.
func (r *Registry) Slot(key core.BucketKey, policy Policy) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.slots[key]; ok {
		return slot
	}

	slot := &Slot{
		Key:    key,
		Policy: policy,
		Bucket: NewTokenBucket(policy.Burst, policy.SteadyRate, r.clock.Now()),
		sem:    semaphore.NewWeighted(int64(max(1, policy.MaxConcurrency))),
	}
	if state, ok := r.pending[key]; ok {
		slot.Bucket.restore(state, policy.SteadyRate, policy.Burst)
		delete(r.pending, key)
	}
	r.slots[key] = slot
	return slot
}

// Slots returns every live slot sorted by key.
func (r *Registry) Slots() []*Slot {
	r.mu.Lock()
	out := make([]*Slot, 0, len(r.slots))
	for _, slot := range r.slots {
		out = append(out, slot)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Acquire blocks until the slot has a free concurrency unit and at least
// one token. Token waits go through the registry clock.
func (r *Registry) Acquire(ctx context.Context, slot *Slot) (*Ticket, error) {
	if slot == nil {
		return nil, fmt.Errorf("acquire: nil slot")
	}
	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	slot.enter()
	ticket := &Ticket{Slot: slot}

	for {
		res := slot.Bucket.TryConsume(r.clock.Now(), 1)
		if res.Allowed {
			ticket.Remaining = res.Remaining
			return ticket, nil
		}
		if err := r.clock.Sleep(ctx, res.Wait); err != nil {
			r.Release(ticket)
			return nil, err
		}
		ticket.Waited += res.Wait
	}
}

// Release returns the ticket's concurrency unit. Tokens are never refunded.
func (r *Registry) Release(t *Ticket) {
	if t == nil || t.Slot == nil {
		return
	}
	t.once.Do(func() {
		t.Slot.inFlight.Add(-1)
		t.Slot.sem.Release(1)
	})
}

// States captures every live bucket.
func (r *Registry) States() []core.BucketState {
	now := r.clock.Now()
	slots := r.Slots()
	out := make([]core.BucketState, 0, len(slots))
	for _, slot := range slots {
		state := slot.Bucket.State(now)
		state.Key = slot.Key
		out = append(out, state)
	}
	return out
}

// Restore seeds buckets from saved states. Live slots are updated in place;
// other keys are applied when their slot is first created.
func (r *Registry) Restore(states []core.BucketState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, state := range states {
		if state.Key == "" {
			continue
		}
		if slot, ok := r.slots[state.Key]; ok {
			slot.Bucket.restore(state, slot.Policy.SteadyRate, slot.Policy.Burst)
			continue
		}
		r.pending[state.Key] = state
	}
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
