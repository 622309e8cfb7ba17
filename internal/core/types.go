package core

import (
	"net/http"
	"net/url"
	"time"
)

// BucketKey identifies a rate domain. Requests sharing a key share one token
// pool and one concurrency limit.
type BucketKey string

// Decision is the limiter verdict recorded for a single interaction.
type Decision string

const (
	DecisionAllow      Decision = "allow"
	DecisionThrottle   Decision = "throttle"
	DecisionBackoff429 Decision = "backoff_429"
	DecisionBackoff5xx Decision = "backoff_5xx"
	DecisionAdaptive   Decision = "adaptive"
)

// Decisions lists every decision in a stable order.
var Decisions = []Decision{
	DecisionAllow,
	DecisionThrottle,
	DecisionBackoff429,
	DecisionBackoff5xx,
	DecisionAdaptive,
}

// IsBackoff reports whether the decision carries an error-driven wait.
func (d Decision) IsBackoff() bool {
	return d == DecisionBackoff429 || d == DecisionBackoff5xx
}

// HeaderNames maps canonical quota concepts to the header names an exchange uses.
type HeaderNames struct {
	RetryAfter string `mapstructure:"retry_after" yaml:"retry_after" json:"retry_after"`
	Limit      string `mapstructure:"limit" yaml:"limit" json:"limit"`
	Remaining  string `mapstructure:"remaining" yaml:"remaining" json:"remaining"`
	Reset      string `mapstructure:"reset" yaml:"reset" json:"reset"`
}

// DefaultHeaderNames returns the conventional X-RateLimit-* spelling.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		RetryAfter: "Retry-After",
		Limit:      "X-RateLimit-Limit",
		Remaining:  "X-RateLimit-Remaining",
		Reset:      "X-RateLimit-Reset",
	}
}

// WithDefaults fills any empty header name from DefaultHeaderNames.
func (h HeaderNames) WithDefaults() HeaderNames {
	def := DefaultHeaderNames()
	if h.RetryAfter == "" {
		h.RetryAfter = def.RetryAfter
	}
	if h.Limit == "" {
		h.Limit = def.Limit
	}
	if h.Remaining == "" {
		h.Remaining = def.Remaining
	}
	if h.Reset == "" {
		h.Reset = def.Reset
	}
	return h
}

// RateLimitHeaders is the parsed view of a response's quota headers.
// A nil field means the server sent no signal for it, never zero quota.
type RateLimitHeaders struct {
	Limit      *int64
	Remaining  *int64
	Reset      *time.Time
	RetryAfter *time.Duration
}

// HasQuota reports whether both limit and remaining were present.
func (h RateLimitHeaders) HasQuota() bool {
	return h.Limit != nil && h.Remaining != nil
}

// BucketState is a point-in-time copy of a token bucket, used for snapshots
// and persistence.
type BucketState struct {
	Key        BucketKey `json:"key"`
	Capacity   float64   `json:"capacity"`
	Tokens     float64   `json:"tokens"`
	RefillRate float64   `json:"refill_rate"`
	LastRefill time.Time `json:"last_refill"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RequestSpec describes one outbound HTTP request prepared by a data source.
type RequestSpec struct {
	URL    string
	Method string
	Header http.Header
	Query  url.Values
	Body   []byte
	Source string
}

// Page is one page of records returned by a paginated endpoint.
// More is set when the source reports another page after this one.
type Page struct {
	Records  []map[string]any `json:"records"`
	Metadata map[string]any   `json:"metadata,omitempty"`
	More     bool             `json:"more"`
}
