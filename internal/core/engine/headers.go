package engine

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/predmkts/predmkts/internal/core"
)

// resetEpochThreshold separates absolute reset timestamps from relative
// second counts. Values at or above it are Unix epoch seconds.
const resetEpochThreshold = 1e9

// ParseHeaders extracts quota signals from h using the exchange's header
// names. Lookup is case-insensitive. Malformed values are treated as
// absent. The second return value holds the raw values that were present,
// keyed by configured header name.
func ParseHeaders(h http.Header, names core.HeaderNames, now time.Time) (core.RateLimitHeaders, map[string]string) {
	var out core.RateLimitHeaders
	seen := make(map[string]string)
	if len(h) == 0 {
		return out, seen
	}
	names = names.WithDefaults()

	if raw, ok := lookupHeader(h, names.Limit); ok {
		seen[names.Limit] = raw
		if v, ok := parseCount(raw); ok {
			out.Limit = &v
		}
	}
	if raw, ok := lookupHeader(h, names.Remaining); ok {
		seen[names.Remaining] = raw
		if v, ok := parseCount(raw); ok {
			out.Remaining = &v
		}
	}
	if raw, ok := lookupHeader(h, names.Reset); ok {
		seen[names.Reset] = raw
		if v, ok := parseReset(raw, now); ok {
			out.Reset = &v
		}
	}
	if raw, ok := lookupHeader(h, names.RetryAfter); ok {
		seen[names.RetryAfter] = raw
		if v, ok := parseRetryAfter(raw, now); ok {
			out.RetryAfter = &v
		}
	}

	return out, seen
}

func lookupHeader(h http.Header, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if values := h.Values(name); len(values) > 0 {
		return strings.TrimSpace(values[0]), true
	}
	for k, values := range h {
		if strings.EqualFold(k, name) && len(values) > 0 {
			return strings.TrimSpace(values[0]), true
		}
	}
	return "", false
}

func parseCount(value string) (int64, bool) {
	if value == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// parseRetryAfter accepts delta-seconds or an HTTP-date. Past dates and
// negative values clamp to zero.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		if secs < 0 {
			secs = 0
		}
		return secondsToDuration(secs), true
	}
	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}

// parseReset accepts epoch seconds, relative seconds or an HTTP-date.
func parseReset(value string, now time.Time) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return time.Time{}, false
		}
		if secs >= resetEpochThreshold {
			whole, frac := math.Modf(secs)
			return time.Unix(int64(whole), int64(frac*float64(time.Second))), true
		}
		return now.Add(secondsToDuration(secs)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		return at, true
	}
	return time.Time{}, false
}

func secondsToDuration(secs float64) time.Duration {
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}
