package output

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/telemetry"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)
	require.Equal(t, ".md", format.Extension())

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat(" CSV ")
	require.NoError(t, err)
	require.Equal(t, ".csv", format.Extension())

	_, err = ParseFormat("xml")
	require.Error(t, err)

	allowed := []Format{FormatTable, FormatJSON}
	format, err = ParseFormat("json", allowed...)
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	_, err = ParseFormat("markdown", allowed...)
	require.ErrorContains(t, err, "table|json")
}

func TestStatsCSV(t *testing.T) {
	rendered, err := Stats(FormatCSV, sampleStats())
	require.NoError(t, err)
	require.Contains(t, rendered, "decision throttle,2")
	require.Contains(t, rendered, "transport errors,1")
	require.NotContains(t, rendered, "│")
}

func sampleStats() telemetry.Stats {
	return telemetry.Stats{
		TotalRequests:     12,
		TotalResponses:    12,
		TotalSleeps:       3,
		TotalSleepSeconds: 1.5,
		AvgLatencyMS:      42.5,
		Decisions: map[core.Decision]int64{
			core.DecisionAllow:      8,
			core.DecisionThrottle:   2,
			core.DecisionBackoff429: 1,
		},
		StatusCodes: map[int]int64{200: 10, 429: 1, 0: 1},
	}
}

func TestStats(t *testing.T) {
	rendered, err := Stats(FormatTable, sampleStats())
	require.NoError(t, err)
	require.Contains(t, rendered, "METRIC")
	require.Contains(t, rendered, "decision throttle")
	require.Contains(t, rendered, "status 429")
	require.Contains(t, rendered, "transport errors")
	require.Contains(t, rendered, "42.5")

	jsonRendered, err := Stats(FormatJSON, sampleStats())
	require.NoError(t, err)
	require.Contains(t, jsonRendered, `"total_requests": 12`)
	require.Contains(t, jsonRendered, `"backoff_429": 1`)

	md, err := Stats(FormatMarkdown, sampleStats())
	require.NoError(t, err)
	require.Contains(t, md, "| Metric | Value |")
}

func TestBuckets(t *testing.T) {
	buckets := []engine.BucketStats{{
		Key:          "kalshi-markets",
		Exchange:     "kalshi",
		Requests:     20,
		Throttled:    4,
		Retries429:   1,
		TotalWaitS:   2.25,
		Tokens:       3,
		Capacity:     10,
		RefillRate:   5,
		PeakInFlight: 4,
	}}

	rendered, err := Buckets(FormatTable, buckets)
	require.NoError(t, err)
	require.Contains(t, rendered, "kalshi-markets")
	require.Contains(t, rendered, "3/10")
	require.Contains(t, rendered, "2.25")

	jsonRendered, err := Buckets(FormatJSON, buckets)
	require.NoError(t, err)
	require.Contains(t, jsonRendered, `"retries_429": 1`)
}

func TestSnapshots(t *testing.T) {
	states := []core.BucketState{{
		Key:        "gamma-api.polymarket.com",
		Capacity:   20,
		Tokens:     7.5,
		RefillRate: 10,
		LastRefill: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}

	rendered, err := Snapshots(FormatTable, states)
	require.NoError(t, err)
	require.Contains(t, rendered, "gamma-api.polymarket.com")
	require.Contains(t, rendered, "2026-01-02T03:04:05Z")
	require.Contains(t, rendered, "7.5")

	jsonRendered, err := Snapshots(FormatJSON, states)
	require.NoError(t, err)
	require.Contains(t, jsonRendered, `"refill_rate": 10`)
}

func TestPolicies(t *testing.T) {
	policy := engine.Policy{
		Exchange:       "kalshi",
		Host:           "api.elections.kalshi.com",
		SteadyRate:     10,
		Burst:          20,
		MaxConcurrency: 4,
		Headers:        core.DefaultHeaderNames(),
		Rules: []engine.Rule{
			{Key: "kalshi-markets", Pattern: regexp.MustCompile(`^/markets`)},
			{Key: "kalshi-global"},
		},
	}
	fallback := engine.DefaultFallback().Summary()

	rendered, err := Policies(FormatTable, []engine.PolicySummary{policy.Summary(), fallback})
	require.NoError(t, err)
	require.Contains(t, rendered, "api.elections.kalshi.com")
	require.Contains(t, rendered, "kalshi-markets=^/markets")
	require.Contains(t, rendered, "kalshi-global")
	require.Contains(t, rendered, "*")

	jsonRendered, err := Policies(FormatJSON, []engine.PolicySummary{policy.Summary()})
	require.NoError(t, err)
	require.Contains(t, jsonRendered, `"steady_rate": 10`)
	require.Contains(t, jsonRendered, `"pattern": "^/markets"`)
}

func TestCollection(t *testing.T) {
	result := &datasource.Result{
		Source:   "kalshi",
		Endpoint: "/markets",
		Pages: []core.Page{
			{Records: []map[string]any{{"ticker": "A"}, {"ticker": "B"}}, Metadata: map[string]any{"cursor": "c1"}},
			{Records: []map[string]any{{"ticker": "C"}}},
		},
		Records:   3,
		Truncated: true,
	}

	rendered, err := Collection(FormatTable, result)
	require.NoError(t, err)
	require.Contains(t, rendered, "kalshi /markets")
	require.Contains(t, rendered, "cursor=c1")
	require.Contains(t, strings.ToLower(rendered), "(truncated)")

	jsonRendered, err := Collection(FormatJSON, result)
	require.NoError(t, err)
	require.Contains(t, jsonRendered, `"ticker": "C"`)
	require.Contains(t, jsonRendered, `"truncated": true`)

	_, err = Collection(FormatTable, nil)
	require.Error(t, err)
}
