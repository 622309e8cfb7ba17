package telemetry

import (
	"github.com/predmkts/predmkts/internal/core"
)

// Stats is a point-in-time copy of the recorder's aggregates.
// TotalRequests counts admitted attempts; TotalResponses counts classified
// responses, including transport errors.
type Stats struct {
	TotalRequests     int64                   `json:"total_requests"`
	TotalResponses    int64                   `json:"total_responses"`
	TotalEvents       int64                   `json:"total_events"`
	TotalSleeps       int64                   `json:"total_sleeps"`
	TotalSleepSeconds float64                 `json:"total_sleep_seconds"`
	TotalElapsedMS    float64                 `json:"total_elapsed_ms"`
	AvgLatencyMS      float64                 `json:"avg_latency_ms"`
	Decisions         map[core.Decision]int64 `json:"decisions"`
	StatusCodes       map[int]int64           `json:"status_codes"`
}

// Decision returns the count for d.
func (s Stats) Decision(d core.Decision) int64 {
	return s.Decisions[d]
}

// Retries returns the number of error-driven backoff decisions.
func (s Stats) Retries() int64 {
	return s.Decisions[core.DecisionBackoff429] + s.Decisions[core.DecisionBackoff5xx]
}
