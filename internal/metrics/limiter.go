package metrics

import (
	"strconv"
	"time"

	"github.com/predmkts/predmkts/internal/observability"
)

// Limiter metric names
const (
	LimiterDecisionsTotal = "limiter_decisions_total"
	LimiterSleepDuration  = "limiter_sleep_duration_ms"
	LimiterResponsesTotal = "limiter_responses_total"
	LimiterBucketTokens   = "limiter_bucket_tokens"
	LimiterBucketRate     = "limiter_bucket_refill_rate"
)

// RecordDecision counts one limiter decision for a bucket
func RecordDecision(bucket, decision string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			LimiterDecisionsTotal,
			1,
			map[string]string{
				"bucket":   bucket,
				"decision": decision,
			},
		)
	}
}

// RecordSleep records a limiter-imposed wait
func RecordSleep(bucket, decision string, wait time.Duration) {
	if wait <= 0 {
		return
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			LimiterSleepDuration,
			wait,
			map[string]string{
				"bucket":   bucket,
				"decision": decision,
			},
		)
	}
}

// RecordResponse counts an upstream response by status code
func RecordResponse(bucket string, status int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			LimiterResponsesTotal,
			1,
			map[string]string{
				"bucket": bucket,
				"status": strconv.Itoa(status),
			},
		)
	}
}

// SetBucketState publishes the current tokens and refill rate of a bucket
func SetBucketState(bucket string, tokens, rate float64) {
	if observability.TelemetrySystem != nil {
		tags := map[string]string{"bucket": bucket}
		_ = observability.TelemetrySystem.Gauge(LimiterBucketTokens, tokens, tags)
		_ = observability.TelemetrySystem.Gauge(LimiterBucketRate, rate, tags)
	}
}
