package metrics

import (
	"strconv"

	"github.com/predmkts/predmkts/internal/observability"
)

// Error metric names
const (
	ErrorsTotalName          = "errors_total"
	PanicsTotalName          = "panics_total"
	ErrorsByEndpointName     = "errors_by_endpoint"
	UpstreamExhaustedName    = "upstream_exhausted_total"
	UpstreamExhaustedAttempt = "upstream_exhausted_attempts"
)

func count(name string, tags map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(name, 1, tags)
	}
}

// RecordError counts an error envelope written to a client.
func RecordError(errorCode string, httpStatus int) {
	count(ErrorsTotalName, map[string]string{
		"error_code":  errorCode,
		"http_status": strconv.Itoa(httpStatus),
	})
}

func RecordPanic() {
	count(PanicsTotalName, nil)
}

// RecordErrorByEndpoint counts an error under its chi route pattern.
func RecordErrorByEndpoint(endpoint, errorCode string) {
	count(ErrorsByEndpointName, map[string]string{
		"endpoint":   endpoint,
		"error_code": errorCode,
	})
}

// RecordUpstreamExhausted counts a request that ran out of retries against
// bucket. attempts is the total number of HTTP attempts made.
func RecordUpstreamExhausted(bucket, errorCode string, attempts int) {
	count(UpstreamExhaustedName, map[string]string{
		"bucket":     bucket,
		"error_code": errorCode,
	})
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(UpstreamExhaustedAttempt, float64(attempts), map[string]string{"bucket": bucket})
	}
}
