package metrics

import (
	"time"

	"github.com/predmkts/predmkts/internal/observability"
)

// Application metric names
const (
	// Data source metrics
	SourceFetchesTotal = "source_fetches_total"
	SourcePagesTotal   = "source_pages_total"
	SourceRecordsTotal = "source_records_total"

	// Bucket snapshot persistence
	SnapshotOperationsTotal = "snapshot_operations_total"
	SnapshotBuckets         = "snapshot_buckets"

	// Health check metrics
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"

	// Server lifecycle metrics
	ServerStartTime = "app_server_start_time_seconds"
	ServerUptime    = "app_server_uptime_seconds"
)

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordFetch counts one paginated fetch against a data source
func RecordFetch(source string, success bool) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			SourceFetchesTotal,
			1,
			map[string]string{
				"source": source,
				"status": outcome(success),
			},
		)
	}
}

// RecordPage counts a fetched page and its records
func RecordPage(source string, records int) {
	if observability.TelemetrySystem != nil {
		tags := map[string]string{"source": source}
		_ = observability.TelemetrySystem.Counter(SourcePagesTotal, 1, tags)
		_ = observability.TelemetrySystem.Counter(SourceRecordsTotal, float64(records), tags)
	}
}

// RecordSnapshot records a save or restore of bucket state
func RecordSnapshot(operation string, buckets int, success bool) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			SnapshotOperationsTotal,
			1,
			map[string]string{
				"operation": operation,
				"status":    outcome(success),
			},
		)
		if success {
			_ = observability.TelemetrySystem.Gauge(
				SnapshotBuckets,
				float64(buckets),
				map[string]string{"operation": operation},
			)
		}
	}
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			HealthCheckTotal,
			1,
			map[string]string{
				"check":  checkName,
				"status": status,
			},
		)

		_ = observability.TelemetrySystem.Histogram(
			HealthCheckDuration,
			duration,
			map[string]string{
				"check": checkName,
			},
		)
	}
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
	}
}

// SetServerUptime records the server uptime in seconds
func SetServerUptime(seconds int64) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(ServerUptime, float64(seconds), nil)
	}
}
