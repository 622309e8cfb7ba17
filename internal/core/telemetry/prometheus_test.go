package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/core"
)

func TestCollectorExposesStats(t *testing.T) {
	rec := NewRecorder(Options{})
	rec.RecordBefore(Event{Decision: core.DecisionThrottle, SleepS: 0.25})
	rec.RecordAfter(Event{Decision: core.DecisionAllow, Status: 200, ElapsedMS: 8})

	c := NewCollector("predmkts", rec)

	// requests, responses, five decisions, one status, sleeps, sleep seconds, latency
	require.Equal(t, 11, testutil.CollectAndCount(c))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck // test cleanup
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	require.Contains(t, text, `predmkts_limiter_decisions_total{decision="throttle"} 1`)
	require.Contains(t, text, `predmkts_limiter_upstream_status_total{status="200"} 1`)
	require.Contains(t, text, `predmkts_limiter_requests_total 1`)
	require.Contains(t, text, `predmkts_limiter_sleep_seconds_total 0.25`)
	require.Contains(t, text, `predmkts_limiter_avg_latency_ms 8`)
}
