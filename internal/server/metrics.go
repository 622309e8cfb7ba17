package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/core/telemetry"
	apperrors "github.com/predmkts/predmkts/internal/errors"
	"github.com/predmkts/predmkts/internal/observability"
)

// MetricsSourceHeader tells scrapers which registry answered /metrics.
const MetricsSourceHeader = "X-Metrics-Source"

var metricsProxyClient = &http.Client{
	Timeout: 5 * time.Second,
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// metricsHandler serves /metrics from the gofulmen exporter when it runs.
// Without an exporter the limiter collector answers instead, so a gateway
// started with metrics disabled still exposes limiter state.
func metricsHandler(collector *telemetry.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if observability.PrometheusExporter != nil {
			if err := proxyExporter(w, r); err != nil {
				HandleError(w, r, err)
			}
			return
		}
		if collector != nil {
			w.Header().Set(MetricsSourceHeader, "limiter")
			collector.Handler().ServeHTTP(w, r)
			return
		}
		HandleError(w, r, apperrors.NewServiceUnavailableError("Metrics exporter not initialized"))
	}
}

// proxyExporter copies the exporter's scrape to w. Errors are returned
// only before anything has been written.
func proxyExporter(w http.ResponseWriter, r *http.Request) error {
	port := observability.GetMetricsPort()
	if port == 0 {
		port = observability.DefaultMetricsPort
	}
	metricsURL := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, metricsURL, nil)
	if err != nil {
		return apperrors.Wrap(r.Context(), apperrors.CodeInternal, err, "Unable to construct metrics request")
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := metricsProxyClient.Do(req)
	if err != nil {
		return apperrors.Wrap(r.Context(), apperrors.CodeExternalService, err, "Prometheus exporter unavailable at "+metricsURL)
	}
	defer resp.Body.Close() // nolint:errcheck // read-only body

	for key, values := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	if resp.Header.Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	}
	w.Header().Set(MetricsSourceHeader, "exporter")

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Warn("Failed to write metrics response", zap.Error(err))
	}
	return nil
}
