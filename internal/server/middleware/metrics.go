package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/observability"
)

// responseWriter captures status code and response size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// getEndpointPattern returns the chi route pattern so source names and
// other path parameters never become label values.
func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case path == "/":
		return "/"
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	case path == "/version", path == "/metrics", path == "/metrics/limiter":
		return path
	case strings.HasPrefix(path, "/v1/limiter/"):
		return "/v1/limiter/*"
	case strings.HasPrefix(path, "/v1/sources"):
		return "/v1/sources/*"
	default:
		return "/unknown"
	}
}

// RequestMetrics emits per-request counters, durations and sizes through
// the telemetry system and logs one line per request.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		requestSize := int64(0)
		if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
			if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
				requestSize = size
			}
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := getEndpointPattern(r)
		status := strconv.Itoa(wrapped.statusCode)

		labels := map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   status,
		}
		sizeLabels := map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
		}

		_ = observability.TelemetrySystem.Counter("http_requests_total", 1, labels)
		_ = observability.TelemetrySystem.Histogram("http_request_duration_ms", duration, labels)
		_ = observability.TelemetrySystem.Gauge("http_request_size_bytes", float64(requestSize), sizeLabels)
		_ = observability.TelemetrySystem.Gauge("http_response_size_bytes", float64(wrapped.bytesWritten), sizeLabels)

		if errorType := errorClass(wrapped.statusCode); errorType != "" {
			_ = observability.TelemetrySystem.Counter("http_errors_total", 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     status,
				"error_type": errorType,
			})
		}

		if observability.ServerLogger != nil {
			observability.ServerLogger.Info("HTTP request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("endpoint", endpoint),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", duration),
				zap.Int64("request_size", requestSize),
				zap.Int64("response_size", wrapped.bytesWritten),
				zap.String("requestID", GetRequestID(r.Context())),
			)
		}
	})
}

// errorClass labels a failed response. Upstream errors are the statuses the
// gateway maps limiter exhaustion and exchange failures to.
func errorClass(status int) string {
	switch {
	case status < 400:
		return ""
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return "upstream_error"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}
