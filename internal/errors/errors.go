package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/store"
	"github.com/predmkts/predmkts/internal/metrics"
	"github.com/predmkts/predmkts/internal/observability"
	"github.com/predmkts/predmkts/internal/server/middleware"
)

// Error codes used across the CLI and the gateway.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeDatabase            = "DATABASE_ERROR"
	CodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeCanceled            = "REQUEST_CANCELED"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid       = "CONFIG_INVALID"
	CodeUpstreamThrottled   = "UPSTREAM_THROTTLED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeAttemptsExhausted   = "ATTEMPTS_EXHAUSTED"
)

// statusClientClosedRequest is the de facto status for a caller that went away.
const statusClientClosedRequest = 499

func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewUnauthorizedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeUnauthorized, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeConfigInvalid, message)
}

// Wrap builds an envelope for err under code, correlated with the request
// in ctx when there is one.
func Wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope(code, message)
	envelope = envelope.WithCorrelationID(extractCorrelationID(ctx))
	envelope = envelope.WithTraceID(extractTraceID(ctx))
	return withWrappedError(envelope, err)
}

// FromError classifies err into an envelope. Limiter exhaustion maps to the
// upstream condition that caused it; config and store errors keep their
// own codes; anything unrecognized becomes INTERNAL_ERROR.
func FromError(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return EnsureEnvelope(nil)
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	var cfgErr *config.ConfigError
	if stderrors.As(err, &cfgErr) {
		env := Wrap(ctx, CodeConfigInvalid, nil, cfgErr.Error())
		return withDetails(env, map[string]interface{}{
			"exchange": cfgErr.Exchange,
			"field":    cfgErr.Field,
			"reason":   cfgErr.Reason,
		})
	}

	var exhausted *engine.ExhaustedError
	if stderrors.As(err, &exhausted) {
		code := CodeAttemptsExhausted
		switch {
		case stderrors.Is(err, engine.ErrUpstreamThrottled):
			code = CodeUpstreamThrottled
		case stderrors.Is(err, engine.ErrUpstreamUnavailable):
			code = CodeUpstreamUnavailable
		}
		env := Wrap(ctx, code, exhausted.Err, exhausted.Error())
		return withDetails(env, map[string]interface{}{
			"bucket_key":  string(exhausted.Key),
			"endpoint":    exhausted.Endpoint,
			"attempts":    exhausted.Attempts,
			"last_status": exhausted.LastStatus,
		})
	}

	var statusErr *datasource.StatusError
	if stderrors.As(err, &statusErr) {
		env := Wrap(ctx, CodeExternalService, nil, statusErr.Error())
		return withDetails(env, map[string]interface{}{
			"source":          statusErr.Source,
			"upstream_status": statusErr.Status,
		})
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(ctx, CodeTimeout, err, "request timed out")
	case stderrors.Is(err, context.Canceled):
		return Wrap(ctx, CodeCanceled, err, "request canceled")
	case stderrors.Is(err, store.ErrDisabled):
		return Wrap(ctx, CodeServiceUnavailable, err, "bucket store is disabled")
	}

	env := Wrap(ctx, CodeInternal, err, "unexpected error")
	env, _ = env.WithSeverity(errors.SeverityHigh)
	return env
}

// extractCorrelationID gets correlation ID from context, falls back to generating new UUID
func extractCorrelationID(ctx context.Context) string {
	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		return requestID
	}
	return uuid.New().String()
}

// extractTraceID reuses the correlation id; there is no tracer yet.
func extractTraceID(ctx context.Context) string {
	return extractCorrelationID(ctx)
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}
	return FromError(context.Background(), err)
}

// EnsureCorrelationID attaches a correlation ID to the envelope using the context when available.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	if envelope.CorrelationID != "" {
		return envelope
	}

	correlationID := middleware.GetRequestID(ctx)
	if correlationID == "" {
		correlationID = "fallback-" + errors.GenerateCorrelationID()
	}

	return envelope.WithCorrelationID(correlationID)
}

// HTTPStatusFromEnvelope resolves the HTTP status code corresponding to an error envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode resolves the HTTP status code corresponding to an error code.
func HTTPStatusFromCode(code string) int {
	switch code {
	case CodeInvalidInput, CodeValidationFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case "FORBIDDEN":
		return http.StatusForbidden
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case "CONFLICT":
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCanceled:
		return statusClientClosedRequest
	case CodeExternalService, CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeServiceUnavailable, CodeUpstreamThrottled, CodeAttemptsExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if envelope == nil || err == nil {
		return envelope
	}

	updated, updateErr := envelope.WithContext(map[string]interface{}{
		"wrapped_error": err.Error(),
	})
	if updateErr != nil {
		return envelope
	}
	return updated
}

func withDetails(envelope *errors.ErrorEnvelope, details map[string]interface{}) *errors.ErrorEnvelope {
	for key, value := range details {
		if s, ok := value.(string); ok && s == "" {
			delete(details, key)
		}
	}
	updated, err := envelope.WithContext(details)
	if err != nil {
		return envelope
	}
	return updated
}

// ResponseDetails constructs API-safe details map by merging envelope details and context.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{})

	for key, value := range envelope.Details {
		details[key] = value
	}

	for key, value := range envelope.Context {
		if _, exists := details[key]; !exists {
			details[key] = value
		}
	}

	if len(details) == 0 {
		return nil
	}

	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError classifies err against the request and writes a JSON response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	RespondWithEnvelope(w, r, FromError(ctx, err))
}

// RespondWithEnvelope finalizes the provided envelope, logging and emitting metrics.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}
	if envelope == nil {
		envelope = EnsureEnvelope(nil)
	}

	if r != nil {
		envelope = EnsureCorrelationID(envelope, r.Context())
	} else {
		envelope = EnsureCorrelationID(envelope, nil)
	}

	statusCode := HTTPStatusFromEnvelope(envelope)

	response := HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	}

	logHTTPError(envelope, statusCode)
	emitErrorMetrics(r, envelope, statusCode)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	if observability.ServerLogger == nil || envelope == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
	}

	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}

	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		observability.ServerLogger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		observability.ServerLogger.Warn(envelope.Message, fields...)
	default:
		observability.ServerLogger.Info(envelope.Message, fields...)
	}
}

func emitErrorMetrics(r *http.Request, envelope *errors.ErrorEnvelope, statusCode int) {
	if envelope == nil {
		return
	}

	metrics.RecordError(envelope.Code, statusCode)
	if r != nil {
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		metrics.RecordErrorByEndpoint(endpoint, envelope.Code)
	}

	details := ResponseDetails(envelope)
	if bucket, ok := details["bucket_key"].(string); ok {
		attempts, _ := details["attempts"].(int)
		metrics.RecordUpstreamExhausted(bucket, envelope.Code, attempts)
	}
}
