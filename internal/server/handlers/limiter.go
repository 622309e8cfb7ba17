package handlers

import (
	"net/http"
	"strconv"

	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/telemetry"
	apperrors "github.com/predmkts/predmkts/internal/errors"
)

// DefaultEventLimit caps /v1/limiter/events when no limit is given.
const DefaultEventLimit = 100

// LimiterHandler exposes the shared limiter's state.
type LimiterHandler struct {
	Limiter *engine.RateLimiter
}

// StatsResponse is the body of GET /v1/limiter/stats.
type StatsResponse struct {
	Stats   telemetry.Stats      `json:"stats"`
	Buckets []engine.BucketStats `json:"buckets"`
}

// EventsResponse is the body of GET /v1/limiter/events.
type EventsResponse struct {
	Events []telemetry.Event `json:"events"`
	Total  int               `json:"total"`
}

// PoliciesResponse is the body of GET /v1/limiter/policies.
type PoliciesResponse struct {
	Exchanges []engine.PolicySummary `json:"exchanges"`
	Fallback  engine.PolicySummary   `json:"fallback"`
}

func (h *LimiterHandler) ready(w http.ResponseWriter, r *http.Request) bool {
	if h == nil || h.Limiter == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("rate limiter not initialized"))
		return false
	}
	return true
}

// Stats returns process-wide aggregates and per-bucket stats.
func (h *LimiterHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Stats:   h.Limiter.Stats(),
		Buckets: h.Limiter.BucketStats(),
	})
}

// Buckets returns per-bucket stats only.
func (h *LimiterHandler) Buckets(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.Limiter.BucketStats())
}

// Events returns the most recent telemetry events, newest last.
func (h *LimiterHandler) Events(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}

	limit := DefaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, r, apperrors.NewInvalidInputError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	events := h.Limiter.Recorder().Events()
	total := len(events)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Total: total})
}

// Policies returns the configured exchange limits.
func (h *LimiterHandler) Policies(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w, r) {
		return
	}
	registry := h.Limiter.Registry()
	policies := registry.Policies()
	resp := PoliciesResponse{
		Exchanges: make([]engine.PolicySummary, 0, len(policies)),
		Fallback:  registry.Fallback().Summary(),
	}
	for _, p := range policies {
		resp.Exchanges = append(resp.Exchanges, p.Summary())
	}
	writeJSON(w, http.StatusOK, resp)
}
