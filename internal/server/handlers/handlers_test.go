package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/store"
	"github.com/predmkts/predmkts/internal/core/telemetry"
	apperrors "github.com/predmkts/predmkts/internal/errors"
)

type fakeStore struct {
	err error
}

func (f *fakeStore) SaveBuckets(context.Context, []core.BucketState) error { return f.err }
func (f *fakeStore) ListBuckets(context.Context, store.BucketQuery) ([]core.BucketState, error) {
	return nil, f.err
}
func (f *fakeStore) CountBuckets(context.Context, store.BucketQuery) (int, error) { return 0, f.err }
func (f *fakeStore) ResetBuckets(context.Context, store.BucketQuery) (int64, error) {
	return 0, f.err
}
func (f *fakeStore) Driver() string { return "fake" }
func (f *fakeStore) Close() error   { return nil }

func newLimiter(t *testing.T, policies ...engine.Policy) *engine.RateLimiter {
	t.Helper()
	limiter, err := engine.New(engine.Options{
		Policies: policies,
		Clock:    engine.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Recorder: telemetry.NewRecorder(telemetry.Options{}),
		Backoff:  engine.BackoffPolicy{Base: time.Second, Max: time.Minute, MaxAttempts: 2},
	})
	require.NoError(t, err)
	return limiter
}

func marketServer(t *testing.T, records int, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		out := []map[string]any{}
		for i := offset; i < records && i < offset+limit; i++ {
			out = append(out, map[string]any{"id": i, "active": r.URL.Query().Get("active")})
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "99")
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(server.Close)
	return server
}

func sourceRouter(h *SourcesHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/sources", h.List)
	r.Get("/v1/sources/{name}/pages", h.Pages)
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.HTTPErrorResponse {
	t.Helper()
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestLimiterHandlerStatsAfterFetch(t *testing.T) {
	server := marketServer(t, 3, http.StatusOK)
	limiter := newLimiter(t)
	exec := &engine.Executor{Limiter: limiter, Client: server.Client()}
	src := datasource.NewPolymarket(exec, datasource.Options{BaseURL: server.URL, PageSize: 10})

	_, err := datasource.Collect(context.Background(), src, "/markets", nil, datasource.Limits{})
	require.NoError(t, err)

	h := &LimiterHandler{Limiter: limiter}

	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/v1/limiter/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.Stats.TotalRequests)
	assert.Equal(t, int64(1), stats.Stats.StatusCodes[200])
	require.Len(t, stats.Buckets, 1)
	assert.Equal(t, "default", stats.Buckets[0].Exchange)

	rec = httptest.NewRecorder()
	h.Buckets(rec, httptest.NewRequest(http.MethodGet, "/v1/limiter/buckets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var buckets []engine.BucketStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&buckets))
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].Requests)
}

func TestLimiterHandlerEvents(t *testing.T) {
	server := marketServer(t, 25, http.StatusOK)
	limiter := newLimiter(t)
	exec := &engine.Executor{Limiter: limiter, Client: server.Client()}
	src := datasource.NewPolymarket(exec, datasource.Options{BaseURL: server.URL, PageSize: 10})

	_, err := datasource.Collect(context.Background(), src, "/markets", nil, datasource.Limits{})
	require.NoError(t, err)

	h := &LimiterHandler{Limiter: limiter}
	rec := httptest.NewRecorder()
	h.Events(rec, httptest.NewRequest(http.MethodGet, "/v1/limiter/events?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EventsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Events, 2)
	assert.Equal(t, 6, resp.Total)
	assert.Equal(t, 200, resp.Events[1].Status)

	rec = httptest.NewRecorder()
	h.Events(rec, httptest.NewRequest(http.MethodGet, "/v1/limiter/events?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLimiterHandlerPolicies(t *testing.T) {
	kalshi := engine.Policy{
		Exchange:       "kalshi",
		Host:           "api.elections.kalshi.com",
		SteadyRate:     5,
		Burst:          10,
		MaxConcurrency: 2,
		Headers:        core.DefaultHeaderNames(),
		Rules:          []engine.Rule{{Key: "kalshi-markets", Pattern: regexp.MustCompile(`^/markets`)}},
	}
	h := &LimiterHandler{Limiter: newLimiter(t, kalshi)}

	rec := httptest.NewRecorder()
	h.Policies(rec, httptest.NewRequest(http.MethodGet, "/v1/limiter/policies", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PoliciesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Exchanges, 1)
	assert.Equal(t, "kalshi", resp.Exchanges[0].Exchange)
	assert.Equal(t, "^/markets", resp.Exchanges[0].Buckets[0].Pattern)
	assert.Equal(t, "default", resp.Fallback.Exchange)
}

func TestLimiterHandlerWithoutLimiter(t *testing.T) {
	h := &LimiterHandler{}
	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/v1/limiter/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "SERVICE_UNAVAILABLE", decodeError(t, rec).Error.Code)
}

func TestSourcesHandlerPages(t *testing.T) {
	server := marketServer(t, 35, http.StatusOK)
	exec := &engine.Executor{Limiter: newLimiter(t), Client: server.Client()}
	h := &SourcesHandler{Sources: map[string]datasource.DataSource{
		"polymarket": datasource.NewPolymarket(exec, datasource.Options{BaseURL: server.URL, PageSize: 10}),
	}}
	router := sourceRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list SourcesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, []string{"polymarket"}, list.Sources)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sources/polymarket/pages?endpoint=/markets&max_pages=2&active=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var result datasource.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, "polymarket", result.Source)
	assert.Len(t, result.Pages, 2)
	assert.Equal(t, 20, result.Records)
	assert.True(t, result.Truncated)
	assert.Equal(t, "true", result.Pages[0].Records[0]["active"])
}

func TestSourcesHandlerErrors(t *testing.T) {
	throttled := marketServer(t, 0, http.StatusTooManyRequests)
	exec := &engine.Executor{Limiter: newLimiter(t), Client: throttled.Client()}
	h := &SourcesHandler{Sources: map[string]datasource.DataSource{
		"kalshi": datasource.NewKalshi(exec, datasource.Options{BaseURL: throttled.URL}),
	}}
	router := sourceRouter(h)

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"UnknownSource", "/v1/sources/nope/pages?endpoint=/markets", http.StatusNotFound, "NOT_FOUND"},
		{"MissingEndpoint", "/v1/sources/kalshi/pages", http.StatusBadRequest, "INVALID_INPUT"},
		{"BadMaxPages", "/v1/sources/kalshi/pages?endpoint=/markets&max_pages=-1", http.StatusBadRequest, "INVALID_INPUT"},
		{"Throttled", "/v1/sources/kalshi/pages?endpoint=/trade-api/v2/markets", http.StatusServiceUnavailable, "UPSTREAM_THROTTLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
		})
	}
}
