package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/predmkts/predmkts/internal/core/datasource"
	apperrors "github.com/predmkts/predmkts/internal/errors"
)

// DefaultMaxPages bounds a gateway fetch when the caller sets no limit.
const DefaultMaxPages = 10

// SourcesHandler runs data source adapters on behalf of HTTP callers. Every
// adapter shares the process limiter, so concurrent callers are throttled
// together.
type SourcesHandler struct {
	Sources  map[string]datasource.DataSource
	MaxPages int
}

// SourcesResponse is the body of GET /v1/sources.
type SourcesResponse struct {
	Sources []string `json:"sources"`
}

// List returns the configured source names.
func (h *SourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.Sources))
	for name := range h.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, SourcesResponse{Sources: names})
}

// Pages paginates ?endpoint= on the named source. max_pages and
// max_records bound the run; every other query parameter is passed to
// the exchange unchanged.
func (h *SourcesHandler) Pages(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "name"))
	src, ok := h.Sources[name]
	if !ok {
		respondWithError(w, r, apperrors.NewNotFoundError(fmt.Sprintf("unknown data source %q", name)))
		return
	}

	query := r.URL.Query()
	endpoint := strings.TrimSpace(query.Get("endpoint"))
	if endpoint == "" {
		respondWithError(w, r, apperrors.NewInvalidInputError("endpoint query parameter is required"))
		return
	}

	limits := datasource.Limits{MaxPages: h.MaxPages}
	if limits.MaxPages <= 0 {
		limits.MaxPages = DefaultMaxPages
	}
	var err error
	if limits.MaxPages, err = intParam(query, "max_pages", limits.MaxPages); err != nil {
		respondWithError(w, r, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if limits.MaxRecords, err = intParam(query, "max_records", 0); err != nil {
		respondWithError(w, r, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	params := url.Values{}
	for key, values := range query {
		switch key {
		case "endpoint", "max_pages", "max_records":
			continue
		}
		params[key] = values
	}

	result, err := datasource.Collect(r.Context(), src, endpoint, params, limits)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(query url.Values, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(query.Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
