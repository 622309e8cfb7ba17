package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/predmkts/predmkts/internal/core/engine"
)

const (
	kalshiName    = "kalshi"
	kalshiBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
)

// Kalshi reads the trade API, which pages with an opaque cursor and wraps
// records in an object keyed by the collection name.
type Kalshi struct {
	base
}

// NewKalshi returns a Kalshi adapter.
func NewKalshi(exec *engine.Executor, opts Options) *Kalshi {
	return &Kalshi{base: newBase(kalshiName, kalshiBaseURL, exec, opts)}
}

// Paginate follows the cursor until it is empty or visit returns false.
func (k *Kalshi) Paginate(ctx context.Context, endpoint string, params url.Values, visit Paginator) error {
	collection := collectionName(endpoint)
	if collection == "" {
		return fmt.Errorf("%s: cannot infer collection from endpoint %q", k.name, endpoint)
	}

	cursor := params.Get("cursor")
	limit := k.pageSize
	if raw := params.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	total := 0
	for pageNum := 0; ; pageNum++ {
		query := url.Values{}
		for key, v := range params {
			query[key] = v
		}
		query.Set("limit", strconv.Itoa(limit))
		query.Del("cursor")
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		spec, err := k.PrepareRequest(endpoint, query)
		if err != nil {
			return err
		}

		var payload map[string]json.RawMessage
		if err := k.fetch(ctx, spec, &payload); err != nil {
			return err
		}

		var records []map[string]any
		if raw, ok := payload[collection]; ok && len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &records); err != nil {
				return fmt.Errorf("%s: decode %s: %w", k.name, collection, err)
			}
		}

		next := ""
		if raw, ok := payload["cursor"]; ok {
			_ = json.Unmarshal(raw, &next)
		}

		total += len(records)
		page := pageOf(records, map[string]any{
			"page":        pageNum,
			"cursor":      cursor,
			"next_cursor": next,
		})
		page.More = next != "" && next != cursor && len(records) > 0
		if visit != nil && !visit(page, total) {
			return nil
		}
		if !page.More {
			return nil
		}
		cursor = next
	}
}

// collectionName maps /markets or /events/ to markets or events.
func collectionName(endpoint string) string {
	endpoint = strings.Trim(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return ""
	}
	return path.Base(endpoint)
}
