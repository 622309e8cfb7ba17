package datasource

import (
	"context"
	"net/url"
	"strconv"

	"github.com/predmkts/predmkts/internal/core/engine"
)

const (
	polymarketName    = "polymarket"
	polymarketBaseURL = "https://gamma-api.polymarket.com"
)

// Polymarket reads the Gamma markets API, which pages with limit/offset
// and returns a bare JSON array.
type Polymarket struct {
	base
}

// NewPolymarket returns a Polymarket adapter.
func NewPolymarket(exec *engine.Executor, opts Options) *Polymarket {
	return &Polymarket{base: newBase(polymarketName, polymarketBaseURL, exec, opts)}
}

// Paginate walks offset pages until a short page or visit returns false.
func (p *Polymarket) Paginate(ctx context.Context, endpoint string, params url.Values, visit Paginator) error {
	offset := 0
	if raw := params.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	limit := p.pageSize
	if raw := params.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	total := 0
	for pageNum := 0; ; pageNum++ {
		query := url.Values{}
		for k, v := range params {
			query[k] = v
		}
		query.Set("limit", strconv.Itoa(limit))
		query.Set("offset", strconv.Itoa(offset))

		spec, err := p.PrepareRequest(endpoint, query)
		if err != nil {
			return err
		}

		var records []map[string]any
		if err := p.fetch(ctx, spec, &records); err != nil {
			return err
		}

		total += len(records)
		page := pageOf(records, map[string]any{
			"page":   pageNum,
			"offset": offset,
			"limit":  limit,
		})
		// A short page is the last one.
		page.More = len(records) >= limit
		if visit != nil && !visit(page, total) {
			return nil
		}
		if !page.More {
			return nil
		}
		offset += len(records)
	}
}
