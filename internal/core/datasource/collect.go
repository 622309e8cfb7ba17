package datasource

import (
	"context"
	"net/url"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/metrics"
)

// Limits bounds a Collect run. Zero means unbounded.
type Limits struct {
	MaxPages   int
	MaxRecords int
}

// Result is everything a Collect run fetched.
type Result struct {
	Source    string      `json:"source"`
	Endpoint  string      `json:"endpoint"`
	Pages     []core.Page `json:"pages"`
	Records   int         `json:"records"`
	Truncated bool        `json:"truncated"`
}

// Collect paginates endpoint on src and keeps every page until a limit is
// reached. The result is Truncated only when a limit stopped pagination
// that the source would have continued. Pages fetched before an error are
// returned with the error.
func Collect(ctx context.Context, src DataSource, endpoint string, params url.Values, limits Limits) (*Result, error) {
	result := &Result{
		Source:   src.Name(),
		Endpoint: endpoint,
		Pages:    []core.Page{},
	}

	err := src.Paginate(ctx, endpoint, params, func(page core.Page, total int) bool {
		result.Pages = append(result.Pages, page)
		result.Records = total
		metrics.RecordPage(result.Source, len(page.Records))

		pagesDone := limits.MaxPages > 0 && len(result.Pages) >= limits.MaxPages
		recordsDone := limits.MaxRecords > 0 && total >= limits.MaxRecords
		if pagesDone || recordsDone {
			result.Truncated = page.More
			return false
		}
		return true
	})
	metrics.RecordFetch(result.Source, err == nil)
	return result, err
}
