package output

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/telemetry"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func render(t table.Writer, format Format) string {
	switch format {
	case FormatMarkdown:
		return t.RenderMarkdown()
	case FormatCSV:
		return t.RenderCSV()
	default:
		return t.Render()
	}
}

// Stats renders process-wide limiter aggregates.
func Stats(format Format, stats telemetry.Stats) (string, error) {
	if format == FormatJSON {
		return JSON(stats)
	}

	t := newTable()
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRow(table.Row{"requests", stats.TotalRequests})
	t.AppendRow(table.Row{"responses", stats.TotalResponses})
	t.AppendRow(table.Row{"sleeps", stats.TotalSleeps})
	t.AppendRow(table.Row{"sleep seconds", formatFloat(stats.TotalSleepSeconds)})
	t.AppendRow(table.Row{"avg latency ms", formatFloat(stats.AvgLatencyMS)})
	t.AppendSeparator()
	for _, d := range core.Decisions {
		t.AppendRow(table.Row{"decision " + string(d), stats.Decision(d)})
	}

	codes := make([]int, 0, len(stats.StatusCodes))
	for code := range stats.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	if len(codes) > 0 {
		t.AppendSeparator()
	}
	for _, code := range codes {
		label := "status " + strconv.Itoa(code)
		if code == 0 {
			label = "transport errors"
		}
		t.AppendRow(table.Row{label, stats.StatusCodes[code]})
	}
	return render(t, format), nil
}

// Buckets renders per-bucket limiter activity.
func Buckets(format Format, buckets []engine.BucketStats) (string, error) {
	if format == FormatJSON {
		return JSON(buckets)
	}

	t := newTable()
	t.AppendHeader(table.Row{"Bucket", "Exchange", "Requests", "Throttled", "429", "5xx", "Wait (s)", "Tokens", "Rate/s", "Peak"})
	for _, b := range buckets {
		t.AppendRow(table.Row{
			string(b.Key),
			b.Exchange,
			b.Requests,
			b.Throttled,
			b.Retries429,
			b.Retries5xx,
			formatFloat(b.TotalWaitS),
			fmt.Sprintf("%s/%s", formatFloat(b.Tokens), formatFloat(b.Capacity)),
			formatFloat(b.RefillRate),
			b.PeakInFlight,
		})
	}
	return render(t, format), nil
}

// Snapshots renders persisted bucket state.
func Snapshots(format Format, states []core.BucketState) (string, error) {
	if format == FormatJSON {
		return JSON(states)
	}

	t := newTable()
	t.AppendHeader(table.Row{"Bucket", "Tokens", "Capacity", "Rate/s", "Last Refill", "Updated"})
	for _, s := range states {
		t.AppendRow(table.Row{
			string(s.Key),
			formatFloat(s.Tokens),
			formatFloat(s.Capacity),
			formatFloat(s.RefillRate),
			formatTime(s.LastRefill),
			formatTime(s.UpdatedAt),
		})
	}
	return render(t, format), nil
}

// Policies renders configured exchange limits.
func Policies(format Format, policies []engine.PolicySummary) (string, error) {
	if format == FormatJSON {
		return JSON(policies)
	}

	t := newTable()
	t.AppendHeader(table.Row{"Exchange", "Host", "Rate/s", "Burst", "Concurrency", "Buckets", "Headers"})
	for _, p := range policies {
		host := p.Host
		if host == "" {
			host = "*"
		}
		t.AppendRow(table.Row{
			p.Exchange,
			host,
			formatFloat(p.SteadyRate),
			formatFloat(p.Burst),
			p.MaxConcurrency,
			formatRules(p.Buckets),
			strings.Join([]string{p.Headers.Limit, p.Headers.Remaining, p.Headers.Reset, p.Headers.RetryAfter}, ", "),
		})
	}
	return render(t, format), nil
}

// Collection renders a paginated fetch. JSON carries every record; the
// table lists one row per page.
func Collection(format Format, result *datasource.Result) (string, error) {
	if format == FormatJSON {
		return JSON(result)
	}
	if result == nil {
		return "", fmt.Errorf("no result to render")
	}

	t := newTable()
	t.SetTitle(fmt.Sprintf("%s %s", result.Source, result.Endpoint))
	t.AppendHeader(table.Row{"Page", "Records", "Metadata"})
	for i, page := range result.Pages {
		t.AppendRow(table.Row{i + 1, len(page.Records), formatMetadata(page.Metadata)})
	}
	total := strconv.Itoa(result.Records)
	if result.Truncated {
		total += " (truncated)"
	}
	t.AppendFooter(table.Row{"Total", total, ""})
	return render(t, format), nil
}

func formatMetadata(meta map[string]any) string {
	if len(meta) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, meta[k]))
	}
	return strings.Join(parts, " ")
}

func formatRules(rules []engine.RuleSummary) string {
	if len(rules) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			parts = append(parts, string(r.Key))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", r.Key, r.Pattern))
	}
	return strings.Join(parts, "\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
