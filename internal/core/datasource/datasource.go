package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/predmkts/predmkts/internal/core"
	"github.com/predmkts/predmkts/internal/core/engine"
)

// Paginator is called with each fetched page and the number of records
// fetched so far, this page included. Returning false stops pagination.
type Paginator func(page core.Page, total int) bool

// DataSource is an exchange adapter. Adapters build requests; every
// request is sent through the shared rate limiter by the Executor.
type DataSource interface {
	Name() string
	PrepareRequest(endpoint string, params url.Values) (*core.RequestSpec, error)
	Auth(headers http.Header) http.Header
	Paginate(ctx context.Context, endpoint string, params url.Values, visit Paginator) error
}

// Options configures an adapter.
type Options struct {
	BaseURL  string `mapstructure:"base_url" json:"base_url"`
	APIKey   string `mapstructure:"api_key" json:"-"`
	PageSize int    `mapstructure:"page_size" json:"page_size"`
}

// DefaultPageSize is used when Options.PageSize is unset.
const DefaultPageSize = 100

// StatusError is returned when an exchange answers with a non-2xx status
// the limiter does not retry.
type StatusError struct {
	Source string
	Status int
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: unexpected status %d from %s", e.Source, e.Status, e.URL)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

var factories = map[string]func(*engine.Executor, Options) DataSource{
	polymarketName: func(exec *engine.Executor, opts Options) DataSource { return NewPolymarket(exec, opts) },
	kalshiName:     func(exec *engine.Executor, opts Options) DataSource { return NewKalshi(exec, opts) },
}

// Names lists the available adapters.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named adapter.
func New(name string, exec *engine.Executor, opts Options) (DataSource, error) {
	factory, ok := factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown data source %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	if exec == nil {
		return nil, errors.New("data source requires an executor")
	}
	return factory(exec, opts), nil
}

// base holds what every adapter shares.
type base struct {
	name     string
	exec     *engine.Executor
	baseURL  string
	apiKey   string
	pageSize int
}

func newBase(name, defaultURL string, exec *engine.Executor, opts Options) base {
	b := base{
		name:     name,
		exec:     exec,
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:   strings.TrimSpace(opts.APIKey),
		pageSize: opts.PageSize,
	}
	if b.baseURL == "" {
		b.baseURL = defaultURL
	}
	if b.pageSize <= 0 {
		b.pageSize = DefaultPageSize
	}
	return b
}

func (b base) Name() string {
	return b.name
}

// Auth returns a copy of headers with the API key applied, if one is set.
func (b base) Auth(headers http.Header) http.Header {
	out := headers.Clone()
	if out == nil {
		out = http.Header{}
	}
	if b.apiKey != "" {
		out.Set("Authorization", "Bearer "+b.apiKey)
	}
	return out
}

func (b base) PrepareRequest(endpoint string, params url.Values) (*core.RequestSpec, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	query := url.Values{}
	for k, v := range params {
		query[k] = append([]string(nil), v...)
	}
	return &core.RequestSpec{
		URL:    b.baseURL + endpoint,
		Method: http.MethodGet,
		Header: b.Auth(http.Header{"Accept": {"application/json"}}),
		Query:  query,
		Source: b.name,
	}, nil
}

// fetch sends spec through the executor and decodes a JSON body into out.
func (b base) fetch(ctx context.Context, spec *core.RequestSpec, out any) error {
	resp, err := b.exec.Do(ctx, spec)
	if err != nil {
		return fmt.Errorf("%s %s: %w", b.name, spec.URL, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Source: b.name,
			Status: resp.StatusCode,
			URL:    spec.URL,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", b.name, spec.URL, err)
	}
	return nil
}

func pageOf(records []map[string]any, metadata map[string]any) core.Page {
	if records == nil {
		records = []map[string]any{}
	}
	return core.Page{Records: records, Metadata: metadata}
}
