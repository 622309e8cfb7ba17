package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/predmkts/predmkts/internal/core"
)

// DefaultUserAgent identifies outbound requests when none is configured.
const DefaultUserAgent = "predmkts"

// Executor runs a request through the limiter, retrying as the limiter
// directs. It is the only place data sources touch the network.
type Executor struct {
	Limiter   *RateLimiter
	Client    *http.Client
	UserAgent string
	// Now measures request latency. Nil uses time.Now.
	Now func() time.Time
}

// Do sends spec and returns the first response the limiter accepts. The
// caller owns the response body. Throttle and backoff waits happen inside
// the limiter; Do returns an error only for invalid requests, context
// cancellation or exhausted attempts.
func (e *Executor) Do(ctx context.Context, spec *core.RequestSpec) (*http.Response, error) {
	if e == nil || e.Limiter == nil {
		return nil, errors.New("executor is not configured")
	}
	if spec == nil {
		return nil, errors.New("request spec is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := requestURL(spec)
	if err != nil {
		return nil, err
	}

	call := e.Limiter.NewCall(target.Host, target.Path)
	for {
		resp, decision, err := e.attempt(ctx, call, spec, target)
		if err != nil {
			return nil, err
		}
		if decision.IsBackoff() {
			continue
		}
		return resp, nil
	}
}

func (e *Executor) attempt(ctx context.Context, call *Call, spec *core.RequestSpec, target *url.URL) (*http.Response, core.Decision, error) {
	permit, err := e.Limiter.BeforeRequest(ctx, call)
	if err != nil {
		return nil, "", err
	}
	defer permit.Release()

	req, err := e.newRequest(ctx, spec, target)
	if err != nil {
		return nil, "", err
	}

	start := e.now()
	resp, err := e.client().Do(req)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; this says nothing about the upstream.
		drain(resp)
		return nil, "", ctx.Err()
	}
	observed := Response{Elapsed: e.now().Sub(start), Err: err}
	if resp != nil {
		observed.Status = resp.StatusCode
		observed.Header = resp.Header
	}

	decision, lerr := e.Limiter.AfterResponse(ctx, permit, observed)
	if lerr != nil || decision.IsBackoff() {
		drain(resp)
		if lerr == nil && ctx.Err() != nil {
			lerr = ctx.Err()
		}
		return nil, decision, lerr
	}
	return resp, decision, nil
}

func (e *Executor) newRequest(ctx context.Context, spec *core.RequestSpec, target *url.URL) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range spec.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		ua := e.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		req.Header.Set("User-Agent", ua)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func (e *Executor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func requestURL(spec *core.RequestSpec) (*url.URL, error) {
	target, err := url.Parse(strings.TrimSpace(spec.URL))
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("request url %q must be absolute", spec.URL)
	}
	if len(spec.Query) > 0 {
		q := target.Query()
		for key, values := range spec.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	return target, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
