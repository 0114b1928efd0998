// Package commerce provides rate-limited, retrying clients for the commerce
// platform's REST and GraphQL admin APIs, plus billing reconciliation that
// verifies webhook claims against live platform state.
package commerce

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/ratelimit"
	"github.com/draftmill/flywheel/resilience"
	"github.com/draftmill/flywheel/telemetry"
)

// Request is one outbound call to the platform.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response is the raw platform reply.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// RequestExecutor performs the actual HTTP exchange. The real executor talks
// to the platform; tests substitute a recorder.
type RequestExecutor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// HTTPExecutor executes requests against a base URL using a traced HTTP
// client.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPExecutor builds an executor for one shop's API host. The access
// token is sent on every request.
func NewHTTPExecutor(baseURL, token string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  telemetry.NewTracedHTTPClient(nil),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) (*Response, error) {
	target := e.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		httpReq.Header.Set("X-Access-Token", e.token)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
	}, nil
}

// clientOptions collects settings shared by the REST and GraphQL clients.
type clientOptions struct {
	logger    core.Logger
	telemetry core.Telemetry
	retry     *resilience.RetryConfig
	maxWait   time.Duration
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
		retry:     resilience.DefaultRetryConfig(),
		maxWait:   30 * time.Second,
	}
}

// Option configures a commerce client.
type Option func(*clientOptions)

func WithLogger(logger core.Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithTelemetry(t core.Telemetry) Option {
	return func(o *clientOptions) {
		if t != nil {
			o.telemetry = t
		}
	}
}

// WithRetry replaces the default retry policy.
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(o *clientOptions) {
		if cfg != nil {
			o.retry = cfg
		}
	}
}

// WithMaxWait bounds how long a call blocks on the rate limiter.
func WithMaxWait(d time.Duration) Option {
	return func(o *clientOptions) {
		if d > 0 {
			o.maxWait = d
		}
	}
}

// RESTClient calls the platform's REST API for one shop. Every call takes a
// token from the shop's REST bucket before executing and retries transient
// failures.
type RESTClient struct {
	shop     string
	executor RequestExecutor
	limiter  *ratelimit.CommerceLimiter
	opts     clientOptions
}

func NewRESTClient(shop string, executor RequestExecutor, limiter *ratelimit.CommerceLimiter, opts ...Option) *RESTClient {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RESTClient{shop: shop, executor: executor, limiter: limiter, opts: o}
}

// Do executes one REST request. Rate-limit admission happens per attempt so
// a retried call consumes a fresh slot.
func (c *RESTClient) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := c.opts.telemetry.StartSpan(ctx, "commerce.rest")
	defer span.End()
	span.SetAttribute("commerce.shop", c.shop)
	span.SetAttribute("http.method", req.Method)
	span.SetAttribute("http.path", req.Path)

	started := time.Now()
	var resp *Response
	err := resilience.Retry(ctx, c.opts.retry, func() error {
		admitted, lerr := c.limiter.WaitREST(ctx, c.shop, c.opts.maxWait)
		if lerr != nil {
			return lerr
		}
		if !admitted {
			return &resilience.StatusError{
				StatusCode: http.StatusTooManyRequests,
				Message:    "rest bucket did not admit the request in time",
				Err:        core.ErrRateLimited,
			}
		}
		r, xerr := c.executor.Execute(ctx, req)
		if xerr != nil {
			return xerr
		}
		if r.StatusCode >= 400 {
			return &resilience.StatusError{
				StatusCode: r.StatusCode,
				Message:    trim(r.Body, 200),
				Err:        core.ErrRequestFailed,
			}
		}
		resp = r
		return nil
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.opts.telemetry.RecordMetric("commerce.requests", 1, map[string]string{"api": "rest", "status": status})
	if err != nil {
		span.RecordError(err)
		c.opts.logger.ErrorWithContext(ctx, "REST request failed", map[string]interface{}{
			"shop":   c.shop,
			"method": req.Method,
			"path":   req.Path,
			"error":  err.Error(),
		})
		return nil, &core.PlatformError{
			Op:      "commerce.rest.Do",
			Kind:    "request",
			ID:      c.shop,
			Message: fmt.Sprintf("%s %s failed", req.Method, req.Path),
			Err:     err,
		}
	}

	c.opts.logger.DebugWithContext(ctx, "REST request completed", map[string]interface{}{
		"shop":        c.shop,
		"method":      req.Method,
		"path":        req.Path,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return resp, nil
}

func trim(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
