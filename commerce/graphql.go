package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/ratelimit"
	"github.com/draftmill/flywheel/resilience"
)

const graphQLPath = "/admin/api/graphql.json"

// Error kinds for GraphQL-level errors. User errors are domain outcomes the
// caller handles; graphql errors are request failures.
const (
	ErrorKindUser    = "USER_ERROR"
	ErrorKindGraphQL = "GRAPHQL_ERROR"
)

// GraphQLRequest is one query or mutation.
type GraphQLRequest struct {
	Query     string
	Variables map[string]interface{}
}

// GraphQLError is one entry from the response's errors array, tagged with
// its kind.
type GraphQLError struct {
	Message string
	Path    []interface{}
	Code    string
	Kind    string
}

// GraphQLResponse carries the parsed reply. Errors holds user errors even
// when the call as a whole succeeded.
type GraphQLResponse struct {
	Data          json.RawMessage
	Errors        []GraphQLError
	EstimatedCost float64
	ActualCost    float64
}

// DecodeData unmarshals the data payload into v.
func (r *GraphQLResponse) DecodeData(v interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// UserErrors returns the user-error subset.
func (r *GraphQLResponse) UserErrors() []GraphQLError {
	var out []GraphQLError
	for _, e := range r.Errors {
		if e.Kind == ErrorKindUser {
			out = append(out, e)
		}
	}
	return out
}

// HasUserErrors reports whether any user errors came back.
func (r *GraphQLResponse) HasUserErrors() bool {
	return len(r.UserErrors()) > 0
}

var (
	fieldLinePattern  = regexp.MustCompile(`(?m)^\s*[A-Za-z_][A-Za-z0-9_]*`)
	connectionPattern = regexp.MustCompile(`\(\s*first:`)
	firstArgPattern   = regexp.MustCompile(`first:\s*(\d+)`)
)

// EstimateQueryCost approximates the platform's query-cost model: a base
// point, a tenth of a point per field line, a point per connection, and a
// hundredth of a point per row requested through first arguments.
func EstimateQueryCost(query string) float64 {
	fields := len(fieldLinePattern.FindAllString(query, -1))
	connections := len(connectionPattern.FindAllString(query, -1))
	rows := 0
	for _, m := range firstArgPattern.FindAllStringSubmatch(query, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			rows += n
		}
	}
	return 1 + 0.1*float64(fields) + float64(connections) + 0.01*float64(rows)
}

// gqlWire is the platform's response envelope.
type gqlWire struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlWireError  `json:"errors"`
	Extensions struct {
		Cost struct {
			RequestedQueryCost float64 `json:"requestedQueryCost"`
			ActualQueryCost    float64 `json:"actualQueryCost"`
		} `json:"cost"`
	} `json:"extensions"`
}

type gqlWireError struct {
	Message    string        `json:"message"`
	Path       []interface{} `json:"path"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (e gqlWireError) kind() string {
	if len(e.Path) > 0 || e.Extensions.Code == ErrorKindUser {
		return ErrorKindUser
	}
	return ErrorKindGraphQL
}

// GraphQLClient calls the platform's GraphQL API for one shop. Each query is
// cost-estimated and admitted against the shop's tiered cost bucket before
// executing; the vendor-reported actual cost refunds the difference after.
type GraphQLClient struct {
	shop     string
	executor RequestExecutor
	limiter  *ratelimit.CommerceLimiter
	opts     clientOptions
}

func NewGraphQLClient(shop string, executor RequestExecutor, limiter *ratelimit.CommerceLimiter, opts ...Option) *GraphQLClient {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &GraphQLClient{shop: shop, executor: executor, limiter: limiter, opts: o}
}

// Query executes one GraphQL call. Responses whose errors are all user
// errors return without an error; the caller reads them off the response.
func (c *GraphQLClient) Query(ctx context.Context, req *GraphQLRequest) (*GraphQLResponse, error) {
	estimate := EstimateQueryCost(req.Query)

	ctx, span := c.opts.telemetry.StartSpan(ctx, "commerce.graphql")
	defer span.End()
	span.SetAttribute("commerce.shop", c.shop)
	span.SetAttribute("commerce.estimated_cost", estimate)

	body, err := json.Marshal(map[string]interface{}{
		"query":     req.Query,
		"variables": req.Variables,
	})
	if err != nil {
		return nil, &core.PlatformError{
			Op:      "commerce.graphql.Query",
			Kind:    "validation",
			ID:      c.shop,
			Message: "query is not serializable",
			Err:     core.ErrInvalidInput,
		}
	}

	started := time.Now()
	var raw *Response
	err = resilience.Retry(ctx, c.opts.retry, func() error {
		admitted, lerr := c.limiter.WaitGraphQL(ctx, c.shop, estimate, c.opts.maxWait)
		if lerr != nil {
			return lerr
		}
		if !admitted {
			return &resilience.StatusError{
				StatusCode: http.StatusTooManyRequests,
				Message:    "cost bucket did not admit the query in time",
				Err:        core.ErrRateLimited,
			}
		}
		r, xerr := c.executor.Execute(ctx, &Request{Method: http.MethodPost, Path: graphQLPath, Body: body})
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
		raw = r
		return nil
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.opts.telemetry.RecordMetric("commerce.requests", 1, map[string]string{"api": "graphql", "status": status})
	if err != nil {
		span.RecordError(err)
		c.opts.logger.ErrorWithContext(ctx, "GraphQL request failed", map[string]interface{}{
			"shop":           c.shop,
			"estimated_cost": estimate,
			"error":          err.Error(),
		})
		return nil, &core.PlatformError{
			Op:      "commerce.graphql.Query",
			Kind:    "request",
			ID:      c.shop,
			Message: "query failed",
			Err:     err,
		}
	}

	var wire gqlWire
	if uerr := json.Unmarshal(raw.Body, &wire); uerr != nil {
		return nil, &core.PlatformError{
			Op:      "commerce.graphql.Query",
			Kind:    "request",
			ID:      c.shop,
			Message: "malformed response body",
			Err:     uerr,
		}
	}

	resp := &GraphQLResponse{
		Data:          wire.Data,
		EstimatedCost: estimate,
		ActualCost:    wire.Extensions.Cost.ActualQueryCost,
	}
	for _, we := range wire.Errors {
		resp.Errors = append(resp.Errors, GraphQLError{
			Message: we.Message,
			Path:    we.Path,
			Code:    we.Extensions.Code,
			Kind:    we.kind(),
		})
	}

	if resp.ActualCost > 0 {
		c.limiter.ReportActualCost(ctx, c.shop, estimate, resp.ActualCost)
	}

	c.opts.logger.DebugWithContext(ctx, "GraphQL request completed", map[string]interface{}{
		"shop":           c.shop,
		"estimated_cost": estimate,
		"actual_cost":    resp.ActualCost,
		"errors":         len(resp.Errors),
		"duration_ms":    time.Since(started).Milliseconds(),
	})

	for _, e := range resp.Errors {
		if e.Kind == ErrorKindGraphQL {
			span.RecordError(fmt.Errorf("graphql error: %s", e.Message))
			return resp, &core.PlatformError{
				Op:      "commerce.graphql.Query",
				Kind:    "graphql",
				ID:      c.shop,
				Message: e.Message,
				Err:     core.ErrRequestFailed,
			}
		}
	}
	return resp, nil
}
