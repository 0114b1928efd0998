package commerce

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/ratelimit"
)

func TestEstimateQueryCost(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  float64
	}{
		{
			name:  "single line has only the base cost",
			query: `{ shop { name } }`,
			want:  1.0,
		},
		{
			name: "plain fields",
			query: `query {
  shop {
    name
  }
}`,
			want: 1.3,
		},
		{
			name: "connection with rows",
			query: `query {
  products(first: 50) {
    edges {
      node {
        id
      }
    }
  }
}`,
			want: 3.0,
		},
		{
			name: "nested connections",
			query: `query {
  orders(first: 10) {
    edges {
      node {
        id
        lineItems(first: 5) {
          edges {
            node {
              title
            }
          }
        }
      }
    }
  }
}`,
			want: 4.05,
		},
		{
			name:  "variable first argument counts the connection but no rows",
			query: `{ products(first: $n) { id } }`,
			want:  2.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, EstimateQueryCost(tt.query), 0.0001)
		})
	}
}

func TestGraphQLQueryReportsActualCost(t *testing.T) {
	// 6 field lines, one connection, 4000 rows: 1 + 0.6 + 1 + 40 = 42.6.
	const query = `query {
  articles(first: 4000) {
    edges {
      node {
        id
        title
      }
    }
  }
}`
	body := `{
		"data": {"articles": {"edges": []}},
		"extensions": {"cost": {"requestedQueryCost": 42, "actualQueryCost": 12}}
	}`
	exec := &stubExecutor{handler: func(int, *Request) (*Response, error) {
		return okJSON(body), nil
	}}
	limiter := testCommerceLimiter()
	limiter.RegisterShop("refund.example.com", ratelimit.TierStandard)
	tel := &metricRecorder{}
	client := NewGraphQLClient("refund.example.com", exec, limiter,
		WithRetry(testRetry()), WithMaxWait(50*time.Millisecond), WithTelemetry(tel))

	resp, err := client.Query(context.Background(), &GraphQLRequest{Query: query})
	require.NoError(t, err)
	assert.InDelta(t, 42.6, resp.EstimatedCost, 0.001)
	assert.Equal(t, float64(12), resp.ActualCost)
	assert.False(t, resp.HasUserErrors())

	var data struct {
		Articles struct {
			Edges []json.RawMessage `json:"edges"`
		} `json:"articles"`
	}
	require.NoError(t, resp.DecodeData(&data))
	assert.Empty(t, data.Articles.Edges)

	require.Equal(t, 1, exec.calls())
	sent := exec.request(0)
	assert.Equal(t, http.MethodPost, sent.Method)
	assert.Equal(t, "/admin/api/graphql.json", sent.Path)
	var wire struct {
		Query string `json:"query"`
	}
	require.NoError(t, json.Unmarshal(sent.Body, &wire))
	assert.Equal(t, query, wire.Query)

	// Only the reported actual cost stays spent; the over-estimate was
	// refunded. The probe itself consumes one point.
	probe, err := limiter.CheckGraphQL(context.Background(), "refund.example.com", 1)
	require.NoError(t, err)
	require.True(t, probe.Allowed)
	assert.InDelta(t, 1000-12-1, probe.Remaining, 5)

	assert.Equal(t, map[string]string{"api": "graphql", "status": "ok"}, tel.lastLabels("commerce.requests"))
}

func TestGraphQLErrorKinds(t *testing.T) {
	const mutation = `mutation {
  articleCreate {
    id
  }
}`
	ctx := context.Background()

	newClient := func(body string) (*GraphQLClient, *stubExecutor) {
		exec := &stubExecutor{handler: func(int, *Request) (*Response, error) {
			return okJSON(body), nil
		}}
		client := NewGraphQLClient("shop.example.com", exec, testCommerceLimiter(),
			WithRetry(testRetry()), WithMaxWait(50*time.Millisecond))
		return client, exec
	}

	t.Run("user errors are domain values", func(t *testing.T) {
		client, _ := newClient(`{
			"data": {"articleCreate": {"article": null}},
			"errors": [{"message": "Title can't be blank", "path": ["articleCreate", "userErrors"], "extensions": {"code": "USER_ERROR"}}]
		}`)
		resp, err := client.Query(ctx, &GraphQLRequest{Query: mutation})
		require.NoError(t, err)
		require.True(t, resp.HasUserErrors())

		ue := resp.UserErrors()
		require.Len(t, ue, 1)
		assert.Equal(t, "Title can't be blank", ue[0].Message)
		assert.Equal(t, ErrorKindUser, ue[0].Kind)
		assert.Equal(t, "USER_ERROR", ue[0].Code)
	})

	t.Run("error code marks a user error without a path", func(t *testing.T) {
		client, _ := newClient(`{
			"data": {},
			"errors": [{"message": "Quota exceeded for plan", "extensions": {"code": "USER_ERROR"}}]
		}`)
		resp, err := client.Query(ctx, &GraphQLRequest{Query: mutation})
		require.NoError(t, err)
		assert.True(t, resp.HasUserErrors())
	})

	t.Run("graphql errors fail the call", func(t *testing.T) {
		client, _ := newClient(`{"errors": [{"message": "Internal error"}]}`)
		resp, err := client.Query(ctx, &GraphQLRequest{Query: mutation})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrRequestFailed)

		// The tagged response still comes back for inspection.
		require.NotNil(t, resp)
		require.Len(t, resp.Errors, 1)
		assert.Equal(t, ErrorKindGraphQL, resp.Errors[0].Kind)
	})

	t.Run("a single graphql error fails a mixed batch", func(t *testing.T) {
		client, _ := newClient(`{"errors": [
			{"message": "Title can't be blank", "path": ["articleCreate"]},
			{"message": "Internal error"}
		]}`)
		resp, err := client.Query(ctx, &GraphQLRequest{Query: mutation})
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrRequestFailed)
		require.NotNil(t, resp)
		assert.True(t, resp.HasUserErrors())
	})
}

func TestGraphQLMaxCostRefusedWithoutSpending(t *testing.T) {
	exec := &stubExecutor{handler: func(int, *Request) (*Response, error) {
		return okJSON(`{"data":{}}`), nil
	}}
	limiter := testCommerceLimiter()
	client := NewGraphQLClient("shop.example.com", exec, limiter,
		WithRetry(testRetry()), WithMaxWait(50*time.Millisecond))
	ctx := context.Background()

	// 150000 rows estimate to 1502 points, over the 1000 point ceiling.
	resp, err := client.Query(ctx, &GraphQLRequest{Query: `{ everything(first: 150000) { id } }`})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	assert.Zero(t, exec.calls(), "an oversized query must never reach the platform")

	// Nothing was charged: the full bucket still admits a maximum query.
	probe, err := limiter.CheckGraphQL(ctx, "shop.example.com", 1000)
	require.NoError(t, err)
	assert.True(t, probe.Allowed)
}

func TestGraphQLRetriesThrottledResponses(t *testing.T) {
	exec := &stubExecutor{handler: func(call int, _ *Request) (*Response, error) {
		if call == 1 {
			return &Response{StatusCode: http.StatusTooManyRequests, Body: []byte(`{"errors":"Throttled"}`)}, nil
		}
		return okJSON(`{"data":{"shop":{"name":"alpha"}}}`), nil
	}}
	client := NewGraphQLClient("shop.example.com", exec, testCommerceLimiter(),
		WithRetry(testRetry()), WithMaxWait(50*time.Millisecond))

	resp, err := client.Query(context.Background(), &GraphQLRequest{Query: `{ shop { name } }`})
	require.NoError(t, err)
	assert.Equal(t, 2, exec.calls())

	var data struct {
		Shop struct {
			Name string `json:"name"`
		} `json:"shop"`
	}
	require.NoError(t, resp.DecodeData(&data))
	assert.Equal(t, "alpha", data.Shop.Name)
}

func TestGraphQLMalformedResponseBody(t *testing.T) {
	exec := &stubExecutor{handler: func(int, *Request) (*Response, error) {
		return okJSON("not json{"), nil
	}}
	client := NewGraphQLClient("shop.example.com", exec, testCommerceLimiter(),
		WithRetry(testRetry()), WithMaxWait(50*time.Millisecond))

	resp, err := client.Query(context.Background(), &GraphQLRequest{Query: `{ shop { name } }`})
	require.Error(t, err)
	assert.Nil(t, resp)

	var pe *core.PlatformError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "malformed response body", pe.Message)
}
