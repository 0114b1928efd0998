// This file provides HTTP client instrumentation for distributed tracing.
// The platform only makes outbound calls (commerce APIs, LLM providers), so
// there is no server-side middleware here.
//
// Use NewTracedHTTPClient to automatically propagate trace context to
// downstream services:
//
//	client := telemetry.NewTracedHTTPClient(nil)
//	req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
//	resp, err := client.Do(req)
//
// The W3C TraceContext headers (traceparent, tracestate) are injected on
// every request, so a collector can stitch the platform's outbound calls
// into the owning trace. The client is safe even when no provider has been
// initialized; it falls back to a no-op tracer.
package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewTracedHTTPClient creates an HTTP client that automatically propagates
// trace context to downstream services via W3C TraceContext headers.
//
// Parameters:
//   - baseTransport: The underlying transport to use. If nil, uses http.DefaultTransport.
//
// The returned client is safe for concurrent use and should be reused
// across requests for connection pooling benefits.
func NewTracedHTTPClient(baseTransport http.RoundTripper) *http.Client {
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(baseTransport),
	}
}

// NewTracedHTTPClientWithTransport creates a traced HTTP client with pooling
// configured for sustained service-to-service traffic.
//
// Parameters:
//   - transport: Custom transport configuration. If nil, creates a default pooled transport.
func NewTracedHTTPClientWithTransport(transport *http.Transport) *http.Client {
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DisableKeepAlives:   false,
			ForceAttemptHTTP2:   true,
		}
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}
