// Package llm provides the platform's language-model client: a provider
// registry (OpenAI-compatible and Bedrock adapters register themselves),
// chat and embedding calls layered with per-model token buckets, in-flight
// prompt deduplication, and a process-local embedding cache.
package llm

import (
	"context"
	"strings"
)

// Options carries the per-call generation knobs. Zero values fall back to
// the client's configured defaults.
type Options struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Response is one model completion.
type Response struct {
	Content  string
	Model    string
	Provider string
	Usage    TokenUsage
}

// TokenUsage is the vendor-reported token accounting for one call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Embedding is the vector for one input, positioned by the input's index
// in the request.
type Embedding struct {
	Index  int
	Vector []float32
}

// Provider is one vendor adapter. Adapters perform a single attempt per
// call and surface classified errors; admission, retry, dedup, and caching
// live in Client.
type Provider interface {
	Name() string
	GenerateResponse(ctx context.Context, prompt string, opts *Options) (*Response, error)
	GetEmbeddings(ctx context.Context, model string, inputs []string) ([]Embedding, error)
}

// CleanInputs trims whitespace and drops empty strings, preserving order.
// Vendors reject empty embedding inputs, so they are filtered before any
// budget is spent.
func CleanInputs(inputs []string) []string {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if s := strings.TrimSpace(in); s != "" {
			out = append(out, s)
		}
	}
	return out
}
