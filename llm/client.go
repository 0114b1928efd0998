package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/ratelimit"
	"github.com/draftmill/flywheel/resilience"
)

const (
	defaultModelRequests = 60
	defaultModelWindow   = time.Minute
	defaultMaxWait       = 30 * time.Second
)

// Client layers platform concerns over a Provider: every call is admitted
// against a per-model token bucket and retried on transient failures;
// identical prompts in flight share one execution; embeddings are cached
// per process for the configured TTL.
type Client struct {
	provider Provider
	cfg      core.LLMConfig

	limiter    *ratelimit.Limiter
	dedup      *resilience.Deduplicator
	embedCache *core.TTLCache
	retry      *resilience.RetryConfig
	maxWait    time.Duration

	modelRequests int
	modelWindow   time.Duration

	logger    core.Logger
	telemetry core.Telemetry

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTelemetry(t core.Telemetry) Option {
	return func(c *Client) {
		if t != nil {
			c.telemetry = t
		}
	}
}

// WithRetry replaces the default retry policy.
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(c *Client) {
		if cfg != nil {
			c.retry = cfg
		}
	}
}

// WithMaxWait bounds how long a call blocks on the model's token bucket.
func WithMaxWait(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.maxWait = d
		}
	}
}

// WithModelLimit sizes each model's token bucket. The default admits 60
// requests per minute per model.
func WithModelLimit(requests int, window time.Duration) Option {
	return func(c *Client) {
		if requests > 0 {
			c.modelRequests = requests
		}
		if window > 0 {
			c.modelWindow = window
		}
	}
}

// New builds a client over the provider. Zero-valued configuration fields
// take the platform defaults.
func New(provider Provider, cfg core.LLMConfig, opts ...Option) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.EmbeddingCacheTTL <= 0 {
		cfg.EmbeddingCacheTTL = 30 * time.Minute
	}

	c := &Client{
		provider:      provider,
		cfg:           cfg,
		retry:         resilience.DefaultRetryConfig(),
		maxWait:       defaultMaxWait,
		modelRequests: defaultModelRequests,
		modelWindow:   defaultModelWindow,
		logger:        &core.NoOpLogger{},
		telemetry:     &core.NoOpTelemetry{},
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.limiter = ratelimit.NewLimiter(ratelimit.Config{
		Algorithm:   ratelimit.AlgorithmTokenBucket,
		MaxRequests: c.modelRequests,
		Window:      c.modelWindow,
	}, ratelimit.WithLimiterLogger(c.logger), ratelimit.WithLimiterTelemetry(c.telemetry))
	c.dedup = resilience.NewDeduplicator(resilience.WithDedupLogger(c.logger))
	c.embedCache = core.NewTTLCache(core.WithCacheLogger(c.logger))

	go c.sweepLoop()
	return c
}

// Close stops the cache janitor and resets the process-local caches. The
// client stays usable afterwards; embeddings are simply fetched fresh.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.embedCache.Clear()
}

func (c *Client) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := c.embedCache.CleanupExpired(); removed > 0 {
				c.logger.Debug("Swept expired embeddings", map[string]interface{}{
					"removed": removed,
				})
			}
			c.limiter.Cleanup(time.Hour)
		case <-c.stop:
			return
		}
	}
}

// GenerateResponse sends one prompt to the provider. Identical prompts
// already in flight share a single provider call.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, opts *Options) (*Response, error) {
	call := c.applyDefaults(opts)

	ctx, span := c.telemetry.StartSpan(ctx, "llm.generate")
	defer span.End()
	span.SetAttribute("llm.provider", c.provider.Name())
	span.SetAttribute("llm.model", call.Model)
	span.SetAttribute("llm.prompt_length", len(prompt))

	if strings.TrimSpace(prompt) == "" {
		return nil, &core.PlatformError{
			Op:      "llm.GenerateResponse",
			Kind:    "validation",
			Message: "prompt is empty",
			Err:     core.ErrInvalidInput,
		}
	}

	key := resilience.DedupKey("llm.generate", c.provider.Name(), call.Model, call.SystemPrompt, prompt, call.Temperature, call.MaxTokens)
	started := time.Now()
	val, shared, err := c.dedup.Do(ctx, key, func() (interface{}, error) {
		return c.generate(ctx, prompt, call)
	})
	if shared {
		span.SetAttribute("llm.deduplicated", true)
		c.telemetry.RecordMetric("llm.prompts.deduplicated", 1, map[string]string{"model": call.Model})
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.telemetry.RecordMetric("llm.requests", 1, map[string]string{
		"provider": c.provider.Name(),
		"model":    call.Model,
		"type":     "chat",
		"status":   status,
	})
	c.telemetry.RecordMetric("llm.request_duration", float64(time.Since(started).Milliseconds()), map[string]string{"model": call.Model})

	if err != nil {
		span.RecordError(err)
		c.logger.ErrorWithContext(ctx, "LLM generation failed", map[string]interface{}{
			"provider": c.provider.Name(),
			"model":    call.Model,
			"error":    err.Error(),
		})
		return nil, &core.PlatformError{
			Op:      "llm.GenerateResponse",
			Kind:    "request",
			ID:      call.Model,
			Message: "generation failed",
			Err:     err,
		}
	}

	resp, ok := val.(*Response)
	if !ok || resp == nil {
		return nil, &core.PlatformError{
			Op:      "llm.GenerateResponse",
			Kind:    "request",
			ID:      call.Model,
			Message: "provider returned no response",
			Err:     core.ErrRequestFailed,
		}
	}

	c.telemetry.RecordMetric("llm.prompt_tokens", float64(resp.Usage.PromptTokens), map[string]string{"model": call.Model})
	c.telemetry.RecordMetric("llm.completion_tokens", float64(resp.Usage.CompletionTokens), map[string]string{"model": call.Model})
	span.SetAttribute("llm.prompt_tokens", resp.Usage.PromptTokens)
	span.SetAttribute("llm.completion_tokens", resp.Usage.CompletionTokens)

	c.logger.DebugWithContext(ctx, "LLM generation completed", map[string]interface{}{
		"provider":       c.provider.Name(),
		"model":          resp.Model,
		"shared":         shared,
		"prompt_tokens":  resp.Usage.PromptTokens,
		"total_tokens":   resp.Usage.TotalTokens,
		"duration_ms":    time.Since(started).Milliseconds(),
		"content_length": len(resp.Content),
	})
	return resp, nil
}

func (c *Client) generate(ctx context.Context, prompt string, call Options) (*Response, error) {
	var resp *Response
	err := resilience.Retry(ctx, c.retry, func() error {
		admitted, lerr := c.limiter.WaitForToken(ctx, modelKey(call.Model), c.maxWait)
		if lerr != nil {
			return lerr
		}
		if !admitted {
			return &resilience.StatusError{
				StatusCode: http.StatusTooManyRequests,
				Message:    "model bucket did not admit the request in time",
				Err:        core.ErrRateLimited,
			}
		}
		r, gerr := c.provider.GenerateResponse(ctx, prompt, &call)
		if gerr != nil {
			return gerr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetEmbeddings returns one vector per non-empty input, in input order.
// Vectors already cached for the configured embedding model are served
// without a provider call.
func (c *Client) GetEmbeddings(ctx context.Context, inputs []string) ([]Embedding, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "llm.embeddings")
	defer span.End()
	model := c.cfg.EmbeddingModel
	span.SetAttribute("llm.provider", c.provider.Name())
	span.SetAttribute("llm.model", model)

	cleaned := CleanInputs(inputs)
	if len(cleaned) == 0 {
		return nil, &core.PlatformError{
			Op:      "llm.GetEmbeddings",
			Kind:    "validation",
			Message: "no non-empty inputs",
			Err:     core.ErrInvalidInput,
		}
	}
	span.SetAttribute("llm.input_count", len(cleaned))

	out := make([]Embedding, len(cleaned))
	var misses []string
	var missIdx []int
	hits := 0
	for i, in := range cleaned {
		if v, ok := c.embedCache.Get(embeddingKey(model, in)); ok {
			if vec, ok := v.([]float32); ok {
				out[i] = Embedding{Index: i, Vector: vec}
				hits++
				continue
			}
		}
		misses = append(misses, in)
		missIdx = append(missIdx, i)
	}
	if hits > 0 {
		span.SetAttribute("llm.cache_hits", hits)
		c.telemetry.RecordMetric("llm.embedding_cache.hits", float64(hits), map[string]string{"model": model})
	}
	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.fetchEmbeddings(ctx, model, misses)

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.telemetry.RecordMetric("llm.requests", 1, map[string]string{
		"provider": c.provider.Name(),
		"model":    model,
		"type":     "embeddings",
		"status":   status,
	})

	if err != nil {
		span.RecordError(err)
		c.logger.ErrorWithContext(ctx, "LLM embedding fetch failed", map[string]interface{}{
			"provider": c.provider.Name(),
			"model":    model,
			"inputs":   len(misses),
			"error":    err.Error(),
		})
		return nil, &core.PlatformError{
			Op:      "llm.GetEmbeddings",
			Kind:    "request",
			ID:      model,
			Message: "embedding fetch failed",
			Err:     err,
		}
	}
	if len(fetched) != len(misses) {
		return nil, &core.PlatformError{
			Op:      "llm.GetEmbeddings",
			Kind:    "request",
			ID:      model,
			Message: fmt.Sprintf("provider returned %d embeddings for %d inputs", len(fetched), len(misses)),
			Err:     core.ErrRequestFailed,
		}
	}

	// Vendors may return vectors out of order; the reported index is
	// relative to the fetched batch.
	for j, emb := range fetched {
		idx := emb.Index
		if idx < 0 || idx >= len(missIdx) {
			idx = j
		}
		i := missIdx[idx]
		out[i] = Embedding{Index: i, Vector: emb.Vector}
		c.embedCache.Set(embeddingKey(model, misses[idx]), emb.Vector, c.cfg.EmbeddingCacheTTL)
	}
	return out, nil
}

func (c *Client) fetchEmbeddings(ctx context.Context, model string, inputs []string) ([]Embedding, error) {
	var fetched []Embedding
	err := resilience.Retry(ctx, c.retry, func() error {
		admitted, lerr := c.limiter.WaitForToken(ctx, modelKey(model), c.maxWait)
		if lerr != nil {
			return lerr
		}
		if !admitted {
			return &resilience.StatusError{
				StatusCode: http.StatusTooManyRequests,
				Message:    "model bucket did not admit the request in time",
				Err:        core.ErrRateLimited,
			}
		}
		r, gerr := c.provider.GetEmbeddings(ctx, model, inputs)
		if gerr != nil {
			return gerr
		}
		fetched = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// Stats reports cache and dedup counters for diagnostics.
func (c *Client) Stats() map[string]interface{} {
	stats := c.dedup.Stats()
	stats["embeddings_cached"] = c.embedCache.Len()
	return stats
}

func (c *Client) applyDefaults(opts *Options) Options {
	var call Options
	if opts != nil {
		call = *opts
	}
	if call.Model == "" {
		call.Model = c.cfg.Model
	}
	if call.Temperature <= 0 {
		call.Temperature = c.cfg.Temperature
	}
	if call.MaxTokens <= 0 {
		call.MaxTokens = c.cfg.MaxTokens
	}
	return call
}

func modelKey(model string) string {
	return "model:" + model
}

func embeddingKey(model, input string) string {
	return "emb:" + model + ":" + core.Hash32([]byte(input))
}
