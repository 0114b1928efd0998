// Package openai implements the llm.Provider contract over any
// OpenAI-compatible API: OpenAI itself, Groq, DeepSeek, and local gateways
// that speak the same chat/embeddings surface.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/llm"
	"github.com/draftmill/flywheel/resilience"
	"github.com/draftmill/flywheel/telemetry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second
)

// Client is a single-attempt adapter: admission, retry, deduplication, and
// caching live in llm.Client. Failed HTTP exchanges surface as
// *resilience.StatusError so the classifier sees the vendor status code.
type Client struct {
	apiKey    string
	baseURL   string
	http      *http.Client
	logger    core.Logger
	telemetry core.Telemetry
}

// NewClient builds a client for one OpenAI-compatible endpoint. An empty
// baseURL targets the OpenAI API; a zero timeout uses the default.
func NewClient(apiKey, baseURL string, timeout time.Duration, logger core.Logger, tel core.Telemetry) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}

	httpClient := telemetry.NewTracedHTTPClient(nil)
	httpClient.Timeout = timeout

	return &Client{
		apiKey:    apiKey,
		baseURL:   baseURL,
		http:      httpClient,
		logger:    logger,
		telemetry: tel,
	}
}

func (c *Client) Name() string {
	return "openai"
}

// GenerateResponse sends one chat completion request.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, opts *llm.Options) (*llm.Response, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "llm.provider.generate")
	defer span.End()
	span.SetAttribute("llm.provider", "openai")

	if c.apiKey == "" {
		err := &core.PlatformError{
			Op:      "openai.GenerateResponse",
			Kind:    "config",
			Message: "API key not configured",
			Err:     core.ErrMissingConfiguration,
		}
		span.RecordError(err)
		return nil, err
	}

	var call llm.Options
	if opts != nil {
		call = *opts
	}
	span.SetAttribute("llm.model", call.Model)

	var messages []chatMessage
	if call.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: call.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:       call.Model,
		Messages:    messages,
		Temperature: call.Temperature,
		MaxTokens:   call.MaxTokens,
	}

	var parsed chatResponse
	if err := c.post(ctx, "/chat/completions", reqBody, &parsed); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if len(parsed.Choices) == 0 {
		err := &core.PlatformError{
			Op:      "openai.GenerateResponse",
			Kind:    "request",
			ID:      call.Model,
			Message: "response contained no choices",
			Err:     core.ErrRequestFailed,
		}
		span.RecordError(err)
		return nil, err
	}

	model := parsed.Model
	if model == "" {
		model = call.Model
	}
	resp := &llm.Response{
		Content:  parsed.Choices[0].Message.Content,
		Model:    model,
		Provider: "openai",
		Usage: llm.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}
	span.SetAttribute("llm.total_tokens", resp.Usage.TotalTokens)
	return resp, nil
}

// GetEmbeddings fetches vectors for the inputs in one request. The vendor's
// reported index positions each vector within the request batch.
func (c *Client) GetEmbeddings(ctx context.Context, model string, inputs []string) ([]llm.Embedding, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "llm.provider.embeddings")
	defer span.End()
	span.SetAttribute("llm.provider", "openai")
	span.SetAttribute("llm.model", model)
	span.SetAttribute("llm.input_count", len(inputs))

	if c.apiKey == "" {
		err := &core.PlatformError{
			Op:      "openai.GetEmbeddings",
			Kind:    "config",
			Message: "API key not configured",
			Err:     core.ErrMissingConfiguration,
		}
		span.RecordError(err)
		return nil, err
	}

	var parsed embeddingsResponse
	if err := c.post(ctx, "/embeddings", embeddingsRequest{Model: model, Input: inputs}, &parsed); err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]llm.Embedding, 0, len(parsed.Data))
	for i, d := range parsed.Data {
		idx := d.Index
		if idx < 0 || idx >= len(inputs) {
			idx = i
		}
		out = append(out, llm.Embedding{Index: idx, Vector: d.Embedding})
	}
	return out, nil
}

// post runs one HTTP exchange and decodes the body into result. Non-2xx
// statuses become StatusErrors carrying the vendor's message and code.
func (c *Client) post(ctx context.Context, path string, payload, result interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	started := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(started)
	if err != nil {
		c.logger.ErrorWithContext(ctx, "LLM request transport failure", map[string]interface{}{
			"provider": "openai",
			"path":     path,
			"error":    err.Error(),
		})
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		_ = json.Unmarshal(body, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = trim(body, 200)
		}
		c.logger.ErrorWithContext(ctx, "LLM request rejected", map[string]interface{}{
			"provider":    "openai",
			"path":        path,
			"status_code": resp.StatusCode,
			"error_type":  apiErr.Error.Type,
			"error":       msg,
		})
		return &resilience.StatusError{
			StatusCode:   resp.StatusCode,
			Code:         apiErr.Error.Code,
			Message:      msg,
			ResponseTime: elapsed,
			Err:          core.ErrRequestFailed,
		}
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func trim(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
