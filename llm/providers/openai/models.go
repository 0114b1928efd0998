package openai

// Wire types for the OpenAI-compatible surface. Every response field is
// optional: compatible vendors (Groq, DeepSeek, local gateways) differ in
// what they populate, so parsing stays permissive and the client defaults
// whatever is missing.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []choice `json:"choices,omitempty"`
	Usage   usage    `json:"usage,omitempty"`
}

type choice struct {
	Index        int         `json:"index,omitempty"`
	Message      chatMessage `json:"message,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Model string           `json:"model,omitempty"`
	Data  []embeddingDatum `json:"data,omitempty"`
	Usage usage            `json:"usage,omitempty"`
}

type embeddingDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// errorResponse is the vendor error envelope. Only Message and Code are
// read; Type is kept for log context.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
