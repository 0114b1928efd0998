package bedrock

import "strings"

// Bedrock model identifiers the platform is known to use. Any Converse-capable
// model id works; these constants just name the common ones.
const (
	ModelClaude3Sonnet = "anthropic.claude-3-sonnet-20240229-v1:0"
	ModelClaude3Haiku  = "anthropic.claude-3-haiku-20240307-v1:0"

	ModelTitanTextExpress = "amazon.titan-text-express-v1"
	ModelTitanEmbed       = "amazon.titan-embed-text-v1"
)

// titanEmbedRequest is the InvokeModel payload for Titan embedding models,
// which embed one input per invocation.
type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount,omitempty"`
}

// resolveEmbedModel maps the configured embedding model onto a Bedrock model
// id. Platform defaults name OpenAI models; anything that is not a Bedrock
// id (vendor.model notation) falls back to Titan.
func resolveEmbedModel(model string) string {
	if model == "" || !strings.Contains(model, ".") {
		return ModelTitanEmbed
	}
	return model
}

// resolveChatModel applies the same fallback for chat models.
func resolveChatModel(model string) string {
	if model == "" || !strings.Contains(model, ".") {
		return ModelClaude3Sonnet
	}
	return model
}
