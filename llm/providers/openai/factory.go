package openai

import (
	"os"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/llm"
)

func init() {
	llm.MustRegister(&Factory{})
}

// Factory builds OpenAI-compatible providers from platform configuration.
type Factory struct{}

func (f *Factory) Name() string {
	return "openai"
}

func (f *Factory) Description() string {
	return "OpenAI-compatible chat and embeddings API (OpenAI, Groq, DeepSeek, local gateways)"
}

// Detect reports availability from the environment. An explicit OpenAI key
// wins; compatible vendors are selected by pointing BaseURL at them.
func (f *Factory) Detect() (int, bool) {
	if os.Getenv("OPENAI_API_KEY") != "" {
		return 100, true
	}
	if os.Getenv("FLYWHEEL_LLM_API_KEY") != "" {
		return 90, true
	}
	return 0, false
}

// Create builds the provider. A missing API key is a configuration error
// surfaced here rather than on first use.
func (f *Factory) Create(cfg core.LLMConfig, logger core.Logger, tel core.Telemetry) (llm.Provider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, &core.PlatformError{
			Op:      "openai.Factory.Create",
			Kind:    "config",
			Message: "OpenAI API key not configured",
			Err:     core.ErrMissingConfiguration,
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}

	return NewClient(apiKey, baseURL, cfg.Timeout, logger, tel), nil
}
