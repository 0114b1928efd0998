// Package bedrock implements the llm.Provider contract over AWS Bedrock:
// chat through the Converse API and embeddings through the Titan embed
// model's InvokeModel surface.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/llm"
)

// runtimeAPI is the slice of bedrockruntime.Client the provider calls.
// Tests substitute a recorder.
type runtimeAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client is a single-attempt adapter; retry and admission live in
// llm.Client. AWS SDK errors pass through unchanged so the classifier can
// read their messages.
type Client struct {
	runtime   runtimeAPI
	region    string
	logger    core.Logger
	telemetry core.Telemetry
}

// NewClient builds a provider over an already-loaded AWS configuration.
func NewClient(awsCfg aws.Config, region string, logger core.Logger, tel core.Telemetry) *Client {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}
	return &Client{
		runtime:   bedrockruntime.NewFromConfig(awsCfg),
		region:    region,
		logger:    logger,
		telemetry: tel,
	}
}

// NewAWSConfig loads the AWS SDK configuration for the given region. A
// credentials provider, when supplied, takes precedence over the default
// chain (env vars, shared config, instance roles).
func NewAWSConfig(ctx context.Context, region string, creds ...aws.CredentialsProvider) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if len(creds) > 0 && creds[0] != nil {
		opts = append(opts, config.WithCredentialsProvider(creds[0]))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

func (c *Client) Name() string {
	return "bedrock"
}

// GenerateResponse sends one Converse request.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, opts *llm.Options) (*llm.Response, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "llm.provider.generate")
	defer span.End()
	span.SetAttribute("llm.provider", "bedrock")
	span.SetAttribute("llm.region", c.region)

	var call llm.Options
	if opts != nil {
		call = *opts
	}
	model := resolveChatModel(call.Model)
	span.SetAttribute("llm.model", model)

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: prompt},
				},
			},
		},
	}
	if call.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: call.SystemPrompt},
		}
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if call.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(call.MaxTokens))
		configured = true
	}
	if call.Temperature > 0 {
		inference.Temperature = aws.Float32(call.Temperature)
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		c.logger.ErrorWithContext(ctx, "Bedrock converse failed", map[string]interface{}{
			"provider": "bedrock",
			"model":    model,
			"region":   c.region,
			"error":    err.Error(),
		})
		span.RecordError(err)
		return nil, fmt.Errorf("bedrock converse: %w", err)
	}

	content, err := extractText(output)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp := &llm.Response{
		Content:  content,
		Model:    model,
		Provider: "bedrock",
	}
	if output.Usage != nil {
		resp.Usage = llm.TokenUsage{
			PromptTokens:     int(aws.ToInt32(output.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(output.Usage.TotalTokens)),
		}
	}
	span.SetAttribute("llm.total_tokens", resp.Usage.TotalTokens)
	if output.StopReason != "" {
		span.SetAttribute("llm.stop_reason", string(output.StopReason))
	}
	return resp, nil
}

// GetEmbeddings embeds each input through the Titan embed model, which takes
// one text per invocation.
func (c *Client) GetEmbeddings(ctx context.Context, model string, inputs []string) ([]llm.Embedding, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "llm.provider.embeddings")
	defer span.End()
	embedModel := resolveEmbedModel(model)
	span.SetAttribute("llm.provider", "bedrock")
	span.SetAttribute("llm.model", embedModel)
	span.SetAttribute("llm.input_count", len(inputs))

	out := make([]llm.Embedding, 0, len(inputs))
	for i, input := range inputs {
		body, err := json.Marshal(titanEmbedRequest{InputText: input})
		if err != nil {
			return nil, fmt.Errorf("marshal embed request: %w", err)
		}

		result, err := c.runtime.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(embedModel),
			Body:        body,
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
		})
		if err != nil {
			c.logger.ErrorWithContext(ctx, "Bedrock embedding failed", map[string]interface{}{
				"provider": "bedrock",
				"model":    embedModel,
				"input":    i,
				"error":    err.Error(),
			})
			span.RecordError(err)
			return nil, fmt.Errorf("bedrock invoke %s: %w", embedModel, err)
		}

		var parsed titanEmbedResponse
		if err := json.Unmarshal(result.Body, &parsed); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("parse embed response: %w", err)
		}
		out = append(out, llm.Embedding{Index: i, Vector: parsed.Embedding})
	}
	return out, nil
}

// extractText flattens the Converse output's text blocks.
func extractText(output *bedrockruntime.ConverseOutput) (string, error) {
	if output == nil || output.Output == nil {
		return "", &core.PlatformError{
			Op:      "bedrock.GenerateResponse",
			Kind:    "request",
			Message: "response contained no output",
			Err:     core.ErrRequestFailed,
		}
	}

	msg, ok := output.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", &core.PlatformError{
			Op:      "bedrock.GenerateResponse",
			Kind:    "request",
			Message: fmt.Sprintf("unexpected output type %T", output.Output),
			Err:     core.ErrRequestFailed,
		}
	}

	var content string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			content += text.Value
		}
	}
	if content == "" {
		return "", &core.PlatformError{
			Op:      "bedrock.GenerateResponse",
			Kind:    "request",
			Message: "response contained no text content",
			Err:     core.ErrRequestFailed,
		}
	}
	return content, nil
}
