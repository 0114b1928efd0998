package bedrock

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/llm"
)

func init() {
	llm.MustRegister(&Factory{})
}

// Factory builds Bedrock providers from platform configuration.
type Factory struct{}

func (f *Factory) Name() string {
	return "bedrock"
}

func (f *Factory) Description() string {
	return "AWS Bedrock models (Claude, Titan, Llama) through the Converse API"
}

// Detect reports availability from the ambient AWS environment. Running on
// AWS compute scores higher than a developer machine with credentials.
func (f *Factory) Detect() (int, bool) {
	if os.Getenv("AWS_EXECUTION_ENV") != "" || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return 70, true
	}
	if os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI") != "" {
		return 70, true
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "" {
		return 60, true
	}
	if os.Getenv("AWS_PROFILE") != "" {
		return 60, true
	}
	if home, err := os.UserHomeDir(); err == nil {
		if _, err := os.Stat(home + "/.aws/credentials"); err == nil {
			return 60, true
		}
	}
	return 0, false
}

// Create loads the AWS configuration and builds the provider. Explicit
// environment credentials are pinned as a static provider so the client does
// not re-resolve the chain per request.
func (f *Factory) Create(cfg core.LLMConfig, logger core.Logger, tel core.Telemetry) (llm.Provider, error) {
	ctx := context.Background()

	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	var awsCfg aws.Config
	var err error
	if ak, sk := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"); ak != "" && sk != "" {
		provider := credentials.NewStaticCredentialsProvider(ak, sk, os.Getenv("AWS_SESSION_TOKEN"))
		awsCfg, err = NewAWSConfig(ctx, region, provider)
	} else {
		awsCfg, err = NewAWSConfig(ctx, region)
	}
	if err != nil {
		return nil, &core.PlatformError{
			Op:      "bedrock.Factory.Create",
			Kind:    "config",
			Message: "AWS configuration failed",
			Err:     err,
		}
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger.Info("Bedrock provider initialized", map[string]interface{}{
		"operation": "llm_provider_init",
		"provider":  "bedrock",
		"region":    region,
		"model":     cfg.Model,
	})

	return NewClient(awsCfg, region, logger, tel), nil
}
