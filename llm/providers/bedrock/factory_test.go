package bedrock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftmill/flywheel/core"
	"github.com/draftmill/flywheel/llm"
)

// clearAWSEnv blanks every environment signal Detect and Create read,
// including HOME so the shared credentials file check cannot leak in from
// the machine running the tests.
func clearAWSEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AWS_EXECUTION_ENV", "AWS_LAMBDA_FUNCTION_NAME",
		"AWS_CONTAINER_CREDENTIALS_RELATIVE_URI",
		"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
		"AWS_PROFILE", "AWS_REGION", "AWS_DEFAULT_REGION",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("HOME", t.TempDir())
}

func TestFactoryIsRegistered(t *testing.T) {
	f, ok := llm.Lookup("bedrock")
	require.True(t, ok, "importing the package must register the factory")
	assert.Equal(t, "bedrock", f.Name())
	assert.NotEmpty(t, f.Description())
}

func TestFactoryDetect(t *testing.T) {
	f := &Factory{}

	t.Run("no environment", func(t *testing.T) {
		clearAWSEnv(t)
		priority, ok := f.Detect()
		assert.Equal(t, 0, priority)
		assert.False(t, ok)
	})

	t.Run("lambda runtime", func(t *testing.T) {
		clearAWSEnv(t)
		t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "content-worker")
		priority, ok := f.Detect()
		assert.Equal(t, 70, priority)
		assert.True(t, ok)
	})

	t.Run("container credentials", func(t *testing.T) {
		clearAWSEnv(t)
		t.Setenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI", "/v2/credentials/uuid")
		priority, ok := f.Detect()
		assert.Equal(t, 70, priority)
		assert.True(t, ok)
	})

	t.Run("static keys", func(t *testing.T) {
		clearAWSEnv(t)
		t.Setenv("AWS_ACCESS_KEY_ID", "AKIATEST")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
		priority, ok := f.Detect()
		assert.Equal(t, 60, priority)
		assert.True(t, ok)
	})

	t.Run("access key without secret", func(t *testing.T) {
		clearAWSEnv(t)
		t.Setenv("AWS_ACCESS_KEY_ID", "AKIATEST")
		_, ok := f.Detect()
		assert.False(t, ok)
	})

	t.Run("named profile", func(t *testing.T) {
		clearAWSEnv(t)
		t.Setenv("AWS_PROFILE", "content-platform")
		priority, ok := f.Detect()
		assert.Equal(t, 60, priority)
		assert.True(t, ok)
	})
}

func TestFactoryCreatePinsStaticCredentials(t *testing.T) {
	clearAWSEnv(t)
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIATEST")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_REGION", "eu-west-1")

	f := &Factory{}
	p, err := f.Create(core.LLMConfig{Model: ModelClaude3Haiku}, nil, nil)
	require.NoError(t, err)

	client, ok := p.(*Client)
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", client.region)
	assert.Equal(t, "bedrock", client.Name())
}

func TestFactoryCreateDefaultsRegion(t *testing.T) {
	clearAWSEnv(t)

	f := &Factory{}
	p, err := f.Create(core.LLMConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", p.(*Client).region)
}
