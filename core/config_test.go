package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "flywheel", cfg.ServiceName)
	assert.Equal(t, "flywheel", cfg.Namespace)

	// Queue defaults
	assert.True(t, cfg.Queue.DedupEnabled)
	assert.Equal(t, 60*time.Minute, cfg.Queue.DedupWindow)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, "inmemory", cfg.Queue.CacheProvider)

	// Plan defaults
	assert.Equal(t, 30*time.Second, cfg.Plan.LockTTL)
	assert.Equal(t, 14, cfg.Plan.TrialDays)
	assert.Equal(t, 3, cfg.Plan.GraceDays)
	assert.Equal(t, 1*time.Hour, cfg.Plan.GraceWindow)

	// Rate limit defaults
	assert.Equal(t, "token_bucket", cfg.RateLimit.Algorithm)
	assert.Equal(t, 40, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 1*time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, "standard", cfg.RateLimit.PlanTier)
	assert.False(t, cfg.RateLimit.Distributed)

	// Retry defaults
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Retry.Strategy)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 1.0, cfg.Retry.ErrorSampling)

	// Batch defaults
	assert.Equal(t, "smart", cfg.Batch.Strategy)
	assert.True(t, cfg.Batch.EnableTransactions)
	assert.Equal(t, 10000, cfg.Batch.MaxBatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Batch.DependencyPoll)
	assert.Equal(t, 30*time.Second, cfg.Batch.DependencyTimeout)

	// Commerce defaults
	assert.Equal(t, 40, cfg.Commerce.RESTLimit)
	assert.Equal(t, float64(1000), cfg.Commerce.MaxQueryCost)
	assert.Equal(t, 5*time.Minute, cfg.Commerce.SubscriptionCacheTTL)
	assert.Equal(t, 1*time.Hour, cfg.Commerce.PreferencesCacheTTL)

	// LLM defaults (disabled without key)
	assert.False(t, cfg.LLM.Enabled)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 30*time.Minute, cfg.LLM.EmbeddingCacheTTL)

	// Telemetry defaults (disabled by default)
	assert.False(t, cfg.Telemetry.Enabled)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
}

// TestDetectEnvironment verifies environment detection logic
func TestDetectEnvironment(t *testing.T) {
	t.Run("Kubernetes environment", func(t *testing.T) {
		_ = os.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
		defer func() { _ = os.Unsetenv("KUBERNETES_SERVICE_HOST") }()

		cfg := DefaultConfig()

		assert.Equal(t, "redis://redis.default.svc.cluster.local:6379", cfg.Redis.URL)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("Local environment", func(t *testing.T) {
		_ = os.Unsetenv("KUBERNETES_SERVICE_HOST")
		_ = os.Unsetenv("FLYWHEEL_DEV_MODE")

		cfg := DefaultConfig()

		assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
		assert.True(t, cfg.Development.Enabled)
		assert.True(t, cfg.Development.PrettyLogs)
		assert.Equal(t, "text", cfg.Logging.Format)
	})
}

// TestLoadFromEnv verifies environment variable loading
func TestLoadFromEnv(t *testing.T) {
	testEnv := map[string]string{
		"FLYWHEEL_SERVICE_NAME":        "test-service",
		"FLYWHEEL_NAMESPACE":           "testing",
		"FLYWHEEL_REDIS_URL":           "redis://test-redis:6379",
		"FLYWHEEL_QUEUE_DEDUP":         "false",
		"FLYWHEEL_QUEUE_DEDUP_WINDOW":  "30m",
		"FLYWHEEL_PLAN_TRIAL_DAYS":     "7",
		"FLYWHEEL_RATELIMIT_ALGORITHM": "leaky_bucket",
		"FLYWHEEL_RATELIMIT_PLAN_TIER": "advanced",
		"FLYWHEEL_RETRY_MAX_ATTEMPTS":  "5",
		"FLYWHEEL_RETRY_STRATEGY":      "linear",
		"FLYWHEEL_BATCH_STRATEGY":      "parallel",
		"OPENAI_API_KEY":               "sk-test-key",
		"FLYWHEEL_LLM_MODEL":           "gpt-4-turbo",
		"FLYWHEEL_LOG_LEVEL":           "debug",
	}

	for k, v := range testEnv {
		_ = os.Setenv(k, v)
		defer func(key string) { _ = os.Unsetenv(key) }(k)
	}

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "test-service", cfg.ServiceName)
	assert.Equal(t, "testing", cfg.Namespace)
	assert.Equal(t, "redis://test-redis:6379", cfg.Redis.URL)

	// Queue configuration
	assert.False(t, cfg.Queue.DedupEnabled)
	assert.Equal(t, 30*time.Minute, cfg.Queue.DedupWindow)

	// Plan configuration
	assert.Equal(t, 7, cfg.Plan.TrialDays)

	// Rate limit configuration
	assert.Equal(t, "leaky_bucket", cfg.RateLimit.Algorithm)
	assert.Equal(t, "advanced", cfg.RateLimit.PlanTier)

	// Retry configuration
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "linear", cfg.Retry.Strategy)

	// Batch configuration
	assert.Equal(t, "parallel", cfg.Batch.Strategy)

	// LLM configuration (auto-enabled by API key)
	assert.True(t, cfg.LLM.Enabled)
	assert.Equal(t, "sk-test-key", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-4-turbo", cfg.LLM.Model)

	// Logging configuration
	assert.Equal(t, "debug", cfg.Logging.Level)
}

// TestLoadFromEnvStandardVariables verifies the fallback to standard
// variable names when the FLYWHEEL_ prefixed one is absent
func TestLoadFromEnvStandardVariables(t *testing.T) {
	_ = os.Unsetenv("FLYWHEEL_REDIS_URL")
	_ = os.Unsetenv("FLYWHEEL_TELEMETRY_ENDPOINT")
	_ = os.Setenv("REDIS_URL", "redis://standard:6379")
	_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")
	defer func() {
		_ = os.Unsetenv("REDIS_URL")
		_ = os.Unsetenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}()

	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "redis://standard:6379", cfg.Redis.URL)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "otel-collector:4317", cfg.Telemetry.Endpoint)
}

// TestLoadFromFile verifies JSON and YAML file loading
func TestLoadFromFile(t *testing.T) {
	t.Run("JSON file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.json")

		configData := map[string]interface{}{
			"service_name": "file-service",
			"namespace":    "file-namespace",
			"rate_limit": map[string]interface{}{
				"algorithm": "sliding_window",
				"plan_tier": "plus",
			},
			"retry": map[string]interface{}{
				"max_attempts": 10,
				"strategy":     "polynomial",
			},
			"logging": map[string]interface{}{
				"level":  "warn",
				"format": "text",
			},
		}

		jsonData, err := json.MarshalIndent(configData, "", "  ")
		require.NoError(t, err)

		err = os.WriteFile(configFile, jsonData, 0644)
		require.NoError(t, err)

		cfg := DefaultConfig()
		err = cfg.LoadFromFile(configFile)
		require.NoError(t, err)

		assert.Equal(t, "file-service", cfg.ServiceName)
		assert.Equal(t, "file-namespace", cfg.Namespace)
		assert.Equal(t, "sliding_window", cfg.RateLimit.Algorithm)
		assert.Equal(t, "plus", cfg.RateLimit.PlanTier)
		assert.Equal(t, 10, cfg.Retry.MaxAttempts)
		assert.Equal(t, "polynomial", cfg.Retry.Strategy)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("YAML file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configFile := filepath.Join(tmpDir, "config.yaml")

		yamlData := `
service_name: yaml-service
plan:
  trial_days: 21
  grace_days: 5
batch:
  strategy: sequential
  enable_rollback: true
commerce:
  plan_tier: enterprise
  rest_limit: 80
`
		err := os.WriteFile(configFile, []byte(yamlData), 0644)
		require.NoError(t, err)

		cfg := DefaultConfig()
		err = cfg.LoadFromFile(configFile)
		require.NoError(t, err)

		assert.Equal(t, "yaml-service", cfg.ServiceName)
		assert.Equal(t, 21, cfg.Plan.TrialDays)
		assert.Equal(t, 5, cfg.Plan.GraceDays)
		assert.Equal(t, "sequential", cfg.Batch.Strategy)
		assert.True(t, cfg.Batch.EnableRollback)
		assert.Equal(t, "enterprise", cfg.Commerce.PlanTier)
		assert.Equal(t, 80, cfg.Commerce.RESTLimit)
	})

	t.Run("Unsupported extension", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.LoadFromFile("config.toml")
		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("Missing file", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})
}

// TestValidate verifies configuration validation
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Config)
		wantErr string
	}{
		{
			name:    "valid configuration",
			setup:   func(cfg *Config) {},
			wantErr: "",
		},
		{
			name: "missing service name",
			setup: func(cfg *Config) {
				cfg.ServiceName = ""
			},
			wantErr: "service name is required",
		},
		{
			name: "unknown rate limit algorithm",
			setup: func(cfg *Config) {
				cfg.RateLimit.Algorithm = "hourglass"
			},
			wantErr: "unknown rate limit algorithm: hourglass",
		},
		{
			name: "unknown retry strategy",
			setup: func(cfg *Config) {
				cfg.Retry.Strategy = "random"
			},
			wantErr: "unknown retry strategy: random",
		},
		{
			name: "retry attempts too low",
			setup: func(cfg *Config) {
				cfg.Retry.MaxAttempts = 0
			},
			wantErr: "retry max attempts must be between 1 and 100",
		},
		{
			name: "retry attempts too high",
			setup: func(cfg *Config) {
				cfg.Retry.MaxAttempts = 500
			},
			wantErr: "retry max attempts must be between 1 and 100",
		},
		{
			name: "error sampling out of range",
			setup: func(cfg *Config) {
				cfg.Retry.ErrorSampling = 1.5
			},
			wantErr: "error sampling must be within [0,1]",
		},
		{
			name: "unknown batch strategy",
			setup: func(cfg *Config) {
				cfg.Batch.Strategy = "chaotic"
			},
			wantErr: "unknown batch strategy: chaotic",
		},
		{
			name: "distributed rate limit without redis",
			setup: func(cfg *Config) {
				cfg.RateLimit.Distributed = true
				cfg.Redis.URL = ""
			},
			wantErr: "redis URL is required for distributed rate limiting",
		},
		{
			name: "LLM enabled without API key",
			setup: func(cfg *Config) {
				cfg.LLM.Enabled = true
				cfg.LLM.APIKey = ""
			},
			wantErr: "LLM API key is required when the LLM client is enabled",
		},
		{
			name: "bedrock provider without API key",
			setup: func(cfg *Config) {
				cfg.LLM.Enabled = true
				cfg.LLM.Provider = "bedrock"
				cfg.LLM.APIKey = ""
			},
			wantErr: "",
		},
		{
			name: "telemetry enabled without endpoint",
			setup: func(cfg *Config) {
				cfg.Telemetry.Enabled = true
				cfg.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry endpoint is required when telemetry is enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setup(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

// TestFunctionalOptions verifies the option-application layer
func TestFunctionalOptions(t *testing.T) {
	t.Run("WithServiceName", func(t *testing.T) {
		cfg, err := NewConfig(WithServiceName("custom-service"))
		require.NoError(t, err)
		assert.Equal(t, "custom-service", cfg.ServiceName)
	})

	t.Run("WithRedisURL", func(t *testing.T) {
		cfg, err := NewConfig(WithRedisURL("redis://custom:6380"))
		require.NoError(t, err)
		assert.Equal(t, "redis://custom:6380", cfg.Redis.URL)
	})

	t.Run("WithRedisURL rejects empty", func(t *testing.T) {
		_, err := NewConfig(WithRedisURL(""))
		assert.Error(t, err)
	})

	t.Run("WithPlanTier sets both consumers", func(t *testing.T) {
		cfg, err := NewConfig(WithPlanTier("enterprise"))
		require.NoError(t, err)
		assert.Equal(t, "enterprise", cfg.RateLimit.PlanTier)
		assert.Equal(t, "enterprise", cfg.Commerce.PlanTier)
	})

	t.Run("WithLockTTL rejects non-positive", func(t *testing.T) {
		_, err := NewConfig(WithLockTTL(0))
		assert.Error(t, err)
	})

	t.Run("WithTrialDays", func(t *testing.T) {
		cfg, err := NewConfig(WithTrialDays(30))
		require.NoError(t, err)
		assert.Equal(t, 30, cfg.Plan.TrialDays)
	})

	t.Run("WithRetryBudget", func(t *testing.T) {
		cfg, err := NewConfig(WithRetryBudget(10, 2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Retry.BudgetRetries)
		assert.Equal(t, 2*time.Minute, cfg.Retry.BudgetWindow)
	})

	t.Run("WithErrorSampling rejects out of range", func(t *testing.T) {
		_, err := NewConfig(WithErrorSampling(-0.1))
		assert.Error(t, err)
	})

	t.Run("WithLLM", func(t *testing.T) {
		cfg, err := NewConfig(WithLLM("openai", "sk-option-key"))
		require.NoError(t, err)
		assert.True(t, cfg.LLM.Enabled)
		assert.Equal(t, "sk-option-key", cfg.LLM.APIKey)
	})

	t.Run("Options override environment", func(t *testing.T) {
		_ = os.Setenv("FLYWHEEL_SERVICE_NAME", "env-service")
		defer func() { _ = os.Unsetenv("FLYWHEEL_SERVICE_NAME") }()

		cfg, err := NewConfig(WithServiceName("option-service"))
		require.NoError(t, err)
		assert.Equal(t, "option-service", cfg.ServiceName)
	})

	t.Run("Invalid final config rejected", func(t *testing.T) {
		_, err := NewConfig(WithRetryStrategy("unknown"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
