package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the flywheel control plane.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// The configuration automatically detects the execution environment
// (Kubernetes vs local) and adjusts defaults accordingly.
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithServiceName("flywheel-worker"),
//	    WithRedisURL("redis://localhost:6379"),
//	    WithPlanTier("advanced"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core configuration
	ServiceName string `json:"service_name" yaml:"service_name" env:"FLYWHEEL_SERVICE_NAME" default:"flywheel"`
	Namespace   string `json:"namespace" yaml:"namespace" env:"FLYWHEEL_NAMESPACE" default:"flywheel"`

	// Redis configuration (distributed state)
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Job queue configuration
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Plan/trial/quota configuration
	Plan PlanConfig `json:"plan" yaml:"plan"`

	// Rate limiter configuration
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Retry engine configuration
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Database batch executor configuration
	Batch BatchConfig `json:"batch" yaml:"batch"`

	// Commerce platform client configuration
	Commerce CommerceConfig `json:"commerce" yaml:"commerce"`

	// LLM client configuration (optional module)
	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Telemetry configuration (optional module)
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Development configuration
	Development DevelopmentConfig `json:"development" yaml:"development"`
}

// RedisConfig contains connection settings for distributed state.
// Individual subsystems select their own DB via the RedisDB* constants.
type RedisConfig struct {
	URL string `json:"url" yaml:"url" env:"FLYWHEEL_REDIS_URL,REDIS_URL"`
}

// QueueConfig contains job queue settings. Deduplication compares content
// hashes of jobs created within DedupWindow; CacheTTL bounds result-cache
// entries created on behalf of enqueued jobs.
type QueueConfig struct {
	DedupEnabled       bool          `json:"dedup_enabled" yaml:"dedup_enabled" env:"FLYWHEEL_QUEUE_DEDUP" default:"true"`
	DedupWindow        time.Duration `json:"dedup_window" yaml:"dedup_window" env:"FLYWHEEL_QUEUE_DEDUP_WINDOW" default:"60m"`
	DefaultMaxAttempts int           `json:"default_max_attempts" yaml:"default_max_attempts" env:"FLYWHEEL_QUEUE_MAX_ATTEMPTS" default:"3"`
	DefaultRetryDelay  time.Duration `json:"default_retry_delay" yaml:"default_retry_delay" env:"FLYWHEEL_QUEUE_RETRY_DELAY" default:"30s"`
	CacheProvider      string        `json:"cache_provider" yaml:"cache_provider" env:"FLYWHEEL_QUEUE_CACHE_PROVIDER" default:"inmemory"`
	CacheTTL           time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"FLYWHEEL_QUEUE_CACHE_TTL" default:"1h"`
}

// PlanConfig contains quota, trial, and lock settings.
// GraceWindow is the span after trial expiration during which a grace
// period may still be created; GraceDays is the grace period length.
type PlanConfig struct {
	LockTTL         time.Duration `json:"lock_ttl" yaml:"lock_ttl" env:"FLYWHEEL_PLAN_LOCK_TTL" default:"30s"`
	TrialDays       int           `json:"trial_days" yaml:"trial_days" env:"FLYWHEEL_PLAN_TRIAL_DAYS" default:"14"`
	GraceDays       int           `json:"grace_days" yaml:"grace_days" env:"FLYWHEEL_PLAN_GRACE_DAYS" default:"3"`
	GraceWindow     time.Duration `json:"grace_window" yaml:"grace_window" env:"FLYWHEEL_PLAN_GRACE_WINDOW" default:"1h"`
	FreeTrialPlanID string        `json:"free_trial_plan_id" yaml:"free_trial_plan_id" env:"FLYWHEEL_PLAN_FREE_TRIAL_ID" default:"free_trial"`
}

// RateLimitConfig contains default rate limiter settings. Per-key overrides
// are provided at registration time; these values seed unseen keys.
type RateLimitConfig struct {
	Algorithm   string        `json:"algorithm" yaml:"algorithm" env:"FLYWHEEL_RATELIMIT_ALGORITHM" default:"token_bucket"`
	MaxRequests int           `json:"max_requests" yaml:"max_requests" env:"FLYWHEEL_RATELIMIT_MAX_REQUESTS" default:"40"`
	Window      time.Duration `json:"window" yaml:"window" env:"FLYWHEEL_RATELIMIT_WINDOW" default:"1m"`
	Concurrency int           `json:"concurrency" yaml:"concurrency" env:"FLYWHEEL_RATELIMIT_CONCURRENCY" default:"0"`
	PlanTier    string        `json:"plan_tier" yaml:"plan_tier" env:"FLYWHEEL_RATELIMIT_PLAN_TIER" default:"standard"`
	Distributed bool          `json:"distributed" yaml:"distributed" env:"FLYWHEEL_RATELIMIT_DISTRIBUTED" default:"false"`
}

// RetryConfig defines retry engine defaults. The delay formula per strategy:
//   - exponential: initial * multiplier^(attempt-1)
//   - linear:      initial * attempt
//   - polynomial:  initial * attempt^exponent
//   - fixed:       initial
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" env:"FLYWHEEL_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialDelay   time.Duration `json:"initial_delay" yaml:"initial_delay" env:"FLYWHEEL_RETRY_INITIAL_DELAY" default:"1s"`
	MaxDelay       time.Duration `json:"max_delay" yaml:"max_delay" env:"FLYWHEEL_RETRY_MAX_DELAY" default:"30s"`
	Strategy       string        `json:"strategy" yaml:"strategy" env:"FLYWHEEL_RETRY_STRATEGY" default:"exponential"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" env:"FLYWHEEL_RETRY_MULTIPLIER" default:"2.0"`
	ErrorSampling  float64       `json:"error_sampling" yaml:"error_sampling" env:"FLYWHEEL_RETRY_ERROR_SAMPLING" default:"1.0"`
	BudgetRetries  int           `json:"budget_retries" yaml:"budget_retries" env:"FLYWHEEL_RETRY_BUDGET_RETRIES" default:"0"`
	BudgetWindow   time.Duration `json:"budget_window" yaml:"budget_window" env:"FLYWHEEL_RETRY_BUDGET_WINDOW" default:"1m"`
}

// BatchConfig contains database batch executor settings.
type BatchConfig struct {
	Strategy           string        `json:"strategy" yaml:"strategy" env:"FLYWHEEL_BATCH_STRATEGY" default:"smart"`
	EnableTransactions bool          `json:"enable_transactions" yaml:"enable_transactions" env:"FLYWHEEL_BATCH_TRANSACTIONS" default:"true"`
	EnableRollback     bool          `json:"enable_rollback" yaml:"enable_rollback" env:"FLYWHEEL_BATCH_ROLLBACK" default:"false"`
	MaxBatchSize       int           `json:"max_batch_size" yaml:"max_batch_size" env:"FLYWHEEL_BATCH_MAX_SIZE" default:"10000"`
	DependencyPoll     time.Duration `json:"dependency_poll" yaml:"dependency_poll" env:"FLYWHEEL_BATCH_DEPENDENCY_POLL" default:"100ms"`
	DependencyTimeout  time.Duration `json:"dependency_timeout" yaml:"dependency_timeout" env:"FLYWHEEL_BATCH_DEPENDENCY_TIMEOUT" default:"30s"`
	GlobalTimeout      time.Duration `json:"global_timeout" yaml:"global_timeout" env:"FLYWHEEL_BATCH_GLOBAL_TIMEOUT" default:"5m"`
}

// CommerceConfig contains commerce platform client settings. PlanTier
// selects the GraphQL cost-limiter parameters; MaxQueryCost is the hard
// per-query ceiling refused without consuming budget.
type CommerceConfig struct {
	PlanTier             string        `json:"plan_tier" yaml:"plan_tier" env:"FLYWHEEL_COMMERCE_PLAN_TIER" default:"standard"`
	RESTLimit            int           `json:"rest_limit" yaml:"rest_limit" env:"FLYWHEEL_COMMERCE_REST_LIMIT" default:"40"`
	RESTWindow           time.Duration `json:"rest_window" yaml:"rest_window" env:"FLYWHEEL_COMMERCE_REST_WINDOW" default:"1m"`
	MaxQueryCost         float64       `json:"max_query_cost" yaml:"max_query_cost" env:"FLYWHEEL_COMMERCE_MAX_QUERY_COST" default:"1000"`
	SubscriptionCacheTTL time.Duration `json:"subscription_cache_ttl" yaml:"subscription_cache_ttl" env:"FLYWHEEL_COMMERCE_SUBSCRIPTION_CACHE_TTL" default:"5m"`
	PreferencesCacheTTL  time.Duration `json:"preferences_cache_ttl" yaml:"preferences_cache_ttl" env:"FLYWHEEL_COMMERCE_PREFERENCES_CACHE_TTL" default:"1h"`
}

// LLMConfig contains LLM client configuration.
// This is an optional module - LLM features are only initialized when
// Enabled=true. Supports OpenAI-compatible APIs and Bedrock.
type LLMConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled" env:"FLYWHEEL_LLM_ENABLED" default:"false"`
	Provider          string        `json:"provider" yaml:"provider" env:"FLYWHEEL_LLM_PROVIDER" default:"openai"`
	APIKey            string        `json:"api_key" yaml:"api_key" env:"FLYWHEEL_LLM_API_KEY,OPENAI_API_KEY"`
	BaseURL           string        `json:"base_url" yaml:"base_url" env:"FLYWHEEL_LLM_BASE_URL"`
	Model             string        `json:"model" yaml:"model" env:"FLYWHEEL_LLM_MODEL" default:"gpt-4o-mini"`
	EmbeddingModel    string        `json:"embedding_model" yaml:"embedding_model" env:"FLYWHEEL_LLM_EMBEDDING_MODEL" default:"text-embedding-3-small"`
	Temperature       float32       `json:"temperature" yaml:"temperature" env:"FLYWHEEL_LLM_TEMPERATURE" default:"0.7"`
	MaxTokens         int           `json:"max_tokens" yaml:"max_tokens" env:"FLYWHEEL_LLM_MAX_TOKENS" default:"2000"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout" env:"FLYWHEEL_LLM_TIMEOUT" default:"30s"`
	EmbeddingCacheTTL time.Duration `json:"embedding_cache_ttl" yaml:"embedding_cache_ttl" env:"FLYWHEEL_LLM_EMBEDDING_CACHE_TTL" default:"30m"`
}

// TelemetryConfig contains observability configuration for metrics and
// distributed tracing. This is an optional module - telemetry is only
// initialized when Enabled=true. The endpoint should be the OTLP receiver
// address.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" env:"FLYWHEEL_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint" env:"FLYWHEEL_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" yaml:"service_name" env:"FLYWHEEL_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metrics_enabled" yaml:"metrics_enabled" env:"FLYWHEEL_TELEMETRY_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled" env:"FLYWHEEL_TELEMETRY_TRACING" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate" env:"FLYWHEEL_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" yaml:"insecure" env:"FLYWHEEL_TELEMETRY_INSECURE" default:"true"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
// In Kubernetes environments, JSON format is recommended for log aggregation.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"FLYWHEEL_LOG_LEVEL" default:"info"`
	Format     string `json:"format" yaml:"format" env:"FLYWHEEL_LOG_FORMAT" default:"json"`
	TimeFormat string `json:"time_format" yaml:"time_format" env:"FLYWHEEL_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
//
// WARNING: Never enable development mode in production!
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled" env:"FLYWHEEL_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging" env:"FLYWHEEL_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs" env:"FLYWHEEL_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for configuring the platform.
// Options are applied in order and can return an error if the configuration
// is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
// The defaults are adjusted based on the detected environment:
//   - Kubernetes: JSON logging, in-cluster Redis URL
//   - Local: text logging, localhost Redis, development mode
//
// These defaults can be overridden using functional options or environment
// variables.
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName: "flywheel",
		Namespace:   "flywheel",
		Queue: QueueConfig{
			DedupEnabled:       true,
			DedupWindow:        60 * time.Minute,
			DefaultMaxAttempts: 3,
			DefaultRetryDelay:  30 * time.Second,
			CacheProvider:      "inmemory",
			CacheTTL:           1 * time.Hour,
		},
		Plan: PlanConfig{
			LockTTL:         30 * time.Second,
			TrialDays:       14,
			GraceDays:       3,
			GraceWindow:     1 * time.Hour,
			FreeTrialPlanID: "free_trial",
		},
		RateLimit: RateLimitConfig{
			Algorithm:   "token_bucket",
			MaxRequests: 40,
			Window:      1 * time.Minute,
			Concurrency: 0,
			PlanTier:    "standard",
			Distributed: false,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  1 * time.Second,
			MaxDelay:      30 * time.Second,
			Strategy:      "exponential",
			Multiplier:    2.0,
			ErrorSampling: 1.0,
			BudgetWindow:  1 * time.Minute,
		},
		Batch: BatchConfig{
			Strategy:           "smart",
			EnableTransactions: true,
			EnableRollback:     false,
			MaxBatchSize:       10000,
			DependencyPoll:     100 * time.Millisecond,
			DependencyTimeout:  30 * time.Second,
			GlobalTimeout:      5 * time.Minute,
		},
		Commerce: CommerceConfig{
			PlanTier:             "standard",
			RESTLimit:            40,
			RESTWindow:           1 * time.Minute,
			MaxQueryCost:         1000,
			SubscriptionCacheTTL: 5 * time.Minute,
			PreferencesCacheTTL:  1 * time.Hour,
		},
		LLM: LLMConfig{
			Enabled:           false,
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			EmbeddingModel:    "text-embedding-3-small",
			Temperature:       0.7,
			MaxTokens:         2000,
			Timeout:           30 * time.Second,
			EmbeddingCacheTTL: 30 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{},
	}

	// Detect environment and adjust defaults
	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment automatically adjusts configuration based on the detected
// environment. Called by DefaultConfig(); safe to call again after changing
// environment variables in tests.
//
// Detection criteria:
//   - Kubernetes: KUBERNETES_SERVICE_HOST environment variable is set
//   - Local: No Kubernetes environment variables detected
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Redis.URL = "redis://redis.default.svc.cluster.local:6379"
		c.Logging.Format = "json"
	} else {
		c.Redis.URL = "redis://localhost:6379"

		if os.Getenv("FLYWHEEL_DEV_MODE") == "" {
			c.Development.Enabled = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by
// functional options.
//
// Variable naming convention:
//   - Platform-specific: FLYWHEEL_<SETTING>
//   - Standard variables: REDIS_URL, OPENAI_API_KEY, OTEL_EXPORTER_OTLP_ENDPOINT
func (c *Config) LoadFromEnv() error {
	// Core settings
	if v := os.Getenv("FLYWHEEL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("FLYWHEEL_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	// Redis settings
	if v := os.Getenv("FLYWHEEL_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}

	// Queue settings
	if v := os.Getenv("FLYWHEEL_QUEUE_DEDUP"); v != "" {
		c.Queue.DedupEnabled = parseBool(v)
	}
	if v := os.Getenv("FLYWHEEL_QUEUE_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.DedupWindow = d
		}
	}
	if v := os.Getenv("FLYWHEEL_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.DefaultMaxAttempts = n
		}
	}
	if v := os.Getenv("FLYWHEEL_QUEUE_CACHE_PROVIDER"); v != "" {
		c.Queue.CacheProvider = v
	}
	if v := os.Getenv("FLYWHEEL_QUEUE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.CacheTTL = d
		}
	}

	// Plan settings
	if v := os.Getenv("FLYWHEEL_PLAN_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Plan.LockTTL = d
		}
	}
	if v := os.Getenv("FLYWHEEL_PLAN_TRIAL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Plan.TrialDays = n
		}
	}
	if v := os.Getenv("FLYWHEEL_PLAN_GRACE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Plan.GraceDays = n
		}
	}
	if v := os.Getenv("FLYWHEEL_PLAN_GRACE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Plan.GraceWindow = d
		}
	}

	// Rate limit settings
	if v := os.Getenv("FLYWHEEL_RATELIMIT_ALGORITHM"); v != "" {
		c.RateLimit.Algorithm = v
	}
	if v := os.Getenv("FLYWHEEL_RATELIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.MaxRequests = n
		}
	}
	if v := os.Getenv("FLYWHEEL_RATELIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateLimit.Window = d
		}
	}
	if v := os.Getenv("FLYWHEEL_RATELIMIT_PLAN_TIER"); v != "" {
		c.RateLimit.PlanTier = v
	}
	if v := os.Getenv("FLYWHEEL_RATELIMIT_DISTRIBUTED"); v != "" {
		c.RateLimit.Distributed = parseBool(v)
	}

	// Retry settings
	if v := os.Getenv("FLYWHEEL_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("FLYWHEEL_RETRY_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retry.InitialDelay = d
		}
	}
	if v := os.Getenv("FLYWHEEL_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retry.MaxDelay = d
		}
	}
	if v := os.Getenv("FLYWHEEL_RETRY_STRATEGY"); v != "" {
		c.Retry.Strategy = v
	}
	if v := os.Getenv("FLYWHEEL_RETRY_ERROR_SAMPLING"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Retry.ErrorSampling = f
		}
	}

	// Batch settings
	if v := os.Getenv("FLYWHEEL_BATCH_STRATEGY"); v != "" {
		c.Batch.Strategy = v
	}
	if v := os.Getenv("FLYWHEEL_BATCH_TRANSACTIONS"); v != "" {
		c.Batch.EnableTransactions = parseBool(v)
	}
	if v := os.Getenv("FLYWHEEL_BATCH_ROLLBACK"); v != "" {
		c.Batch.EnableRollback = parseBool(v)
	}

	// Commerce settings
	if v := os.Getenv("FLYWHEEL_COMMERCE_PLAN_TIER"); v != "" {
		c.Commerce.PlanTier = v
	}
	if v := os.Getenv("FLYWHEEL_COMMERCE_REST_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Commerce.RESTLimit = n
		}
	}

	// LLM settings
	if v := os.Getenv("FLYWHEEL_LLM_ENABLED"); v != "" {
		c.LLM.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLYWHEEL_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
		c.LLM.Enabled = true // Auto-enable if API key is provided
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
		c.LLM.Enabled = true // Auto-enable if OpenAI key is present
	}
	if v := os.Getenv("FLYWHEEL_LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("FLYWHEEL_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("FLYWHEEL_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}

	// Telemetry settings
	if v := os.Getenv("FLYWHEEL_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLYWHEEL_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true // Auto-enable if endpoint is provided
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true // Auto-enable if OTEL endpoint is present
	}
	if v := os.Getenv("FLYWHEEL_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.ServiceName // Default to service name
	}

	// Logging settings
	if v := os.Getenv("FLYWHEEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLYWHEEL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	// Development settings
	if v := os.Getenv("FLYWHEEL_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("FLYWHEEL_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
// File settings override environment variables but are overridden by
// functional options.
func (c *Config) LoadFromFile(path string) error {
	// Clean the path to prevent directory traversal attacks
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath)) // nosec G304 -- path is validated
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
// Called automatically by NewConfig() but can also be called manually after
// modifying configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "service name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	switch c.RateLimit.Algorithm {
	case "token_bucket", "leaky_bucket", "sliding_window", "fixed_window":
	default:
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown rate limit algorithm: %s", c.RateLimit.Algorithm),
			Err:     ErrInvalidConfiguration,
		}
	}

	switch c.Retry.Strategy {
	case "exponential", "linear", "polynomial", "fixed", "custom":
	default:
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown retry strategy: %s", c.Retry.Strategy),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 100 {
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("retry max attempts must be between 1 and 100, got %d", c.Retry.MaxAttempts),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Retry.ErrorSampling < 0 || c.Retry.ErrorSampling > 1 {
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("error sampling must be within [0,1], got %v", c.Retry.ErrorSampling),
			Err:     ErrInvalidConfiguration,
		}
	}

	switch c.Batch.Strategy {
	case "sequential", "parallel", "smart":
	default:
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown batch strategy: %s", c.Batch.Strategy),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.RateLimit.Distributed && c.Redis.URL == "" {
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "redis URL is required for distributed rate limiting",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.LLM.Enabled && c.LLM.APIKey == "" && c.LLM.Provider != "bedrock" {
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "LLM API key is required when the LLM client is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &PlatformError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required when telemetry is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	return nil
}

// Helper functions

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithServiceName sets the service name used in logs and telemetry.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithNamespace sets the logical namespace used for Redis key prefixes and
// multi-tenant separation (e.g., "production", "staging").
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Namespace = namespace
		return nil
	}
}

// WithRedisURL sets the Redis connection URL for distributed state.
// Format: redis://[user:password@]host:port[/db]
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return &PlatformError{
				Op:      "WithRedisURL",
				Kind:    "config",
				Message: "redis URL cannot be empty",
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Redis.URL = url
		return nil
	}
}

// WithLockTTL sets the distributed lock time-to-live. Expired locks are
// replaceable by any caller.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Config) error {
		if ttl <= 0 {
			return &PlatformError{
				Op:      "WithLockTTL",
				Kind:    "config",
				Message: "lock TTL must be positive",
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Plan.LockTTL = ttl
		return nil
	}
}

// WithTrialDays sets the default trial length for newly initialized trials.
func WithTrialDays(days int) Option {
	return func(c *Config) error {
		if days < 1 {
			return &PlatformError{
				Op:      "WithTrialDays",
				Kind:    "config",
				Message: fmt.Sprintf("trial days must be at least 1, got %d", days),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Plan.TrialDays = days
		return nil
	}
}

// WithRateLimitAlgorithm selects the default rate limiter algorithm:
// token_bucket, leaky_bucket, sliding_window, or fixed_window.
func WithRateLimitAlgorithm(algorithm string) Option {
	return func(c *Config) error {
		c.RateLimit.Algorithm = algorithm
		return nil
	}
}

// WithPlanTier selects the commerce plan tier, which parameterizes the
// GraphQL cost limiter (standard, advanced, plus, enterprise).
func WithPlanTier(tier string) Option {
	return func(c *Config) error {
		c.RateLimit.PlanTier = tier
		c.Commerce.PlanTier = tier
		return nil
	}
}

// WithDistributedRateLimit enables cluster-wide rate limit state in Redis.
func WithDistributedRateLimit(enabled bool) Option {
	return func(c *Config) error {
		c.RateLimit.Distributed = enabled
		return nil
	}
}

// WithRetryStrategy selects the backoff strategy for the retry engine.
func WithRetryStrategy(strategy string) Option {
	return func(c *Config) error {
		c.Retry.Strategy = strategy
		return nil
	}
}

// WithRetryBudget configures the shared retry budget: at most maxRetries
// retries per window across all calls sharing the budget.
func WithRetryBudget(maxRetries int, window time.Duration) Option {
	return func(c *Config) error {
		if maxRetries < 0 {
			return &PlatformError{
				Op:      "WithRetryBudget",
				Kind:    "config",
				Message: "budget retries cannot be negative",
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Retry.BudgetRetries = maxRetries
		c.Retry.BudgetWindow = window
		return nil
	}
}

// WithErrorSampling sets the fraction of calls subject to retry. Calls
// outside the sample run a single attempt and surface errors unchanged.
func WithErrorSampling(fraction float64) Option {
	return func(c *Config) error {
		if fraction < 0 || fraction > 1 {
			return &PlatformError{
				Op:      "WithErrorSampling",
				Kind:    "config",
				Message: fmt.Sprintf("error sampling must be within [0,1], got %v", fraction),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Retry.ErrorSampling = fraction
		return nil
	}
}

// WithBatchStrategy selects the batch execution strategy: sequential,
// parallel, or smart.
func WithBatchStrategy(strategy string) Option {
	return func(c *Config) error {
		c.Batch.Strategy = strategy
		return nil
	}
}

// WithBatchTransactions toggles transactional batch execution and rollback
// capture.
func WithBatchTransactions(transactions, rollback bool) Option {
	return func(c *Config) error {
		c.Batch.EnableTransactions = transactions
		c.Batch.EnableRollback = rollback
		return nil
	}
}

// WithLLM enables the LLM client with the given provider and API key.
func WithLLM(provider, apiKey string) Option {
	return func(c *Config) error {
		c.LLM.Enabled = true
		c.LLM.Provider = provider
		c.LLM.APIKey = apiKey
		return nil
	}
}

// WithLLMModel sets the default chat model.
func WithLLMModel(model string) Option {
	return func(c *Config) error {
		c.LLM.Model = model
		return nil
	}
}

// WithTelemetry enables telemetry with the given OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithLogLevel sets the minimum log level: debug, info, warn, or error.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithDevelopmentMode enables development-friendly defaults: human-readable
// logs and debug logging.
//
// WARNING: Never enable in production!
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// NewConfig creates a new configuration with the provided options.
// Configuration is applied in the following order:
//  1. Default values from DefaultConfig()
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
//
// Returns an error if any option fails or if the final configuration is
// invalid.
func NewConfig(opts ...Option) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Load from environment first
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	// Apply functional options (these override env vars)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	// Validate final configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
