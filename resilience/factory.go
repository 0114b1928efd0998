package resilience

import (
	"github.com/draftmill/flywheel/core"
)

// Dependencies holds the shared collaborators resilience components use.
// Zero-value dependencies fall back to no-op implementations so components
// stay usable in tests and minimal deployments.
type Dependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry
}

func (d Dependencies) logger() core.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return &core.NoOpLogger{}
}

func (d Dependencies) telemetry() core.Telemetry {
	if d.Telemetry != nil {
		return d.Telemetry
	}
	return &core.NoOpTelemetry{}
}

// DependencyOption customizes Dependencies.
type DependencyOption func(*Dependencies)

// WithLogger injects the logger shared by created components.
func WithLogger(logger core.Logger) DependencyOption {
	return func(d *Dependencies) {
		d.Logger = logger
	}
}

// WithTelemetry injects the telemetry sink shared by created components.
func WithTelemetry(telemetry core.Telemetry) DependencyOption {
	return func(d *Dependencies) {
		d.Telemetry = telemetry
	}
}

// Factory builds resilience components with shared dependencies and a
// shared classifier, so every component created from one factory agrees on
// how errors are categorized.
type Factory struct {
	deps       Dependencies
	classifier *Classifier
}

// NewFactory creates a factory from the given dependency options.
func NewFactory(opts ...DependencyOption) *Factory {
	var deps Dependencies
	for _, opt := range opts {
		opt(&deps)
	}
	return &Factory{
		deps:       deps,
		classifier: NewClassifier(WithClassifierLogger(deps.logger())),
	}
}

// Classifier returns the factory's shared classifier.
func (f *Factory) Classifier() *Classifier {
	return f.classifier
}

// NewRetryConfig builds a RetryConfig from the platform defaults with the
// factory's logger and classifier wired in.
func (f *Factory) NewRetryConfig(base core.RetryConfig) *RetryConfig {
	rc := RetryConfigFromCore(base)
	rc.Logger = f.deps.logger()
	rc.Classifier = f.classifier
	return rc
}

// NewCircuitBreaker builds a named circuit breaker with the factory's
// dependencies applied.
func (f *Factory) NewCircuitBreaker(name string) *CircuitBreaker {
	cfg := DefaultCircuitBreakerConfig(name)
	cfg.Logger = f.deps.logger()
	cfg.Telemetry = f.deps.telemetry()
	return NewCircuitBreaker(cfg)
}

// NewDeduplicator builds an in-flight call deduplicator with the factory's
// logger applied.
func (f *Factory) NewDeduplicator(opts ...DeduplicatorOption) *Deduplicator {
	all := append([]DeduplicatorOption{WithDedupLogger(f.deps.logger())}, opts...)
	return NewDeduplicator(all...)
}

// Close releases resources owned by the factory, currently the classifier's
// cache sweeper.
func (f *Factory) Close() {
	f.classifier.Close()
}
