package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/draftmill/flywheel/core"
)

// Factory builds a Provider from platform configuration. Provider packages
// register their factory from init(), so importing a provider package is
// enough to make it selectable.
type Factory interface {
	// Name is the configuration value that selects this provider.
	Name() string

	// Description is a human-readable summary for diagnostics.
	Description() string

	// Detect reports whether the current environment carries enough
	// configuration (API keys, cloud credentials) to use this provider,
	// and a priority for auto-selection. Higher wins.
	Detect() (priority int, available bool)

	// Create builds the provider. Configuration errors surface here, not
	// at first use.
	Create(cfg core.LLMConfig, logger core.Logger, telemetry core.Telemetry) (Provider, error)
}

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: make(map[string]Factory)}

// Register adds a provider factory. Double registration of a name is an
// error so a misconfigured import graph fails loudly.
func Register(f Factory) error {
	if f == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	name := f.Name()
	if name == "" {
		return fmt.Errorf("factory name cannot be empty")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.factories[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	registry.factories[name] = f
	return nil
}

// MustRegister is Register for init() functions.
func MustRegister(f Factory) {
	if err := Register(f); err != nil {
		panic(fmt.Sprintf("llm: %v", err))
	}
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	f, ok := registry.factories[name]
	return f, ok
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectProvider picks the highest-priority provider whose environment
// checks out. Ties break by name so selection is stable.
func DetectProvider(logger core.Logger) (string, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	type candidate struct {
		name     string
		priority int
	}
	var candidates []candidate
	for name, f := range registry.factories {
		priority, available := f.Detect()
		logger.Debug("LLM provider environment check", map[string]interface{}{
			"operation": "llm_provider_detection",
			"provider":  name,
			"priority":  priority,
			"available": available,
		})
		if available {
			candidates = append(candidates, candidate{name: name, priority: priority})
		}
	}
	if len(candidates) == 0 {
		return "", &core.PlatformError{
			Op:      "llm.DetectProvider",
			Kind:    "config",
			Message: "no LLM provider detected in environment",
			Err:     core.ErrMissingConfiguration,
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].name < candidates[j].name
	})

	selected := candidates[0].name
	logger.Info("LLM provider selected", map[string]interface{}{
		"operation":  "llm_provider_detection",
		"provider":   selected,
		"priority":   candidates[0].priority,
		"candidates": len(candidates),
	})
	return selected, nil
}

// NewProvider resolves cfg.Provider against the registry and builds the
// provider. An empty or "auto" provider name triggers environment
// detection.
func NewProvider(cfg core.LLMConfig, logger core.Logger, telemetry core.Telemetry) (Provider, error) {
	name := cfg.Provider
	if name == "" || name == "auto" {
		detected, err := DetectProvider(logger)
		if err != nil {
			return nil, err
		}
		name = detected
	}

	factory, ok := Lookup(name)
	if !ok {
		return nil, &core.PlatformError{
			Op:      "llm.NewProvider",
			Kind:    "config",
			ID:      name,
			Message: fmt.Sprintf("unknown LLM provider %q (registered: %v)", name, Providers()),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return factory.Create(cfg, logger, telemetry)
}
