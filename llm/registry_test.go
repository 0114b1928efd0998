package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftmill/flywheel/core"
)

// fakeFactory is a scripted Factory for registry tests.
type fakeFactory struct {
	name      string
	priority  int
	available bool
	create    func(cfg core.LLMConfig, logger core.Logger, tel core.Telemetry) (Provider, error)
}

func (f *fakeFactory) Name() string        { return f.name }
func (f *fakeFactory) Description() string { return "test factory " + f.name }
func (f *fakeFactory) Detect() (int, bool) { return f.priority, f.available }

func (f *fakeFactory) Create(cfg core.LLMConfig, logger core.Logger, tel core.Telemetry) (Provider, error) {
	if f.create != nil {
		return f.create(cfg, logger, tel)
	}
	return &fakeProvider{}, nil
}

// resetRegistry swaps in an empty factory table for one test and restores
// the previous one afterwards, so tests do not see each other's entries.
func resetRegistry(t *testing.T) {
	t.Helper()
	registry.mu.Lock()
	saved := registry.factories
	registry.factories = make(map[string]Factory)
	registry.mu.Unlock()
	t.Cleanup(func() {
		registry.mu.Lock()
		registry.factories = saved
		registry.mu.Unlock()
	})
}

func TestRegisterValidation(t *testing.T) {
	resetRegistry(t)

	require.NoError(t, Register(&fakeFactory{name: "stub"}))

	tests := []struct {
		name    string
		factory Factory
	}{
		{name: "nil factory", factory: nil},
		{name: "empty name", factory: &fakeFactory{name: ""}},
		{name: "duplicate name", factory: &fakeFactory{name: "stub"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Register(tt.factory))
		})
	}
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	resetRegistry(t)

	MustRegister(&fakeFactory{name: "stub"})
	assert.Panics(t, func() {
		MustRegister(&fakeFactory{name: "stub"})
	})
}

func TestLookupAndProviders(t *testing.T) {
	resetRegistry(t)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, Register(&fakeFactory{name: name}))
	}

	f, ok := Lookup("bravo")
	require.True(t, ok)
	assert.Equal(t, "bravo", f.Name())

	_, ok = Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, Providers())
}

func TestDetectProviderPicksHighestPriority(t *testing.T) {
	resetRegistry(t)

	require.NoError(t, Register(&fakeFactory{name: "cloud", priority: 70, available: true}))
	require.NoError(t, Register(&fakeFactory{name: "vendor", priority: 100, available: true}))
	require.NoError(t, Register(&fakeFactory{name: "local", priority: 200, available: false}))

	selected, err := DetectProvider(nil)
	require.NoError(t, err)
	assert.Equal(t, "vendor", selected, "unavailable providers must not win on priority alone")
}

func TestDetectProviderTieBreaksByName(t *testing.T) {
	resetRegistry(t)

	require.NoError(t, Register(&fakeFactory{name: "zeta", priority: 50, available: true}))
	require.NoError(t, Register(&fakeFactory{name: "alpha", priority: 50, available: true}))

	selected, err := DetectProvider(&core.NoOpLogger{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", selected)
}

func TestDetectProviderNoCandidates(t *testing.T) {
	resetRegistry(t)

	require.NoError(t, Register(&fakeFactory{name: "vendor", priority: 100, available: false}))

	_, err := DetectProvider(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestNewProviderResolvesExplicitName(t *testing.T) {
	resetRegistry(t)

	want := &fakeProvider{}
	var gotCfg core.LLMConfig
	require.NoError(t, Register(&fakeFactory{
		name: "vendor",
		create: func(cfg core.LLMConfig, _ core.Logger, _ core.Telemetry) (Provider, error) {
			gotCfg = cfg
			return want, nil
		},
	}))

	cfg := core.LLMConfig{Provider: "vendor", APIKey: "sk-test", Model: "gpt-4o"}
	p, err := NewProvider(cfg, nil, nil)
	require.NoError(t, err)
	assert.Same(t, want, p)
	assert.Equal(t, cfg, gotCfg, "factory receives the caller's configuration unchanged")
}

func TestNewProviderAutoDetects(t *testing.T) {
	resetRegistry(t)

	want := &fakeProvider{}
	require.NoError(t, Register(&fakeFactory{
		name: "detected", priority: 80, available: true,
		create: func(core.LLMConfig, core.Logger, core.Telemetry) (Provider, error) {
			return want, nil
		},
	}))
	require.NoError(t, Register(&fakeFactory{name: "idle", priority: 90, available: false}))

	for _, name := range []string{"", "auto"} {
		p, err := NewProvider(core.LLMConfig{Provider: name}, &core.NoOpLogger{}, nil)
		require.NoError(t, err)
		assert.Same(t, want, p)
	}
}

func TestNewProviderUnknownName(t *testing.T) {
	resetRegistry(t)

	require.NoError(t, Register(&fakeFactory{name: "vendor"}))

	p, err := NewProvider(core.LLMConfig{Provider: "imaginary"}, nil, nil)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
	assert.ErrorContains(t, err, "vendor", "the error should list what is registered")
}
