package telemetry

import (
	"fmt"
	"testing"
	"time"
)

func TestCardinalityGuardAdmitsUnderLimit(t *testing.T) {
	g := NewCardinalityGuard(3)

	for _, model := range []string{"gpt-4o", "gpt-4o-mini", "claude-3"} {
		labels := g.Admit("llm.requests", map[string]string{"model": model})
		if labels["model"] != model {
			t.Errorf("Admit(%q) = %q, want the value unchanged", model, labels["model"])
		}
	}
}

func TestCardinalityGuardClampsOverflow(t *testing.T) {
	g := NewCardinalityGuard(2)

	g.Admit("ratelimit.checks", map[string]string{"key": "shop:alpha"})
	g.Admit("ratelimit.checks", map[string]string{"key": "shop:beta"})

	labels := g.Admit("ratelimit.checks", map[string]string{"key": "shop:gamma"})
	if labels["key"] != "other" {
		t.Errorf("Over-limit value = %q, want %q", labels["key"], "other")
	}

	// Values admitted before the budget was spent keep their own name.
	labels = g.Admit("ratelimit.checks", map[string]string{"key": "shop:alpha"})
	if labels["key"] != "shop:alpha" {
		t.Errorf("Previously admitted value = %q, want shop:alpha", labels["key"])
	}
}

func TestCardinalityGuardDoesNotMutateInput(t *testing.T) {
	g := NewCardinalityGuard(1)
	g.Admit("m", map[string]string{"key": "first"})

	in := map[string]string{"key": "second", "status": "ok"}
	out := g.Admit("m", in)

	if in["key"] != "second" {
		t.Error("Admit mutated the caller's label map")
	}
	if out["key"] != "other" {
		t.Errorf("out[key] = %q, want other", out["key"])
	}
	if out["status"] != "ok" {
		t.Errorf("out[status] = %q, want untouched sibling label", out["status"])
	}
}

func TestCardinalityGuardScopesPerMetricAndLabel(t *testing.T) {
	g := NewCardinalityGuard(1)

	g.Admit("llm.requests", map[string]string{"model": "gpt-4o"})

	// Same label on a different metric has its own budget.
	labels := g.Admit("llm.request_duration", map[string]string{"model": "claude-3"})
	if labels["model"] != "claude-3" {
		t.Errorf("Different metric shares a budget: got %q", labels["model"])
	}

	// A different label on the same metric does too.
	labels = g.Admit("llm.requests", map[string]string{"status": "ok"})
	if labels["status"] != "ok" {
		t.Errorf("Different label shares a budget: got %q", labels["status"])
	}
}

func TestCardinalityGuardLabelOverride(t *testing.T) {
	g := NewCardinalityGuard(10, WithLabelLimit("shop", 1))

	g.Admit("commerce.requests", map[string]string{"shop": "alpha.example.com"})
	labels := g.Admit("commerce.requests", map[string]string{"shop": "beta.example.com"})
	if labels["shop"] != "other" {
		t.Errorf("Override limit not applied: got %q", labels["shop"])
	}
}

func TestCardinalityGuardReclaimsIdleValues(t *testing.T) {
	g := NewCardinalityGuard(1, WithGuardMaxIdle(5*time.Millisecond))

	g.Admit("m", map[string]string{"key": "first"})
	if got := g.Cardinality(); got != 1 {
		t.Fatalf("Cardinality = %d, want 1", got)
	}

	time.Sleep(10 * time.Millisecond)

	// The idle slot is reclaimed on the next admission, freeing the budget
	// for a new value.
	labels := g.Admit("m", map[string]string{"key": "second"})
	if labels["key"] != "second" {
		t.Errorf("Idle slot not reclaimed: got %q", labels["key"])
	}
}

func TestCardinalityGuardEmptyLabels(t *testing.T) {
	g := NewCardinalityGuard(1)
	if out := g.Admit("m", nil); out != nil {
		t.Errorf("Admit(nil) = %v, want nil", out)
	}
	if out := g.Admit("m", map[string]string{}); len(out) != 0 {
		t.Errorf("Admit(empty) = %v, want empty", out)
	}
}

func TestCardinalityGuardConcurrentAdmission(t *testing.T) {
	g := NewCardinalityGuard(4)
	done := make(chan struct{})

	for w := 0; w < 8; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				g.Admit("m", map[string]string{"key": fmt.Sprintf("value-%d", i%6)})
			}
		}(w)
	}
	for w := 0; w < 8; w++ {
		<-done
	}

	if got := g.Cardinality(); got > 4 {
		t.Errorf("Cardinality = %d, want at most the limit of 4", got)
	}
}
