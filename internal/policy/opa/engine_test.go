package opa

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goodtune/kbudget/internal/policy"
	"github.com/rs/zerolog"
)

func newEmbeddedEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

// TestEmbeddedPolicyMatchesBuiltinRule walks the interesting input space and
// checks that the Rego policy agrees with the Go rule everywhere.
func TestEmbeddedPolicyMatchesBuiltinRule(t *testing.T) {
	engine := newEmbeddedEngine(t)
	ctx := context.Background()

	for _, selected := range []bool{false, true} {
		for _, override := range []bool{false, true} {
			for _, limit := range []int{-1, 0, 1, 60} {
				for _, usage := range []int{0, 1, 59, 60, 61} {
					facts := policy.Facts{Selected: selected, Limit: limit, Usage: usage, OverrideActive: override}
					got, err := engine.Decide(ctx, facts)
					if err != nil {
						t.Fatalf("Decide(%+v): %v", facts, err)
					}
					want := policy.Evaluate(facts)
					if got != want {
						t.Errorf("Decide(%+v) = %+v, built-in rule says %+v", facts, got, want)
					}
				}
			}
		}
	}
}

func TestPolicyDirOverride(t *testing.T) {
	dir := t.TempDir()
	// A strict policy that restricts every selected resource
	content := `package kbudget.enforcement

import rego.v1

decision := {"state": "restricted", "reason": "locked-down"} if {
	input.selected
} else := {"state": "unrestricted", "reason": "not-selected"}
`
	if err := os.WriteFile(filepath.Join(dir, "strict.rego"), []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	engine, err := NewEngine(Config{PolicyDir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	got, err := engine.Decide(context.Background(), policy.Facts{Selected: true, Limit: 60, Usage: 0})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got.State != policy.StateRestricted || got.Reason != "locked-down" {
		t.Errorf("unexpected decision %+v", got)
	}
}

func TestUnknownStateIsAnError(t *testing.T) {
	dir := t.TempDir()
	content := `package kbudget.enforcement

import rego.v1

decision := {"state": "maybe", "reason": "undecided"}
`
	if err := os.WriteFile(filepath.Join(dir, "bad.rego"), []byte(content), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	engine, err := NewEngine(Config{PolicyDir: dir}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := engine.Decide(context.Background(), policy.Facts{Selected: true}); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestNewEngineErrors(t *testing.T) {
	if _, err := NewEngine(Config{PolicyDir: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop()); err == nil {
		t.Error("expected error for missing policy directory")
	}
	if _, err := NewEngine(Config{PolicyDir: t.TempDir()}, zerolog.Nop()); err == nil {
		t.Error("expected error for empty policy directory")
	}

	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package kbudget.enforcement\n\ndecision := {"), 0o600)
	if _, err := NewEngine(Config{PolicyDir: dir}, zerolog.Nop()); err == nil {
		t.Error("expected error for unparsable policy")
	}
}

// TestReloadThreadSafety tests that reload is safe with concurrent evaluations
func TestReloadThreadSafety(t *testing.T) {
	engine := newEmbeddedEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				facts := policy.Facts{Selected: true, Limit: 60, Usage: i * 10}
				if _, err := engine.Decide(ctx, facts); err != nil {
					t.Errorf("Decide: %v", err)
					return
				}
			}
		}(i)
	}

	for i := 0; i < 5; i++ {
		if err := engine.Reload(); err != nil {
			t.Errorf("Reload: %v", err)
		}
	}
	wg.Wait()
}

func TestEngineImplementsEvaluator(t *testing.T) {
	var _ policy.Evaluator = newEmbeddedEngine(t)
}
