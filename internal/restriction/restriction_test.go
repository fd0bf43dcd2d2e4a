package restriction

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestRecorderIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder()
	targets := []Target{{Resource: "a"}, {Resource: "b"}}

	for i := 0; i < 2; i++ {
		if err := r.Apply(ctx, targets); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}
	if !r.Restricted("a") || !r.Restricted("b") {
		t.Error("expected both resources restricted")
	}

	_ = r.Clear(ctx, targets[:1])
	_ = r.Clear(ctx, targets[:1])
	if r.Restricted("a") || !r.Restricted("b") {
		t.Error("expected only b restricted after clearing a")
	}

	applies, clears := r.Calls()
	if applies != 2 || clears != 2 {
		t.Errorf("expected 2/2 calls, got %d/%d", applies, clears)
	}
}

func TestMultiCallsEveryMechanism(t *testing.T) {
	ctx := context.Background()
	failing := NewRecorder()
	failing.SetError(errors.New("firewall unavailable"))
	ok := NewRecorder()

	m := Multi{failing, NewLog(zerolog.Nop()), ok, Noop{}}
	if err := m.Apply(ctx, []Target{{Resource: "a"}}); err == nil {
		t.Error("expected joined error from failing mechanism")
	}
	if !ok.Restricted("a") {
		t.Error("mechanism after a failing one must still be called")
	}

	if err := m.Clear(ctx, []Target{{Resource: "a"}}); err == nil {
		t.Error("expected joined error on clear")
	}
	if ok.Restricted("a") {
		t.Error("expected a cleared")
	}

	failing.SetError(nil)
	if err := m.Apply(ctx, nil); err != nil {
		t.Errorf("empty apply: %v", err)
	}
}
