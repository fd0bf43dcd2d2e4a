package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/kbudget/internal/state"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		facts  Facts
		want   State
		reason string
	}{
		{
			name:   "not selected ignores exhausted budget",
			facts:  Facts{Selected: false, Limit: 10, Usage: 99},
			want:   StateUnrestricted,
			reason: ReasonNotSelected,
		},
		{
			name:   "override beats exhausted budget",
			facts:  Facts{Selected: true, Limit: 60, Usage: 60, OverrideActive: true},
			want:   StateOverridden,
			reason: ReasonOverride,
		},
		{
			name:   "override beats zero limit",
			facts:  Facts{Selected: true, Limit: 0, OverrideActive: true},
			want:   StateOverridden,
			reason: ReasonOverride,
		},
		{
			name:   "zero limit restricts with no usage",
			facts:  Facts{Selected: true, Limit: 0, Usage: 0},
			want:   StateRestricted,
			reason: ReasonNoLimit,
		},
		{
			name:   "at limit restricts",
			facts:  Facts{Selected: true, Limit: 60, Usage: 60},
			want:   StateRestricted,
			reason: ReasonLimitReached,
		},
		{
			name:   "within limit",
			facts:  Facts{Selected: true, Limit: 60, Usage: 45},
			want:   StateUnrestricted,
			reason: ReasonWithinLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.facts)
			if got.State != tt.want || got.Reason != tt.reason {
				t.Errorf("expected %s/%s, got %s/%s", tt.want, tt.reason, got.State, got.Reason)
			}
		})
	}
}

type failingEvaluator struct{}

func (failingEvaluator) Decide(context.Context, Facts) (Decision, error) {
	return Decision{}, errors.New("policy engine down")
}

func TestFallbackUsesRuleOnError(t *testing.T) {
	var seen error
	f := Fallback{Primary: failingEvaluator{}, OnFallback: func(err error) { seen = err }}

	got, err := f.Decide(context.Background(), Facts{Selected: true, Limit: 0})
	if err != nil {
		t.Fatalf("Fallback must not fail: %v", err)
	}
	if got.State != StateRestricted {
		t.Errorf("expected restricted from built-in rule, got %s", got.State)
	}
	if seen == nil {
		t.Error("expected OnFallback to be called")
	}
}

func TestFactsFrom(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	snap := state.Snapshot{
		Selected: true,
		Limit:    60,
		Usage:    30,
		Override: &state.Override{ExpiresAt: now.Add(-time.Second)},
	}

	facts := FactsFrom(snap, now)
	if facts.OverrideActive {
		t.Error("expired override must not be active")
	}

	snap.Override.ExpiresAt = now.Add(time.Minute)
	facts = FactsFrom(snap, now)
	if !facts.OverrideActive || !facts.OverrideExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("expected active override, got %+v", facts)
	}
}
