// Package policy decides whether a resource is restricted.
package policy

import (
	"context"
	"time"

	"github.com/goodtune/kbudget/internal/state"
)

// State is a resource's enforcement state.
type State string

const (
	StateUnrestricted State = "unrestricted"
	StateRestricted   State = "restricted"
	// StateOverridden is unrestricted because of a time-boxed override.
	StateOverridden State = "overridden"
)

// Restricted reports whether the state blocks access.
func (s State) Restricted() bool {
	return s == StateRestricted
}

// Reasons attached to decisions. The Rego policy uses the same strings.
const (
	ReasonNotSelected  = "not-selected"
	ReasonOverride     = "override-active"
	ReasonNoLimit      = "no-limit"
	ReasonLimitReached = "limit-reached"
	ReasonWithinLimit  = "within-limit"
)

// Facts are the inputs to a decision.
type Facts struct {
	Selected          bool      `json:"selected"`
	Limit             int       `json:"limit"`
	Usage             int       `json:"usage"`
	OverrideActive    bool      `json:"override_active"`
	OverrideExpiresAt time.Time `json:"-"`
}

// Decision is the outcome of evaluating Facts.
type Decision struct {
	State  State  `json:"state"`
	Reason string `json:"reason"`
}

// Evaluator turns facts into a decision.
type Evaluator interface {
	Decide(ctx context.Context, facts Facts) (Decision, error)
}

// FactsFrom derives decision inputs from a store snapshot. The snapshot's
// usage already reads as zero when the counter belongs to an earlier day.
func FactsFrom(snap state.Snapshot, now time.Time) Facts {
	facts := Facts{
		Selected: snap.Selected,
		Limit:    snap.Limit,
		Usage:    snap.Usage,
	}
	if snap.Override != nil && snap.Override.Active(now) {
		facts.OverrideActive = true
		facts.OverrideExpiresAt = snap.Override.ExpiresAt
	}
	return facts
}
