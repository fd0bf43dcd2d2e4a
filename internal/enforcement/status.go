package enforcement

import (
	"context"
	"time"

	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/state"
)

// Status is the read-only view of one resource offered to the presentation
// layer.
type Status struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Selected     bool            `json:"selected" yaml:"selected"`
	Limit        int             `json:"limit" yaml:"limit"`
	Usage        int             `json:"usage" yaml:"usage"`
	Restricted   bool            `json:"restricted" yaml:"restricted"`
	LimitReached bool            `json:"limit_reached" yaml:"limit_reached"`
	Override     *state.Override `json:"override,omitempty" yaml:"override,omitempty"`
	ReconciledAt *time.Time      `json:"reconciled_at,omitempty" yaml:"reconciled_at,omitempty"`
}

// Describe reads the stored state of res without changing it. Only an
// active override is reported.
func Describe(ctx context.Context, st *state.Store, res resource.Resource, now time.Time) (Status, error) {
	snap, err := st.Read(ctx, res.Hash, now)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		ID:           res.Hash,
		Name:         res.Name,
		Selected:     snap.Selected,
		Limit:        snap.Limit,
		Usage:        snap.Usage,
		Restricted:   snap.Restricted,
		LimitReached: snap.LimitReached,
	}
	if snap.Override != nil && snap.Override.Active(now) {
		status.Override = snap.Override
	}
	at, ok, err := st.ReconciledAt(ctx, res.Hash)
	if err != nil {
		return Status{}, err
	}
	if ok {
		status.ReconciledAt = &at
	}
	return status, nil
}

// DescribeAll describes every resource in reg.
func DescribeAll(ctx context.Context, st *state.Store, reg *resource.Registry, now time.Time) ([]Status, error) {
	out := make([]Status, 0, len(reg.All()))
	for _, res := range reg.All() {
		status, err := Describe(ctx, st, res, now)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

// ParseTrigger maps a name to a known trigger, defaulting to TriggerAPI.
func ParseTrigger(name string) Trigger {
	switch t := Trigger(name); t {
	case TriggerForeground, TriggerLimitChange, TriggerSelectionChange, TriggerOverrideGrant,
		TriggerOverrideExpiry, TriggerTick, TriggerStoreChange, TriggerDayRollover, TriggerStartup:
		return t
	default:
		return TriggerAPI
	}
}
