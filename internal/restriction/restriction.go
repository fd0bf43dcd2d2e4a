// Package restriction carries enforcement decisions to the device. The
// engine calls Apply or Clear on every reconciliation, so implementations
// must be idempotent.
package restriction

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Target is one resource handed to a mechanism.
type Target struct {
	Resource string   // hash
	Name     string   // empty when the resource is not in the registry
	Domains  []string // hostnames that belong to the resource
}

// Mechanism enforces or lifts restrictions. Both calls take the full set
// for one pass and may be called with an empty slice.
type Mechanism interface {
	Apply(ctx context.Context, targets []Target) error
	Clear(ctx context.Context, targets []Target) error
}

// Noop ignores every call.
type Noop struct{}

func (Noop) Apply(context.Context, []Target) error { return nil }
func (Noop) Clear(context.Context, []Target) error { return nil }

// Log records restrictions through a logger. It is the default mechanism
// when nothing on the device can be reconfigured.
type Log struct {
	logger zerolog.Logger
}

// NewLog returns a Log mechanism.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "restriction").Logger()}
}

func (l *Log) Apply(_ context.Context, targets []Target) error {
	l.record("restricted", targets)
	return nil
}

func (l *Log) Clear(_ context.Context, targets []Target) error {
	l.record("unrestricted", targets)
	return nil
}

func (l *Log) record(state string, targets []Target) {
	for _, t := range targets {
		l.logger.Debug().
			Str("resource", t.Resource).
			Str("name", t.Name).
			Str("domains", strings.Join(t.Domains, ",")).
			Str("state", state).
			Msg("Restriction state")
	}
}

// Multi fans calls out to several mechanisms. Every mechanism is called
// even when an earlier one fails; the errors are joined.
type Multi []Mechanism

func (m Multi) Apply(ctx context.Context, targets []Target) error {
	var errs []error
	for _, mech := range m {
		if err := mech.Apply(ctx, targets); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Clear(ctx context.Context, targets []Target) error {
	var errs []error
	for _, mech := range m {
		if err := mech.Clear(ctx, targets); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
