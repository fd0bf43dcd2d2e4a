// Package override grants time-boxed exemptions from a resource's limit.
//
// Grants are written field by field in an order chosen so that a reader
// arriving between any two writes sees at most the new time-boxed
// override, never open-ended access.
package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/challenge"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/goodtune/kbudget/internal/events"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/rs/zerolog"
)

var (
	// ErrChallengeNotPassed is returned when the challenge did not succeed.
	ErrChallengeNotPassed = errors.New("override: challenge not passed")
	// ErrInvalidMinutes is returned for a duration outside the allowed range.
	ErrInvalidMinutes = errors.New("override: invalid minutes")
)

// Reconciler re-derives a resource's restriction after a grant. The
// enforcement engine satisfies it in the daemon and the API client does
// from the command line.
type Reconciler interface {
	Reconcile(ctx context.Context, resource string, trigger enforcement.Trigger) (enforcement.Result, error)
}

// Config bounds grant durations.
type Config struct {
	MaxMinutes int // default 60
}

// Granter writes overrides to the shared store.
type Granter struct {
	store      *state.Store
	provider   challenge.Provider
	reconciler Reconciler
	publisher  events.Publisher
	clock      quartz.Clock
	maxMinutes int
	logger     zerolog.Logger
}

type Option func(*Granter)

// WithReconciler asks r to reconcile after every grant.
func WithReconciler(r Reconciler) Option {
	return func(g *Granter) {
		g.reconciler = r
	}
}

// WithPublisher announces grants on pub.
func WithPublisher(pub events.Publisher) Option {
	return func(g *Granter) {
		g.publisher = pub
	}
}

// WithClock sets the clock grants are measured against.
func WithClock(clock quartz.Clock) Option {
	return func(g *Granter) {
		g.clock = clock
	}
}

// NewGranter returns a Granter. provider may be nil when only Grant is used.
func NewGranter(st *state.Store, provider challenge.Provider, cfg Config, logger zerolog.Logger, opts ...Option) *Granter {
	g := &Granter{
		store:      st,
		provider:   provider,
		publisher:  &events.NoopPublisher{},
		clock:      quartz.NewReal(),
		maxMinutes: cfg.MaxMinutes,
		logger:     logger.With().Str("component", "override").Logger(),
	}
	if g.maxMinutes <= 0 {
		g.maxMinutes = 60
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxMinutes returns the longest grant allowed.
func (g *Granter) MaxMinutes() int {
	return g.maxMinutes
}

// RequestOverride presents the challenge and grants the override only on
// success. Anything else returns ErrChallengeNotPassed with nothing written.
func (g *Granter) RequestOverride(ctx context.Context, resource string, minutes int) (state.Override, error) {
	if err := g.validate(minutes); err != nil {
		return state.Override{}, err
	}
	if g.provider == nil {
		metrics.OverridesDenied.WithLabelValues("challenge").Inc()
		return state.Override{}, fmt.Errorf("%w: no challenge provider", ErrChallengeNotPassed)
	}

	outcome, err := g.provider.Present(ctx, resource)
	if err != nil {
		metrics.OverridesDenied.WithLabelValues("challenge").Inc()
		return state.Override{}, fmt.Errorf("%w: %v", ErrChallengeNotPassed, err)
	}
	if outcome != challenge.Success {
		metrics.OverridesDenied.WithLabelValues("challenge").Inc()
		g.logger.Info().Str("resource", resource).Str("outcome", outcome.String()).Msg("Override challenge not passed")
		return state.Override{}, ErrChallengeNotPassed
	}

	return g.Grant(ctx, resource, minutes)
}

// Grant records an override of minutes starting now. A grant supersedes
// any earlier one; the resulting expiry is the later of the two.
func (g *Granter) Grant(ctx context.Context, resource string, minutes int) (state.Override, error) {
	if err := g.validate(minutes); err != nil {
		return state.Override{}, err
	}

	now := g.clock.Now()
	expires := now.Add(time.Duration(minutes) * time.Minute)

	prior, err := g.store.Override(ctx, resource)
	if err != nil {
		return state.Override{}, g.storeFailure(resource, err)
	}
	if prior != nil && prior.ExpiresAt.After(expires) {
		expires = prior.ExpiresAt
	}

	if err := g.store.SetOverrideDetails(ctx, resource, now, minutes); err != nil {
		return state.Override{}, g.storeFailure(resource, err)
	}
	if err := g.store.SetOverrideExpiry(ctx, resource, expires); err != nil {
		return state.Override{}, g.storeFailure(resource, err)
	}
	if err := g.store.SetUsage(ctx, resource, 0, now); err != nil {
		return state.Override{}, g.storeFailure(resource, err)
	}
	if err := g.store.SetLimitReached(ctx, resource, false); err != nil {
		return state.Override{}, g.storeFailure(resource, err)
	}

	o := state.Override{
		Resource:  resource,
		GrantedAt: now,
		ExpiresAt: expires,
		Minutes:   minutes,
	}
	metrics.OverridesGranted.Inc()
	g.logger.Info().
		Str("resource", resource).
		Int("minutes", minutes).
		Time("expires_at", expires).
		Msg("Override granted")

	g.publish(ctx, o)

	if g.reconciler != nil {
		if _, err := g.reconciler.Reconcile(ctx, resource, enforcement.TriggerOverrideGrant); err != nil {
			// The override is stored; the next foreground or tick pass applies it.
			g.logger.Warn().Err(err).Str("resource", resource).Msg("Reconciliation after grant failed")
		}
	}
	return o, nil
}

func (g *Granter) validate(minutes int) error {
	if minutes < 1 || minutes > g.maxMinutes {
		metrics.OverridesDenied.WithLabelValues("invalid-minutes").Inc()
		return fmt.Errorf("%w: %d is not between 1 and %d", ErrInvalidMinutes, minutes, g.maxMinutes)
	}
	return nil
}

func (g *Granter) publish(ctx context.Context, o state.Override) {
	event := events.New(o.Resource, o.GrantedAt)
	event.Trigger = string(enforcement.TriggerOverrideGrant)
	event.ExpiresAt = o.ExpiresAt
	if err := g.publisher.Publish(ctx, events.SubjectOverrideGranted, event); err != nil {
		metrics.EventsPublished.WithLabelValues(events.SubjectOverrideGranted, "error").Inc()
		g.logger.Debug().Err(err).Msg("Failed to publish override event")
		return
	}
	metrics.EventsPublished.WithLabelValues(events.SubjectOverrideGranted, "ok").Inc()
}

func (g *Granter) storeFailure(resource string, err error) error {
	metrics.StoreErrors.WithLabelValues("override").Inc()
	return fmt.Errorf("grant override for %s: %w", resource, err)
}
