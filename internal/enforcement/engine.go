// Package enforcement derives each resource's restriction state from the
// shared store and carries it to the restriction mechanism.
//
// The engine is the only writer of the restricted and reconciledAt keys.
// Every pass re-reads the full snapshot, so a pass may run any number of
// times from any trigger and always converges on the same answer.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/events"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/restriction"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Result is the outcome of reconciling one resource.
type Result struct {
	Resource   string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Decision   policy.Decision `json:"decision"`
	Restricted bool            `json:"restricted"`
	// Changed is set when this pass flipped the stored flag.
	Changed  bool            `json:"changed"`
	Usage    int             `json:"usage"`
	Limit    int             `json:"limit"`
	Override *state.Override `json:"override,omitempty"`
	At       time.Time       `json:"reconciled_at"`
}

// ExpiryHook is told about every active override a pass observes.
type ExpiryHook func(resource string, expiresAt time.Time)

// Engine reconciles restriction state. It is safe for concurrent use.
type Engine struct {
	store     *state.Store
	registry  *resource.Registry
	mechanism restriction.Mechanism
	evaluator policy.Evaluator
	publisher events.Publisher
	clock     quartz.Clock
	logger    zerolog.Logger

	hookMu sync.RWMutex
	hook   ExpiryHook

	flights singleflight.Group
}

type Option func(*Engine)

// WithEvaluator decides with ev, falling back to the built-in rule when it
// fails.
func WithEvaluator(ev policy.Evaluator) Option {
	return func(e *Engine) {
		e.evaluator = policy.Fallback{
			Primary: ev,
			OnFallback: func(err error) {
				metrics.PolicyFallbacks.Inc()
				e.logger.Warn().Err(err).Msg("Policy evaluation failed, using built-in rule")
			},
		}
	}
}

// WithPublisher sends transition events to pub.
func WithPublisher(pub events.Publisher) Option {
	return func(e *Engine) {
		e.publisher = pub
	}
}

// WithClock sets the clock used for day and expiry calculations.
func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithExpiryHook is equivalent to calling SetExpiryHook before first use.
func WithExpiryHook(hook ExpiryHook) Option {
	return func(e *Engine) {
		e.hook = hook
	}
}

// New returns an engine over st for the resources in reg.
func New(st *state.Store, reg *resource.Registry, mech restriction.Mechanism, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		registry:  reg,
		mechanism: mech,
		evaluator: policy.RuleEvaluator{},
		publisher: &events.NoopPublisher{},
		clock:     quartz.NewReal(),
		logger:    logger.With().Str("component", "enforcement").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mechanism == nil {
		e.mechanism = restriction.Noop{}
	}
	return e
}

// SetExpiryHook replaces the expiry hook. The re-block scheduler registers
// itself here once both exist.
func (e *Engine) SetExpiryHook(hook ExpiryHook) {
	e.hookMu.Lock()
	e.hook = hook
	e.hookMu.Unlock()
}

// Registry returns the resources the engine manages.
func (e *Engine) Registry() *resource.Registry {
	return e.registry
}

// Store returns the typed store the engine reads.
func (e *Engine) Store() *state.Store {
	return e.store
}

// Reconcile derives and applies the state of one resource. The resource is
// addressed by hash. When the store cannot be read or written the pass
// does nothing and the error is returned.
func (e *Engine) Reconcile(ctx context.Context, res string, trigger Trigger) (Result, error) {
	result, err := e.decide(ctx, res, trigger)
	if err != nil {
		return result, err
	}

	target := e.target(res)
	if result.Restricted {
		err = e.mechanism.Apply(ctx, []restriction.Target{target})
	} else {
		err = e.mechanism.Clear(ctx, []restriction.Target{target})
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("resource", res).Msg("Restriction mechanism failed")
	}
	e.notifyExpiry(result)
	return result, nil
}

// ReconcileAll reconciles every registered resource and clears restriction
// flags left behind by resources no longer registered. Mechanism calls are
// batched into one Apply and one Clear. Per-resource store failures are
// joined into the returned error; the remaining resources are still
// reconciled.
func (e *Engine) ReconcileAll(ctx context.Context, trigger Trigger) ([]Result, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.WithLabelValues(string(trigger)).Observe(time.Since(start).Seconds())
	}()

	var (
		results []Result
		apply   []restriction.Target
		lift    []restriction.Target
		errs    []error
	)

	for _, res := range e.registry.Hashes() {
		result, err := e.decide(ctx, res, trigger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
		if result.Restricted {
			apply = append(apply, e.target(res))
		} else {
			lift = append(lift, e.target(res))
		}
	}

	orphans, err := e.clearOrphans(ctx, trigger)
	if err != nil {
		errs = append(errs, err)
	}
	lift = append(lift, orphans...)

	if err := e.mechanism.Apply(ctx, apply); err != nil {
		e.logger.Warn().Err(err).Int("resources", len(apply)).Msg("Restriction mechanism failed to apply")
	}
	if err := e.mechanism.Clear(ctx, lift); err != nil {
		e.logger.Warn().Err(err).Int("resources", len(lift)).Msg("Restriction mechanism failed to clear")
	}
	metrics.RestrictedResources.Set(float64(len(apply)))

	for _, result := range results {
		e.notifyExpiry(result)
	}

	e.logger.Debug().
		Str("trigger", string(trigger)).
		Int("restricted", len(apply)).
		Int("unrestricted", len(lift)).
		Int("errors", len(errs)).
		Msg("Reconciled all resources")

	return results, errors.Join(errs...)
}

// passTimeout bounds a coalesced pass, which runs detached from any one
// caller's context.
const passTimeout = 10 * time.Second

// decide runs one coalesced read-decide-write pass. A caller that joined
// a pass already in flight runs a second one, because the first may have
// read the store before the caller's own writes. The pass is shared, so
// cancelling the caller that started it does not fail the others.
func (e *Engine) decide(ctx context.Context, res string, trigger Trigger) (Result, error) {
	pctx := context.WithoutCancel(ctx)
	fn := func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(pctx, passTimeout)
		defer cancel()
		return e.pass(ctx, res, trigger)
	}
	v, err, shared := e.flights.Do(res, fn)
	if shared {
		v, err, _ = e.flights.Do(res, fn)
	}
	if err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(string(trigger), "skipped").Inc()
		metrics.StoreErrors.WithLabelValues("enforcement").Inc()
		return Result{Resource: res}, err
	}
	result := v.(Result)
	metrics.ReconciliationsTotal.WithLabelValues(string(trigger), string(result.Decision.State)).Inc()
	return result, nil
}

func (e *Engine) pass(ctx context.Context, res string, trigger Trigger) (Result, error) {
	now := e.clock.Now()
	snap, err := e.store.Read(ctx, res, now)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile %s: read: %w", res, err)
	}

	decision, err := e.evaluator.Decide(ctx, policy.FactsFrom(snap, now))
	if err != nil {
		return Result{}, fmt.Errorf("reconcile %s: decide: %w", res, err)
	}
	restricted := decision.State.Restricted()

	if err := e.store.SetRestricted(ctx, res, restricted, now); err != nil {
		return Result{}, fmt.Errorf("reconcile %s: write: %w", res, err)
	}

	result := Result{
		Resource:   res,
		Name:       e.name(res),
		Decision:   decision,
		Restricted: restricted,
		Changed:    restricted != snap.Restricted,
		Usage:      snap.Usage,
		Limit:      snap.Limit,
		At:         now,
	}
	if snap.Override != nil && snap.Override.Active(now) {
		result.Override = snap.Override
	}

	if result.Changed {
		e.transition(ctx, result, trigger)
	}
	return result, nil
}

// clearOrphans resets restricted flags of hashes missing from the registry.
func (e *Engine) clearOrphans(ctx context.Context, trigger Trigger) ([]restriction.Target, error) {
	hashes, ok, err := e.store.RestrictedResources(ctx)
	if !ok {
		return nil, nil
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("enforcement").Inc()
		return nil, fmt.Errorf("list restriction flags: %w", err)
	}

	var (
		targets []restriction.Target
		errs    []error
	)
	now := e.clock.Now()
	for _, h := range hashes {
		if e.registry.Contains(h) {
			continue
		}
		restricted, err := e.store.Restricted(ctx, h)
		if err != nil {
			errs = append(errs, fmt.Errorf("orphan %s: %w", h, err))
			continue
		}
		if !restricted {
			continue
		}
		if err := e.store.SetRestricted(ctx, h, false, now); err != nil {
			errs = append(errs, fmt.Errorf("orphan %s: %w", h, err))
			continue
		}
		e.logger.Info().Str("resource", h).Msg("Cleared restriction of unregistered resource")
		e.transition(ctx, Result{
			Resource: h,
			Decision: policy.Decision{State: policy.StateUnrestricted, Reason: policy.ReasonNotSelected},
			Changed:  true,
			At:       now,
		}, trigger)
		targets = append(targets, restriction.Target{Resource: h})
	}
	return targets, errors.Join(errs...)
}

func (e *Engine) transition(ctx context.Context, result Result, trigger Trigger) {
	to := string(policy.StateUnrestricted)
	if result.Restricted {
		to = string(policy.StateRestricted)
	}
	metrics.TransitionsTotal.WithLabelValues(to).Inc()

	e.logger.Info().
		Str("resource", result.Resource).
		Str("name", result.Name).
		Str("trigger", string(trigger)).
		Str("state", string(result.Decision.State)).
		Str("reason", result.Decision.Reason).
		Msg("Restriction changed")

	event := events.New(result.Resource, result.At)
	event.Name = result.Name
	event.Trigger = string(trigger)
	event.Restricted = result.Restricted
	event.Reason = result.Decision.Reason
	if result.Override != nil {
		event.ExpiresAt = result.Override.ExpiresAt
	}

	subject := events.RestrictionSubject(result.Restricted)
	if err := e.publisher.Publish(ctx, subject, event); err != nil {
		metrics.EventsPublished.WithLabelValues(subject, "error").Inc()
		e.logger.Debug().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}
	metrics.EventsPublished.WithLabelValues(subject, "ok").Inc()
}

func (e *Engine) notifyExpiry(result Result) {
	if result.Override == nil {
		return
	}
	e.hookMu.RLock()
	hook := e.hook
	e.hookMu.RUnlock()
	if hook != nil {
		hook(result.Resource, result.Override.ExpiresAt)
	}
}

func (e *Engine) target(res string) restriction.Target {
	r, ok := e.registry.Get(res)
	if !ok {
		return restriction.Target{Resource: res}
	}
	return restriction.Target{Resource: res, Name: r.Name, Domains: r.Domains}
}

func (e *Engine) name(res string) string {
	if r, ok := e.registry.Get(res); ok {
		return r.Name
	}
	return ""
}
