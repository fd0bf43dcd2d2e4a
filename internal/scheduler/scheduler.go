// Package scheduler re-checks restrictions when overrides lapse, on every
// foreground and on a periodic tick.
//
// Expiry timers are best effort and may never fire (the process can be
// suspended or killed). The foreground check and the tick exist so that a
// missed timer only delays a re-block, never cancels it.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/rs/zerolog"
)

// Reconciler is the part of the enforcement engine the scheduler drives.
type Reconciler interface {
	Reconcile(ctx context.Context, resource string, trigger enforcement.Trigger) (enforcement.Result, error)
	ReconcileAll(ctx context.Context, trigger enforcement.Trigger) ([]enforcement.Result, error)
}

// Config configures the periodic tick.
type Config struct {
	Interval time.Duration // default 1m
}

// Scheduler owns the daemon's re-block timers.
type Scheduler struct {
	reconciler Reconciler
	store      *state.Store
	registry   *resource.Registry
	clock      quartz.Clock
	interval   time.Duration
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	scheduled map[string]time.Time // latest expiry with a pending timer
	lastTick  time.Time
}

type Option func(*Scheduler)

// WithClock sets the clock timers and ticks run on.
func WithClock(clock quartz.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// New returns a Scheduler. Call Close to stop pending timers.
func New(rec Reconciler, st *state.Store, reg *resource.Registry, cfg Config, logger zerolog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		reconciler: rec,
		store:      st,
		registry:   reg,
		clock:      quartz.NewReal(),
		interval:   cfg.Interval,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		scheduled:  make(map[string]time.Time),
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arranges a reconciliation of resource at expiresAt. Scheduling
// the same expiry again is a no-op. A different expiry gets a new timer;
// the old one is left to fire harmlessly.
func (s *Scheduler) Schedule(res string, expiresAt time.Time) {
	now := s.clock.Now()
	if !expiresAt.After(now) {
		return
	}

	s.mu.Lock()
	if prev, ok := s.scheduled[res]; ok && prev.Equal(expiresAt) {
		s.mu.Unlock()
		return
	}
	s.scheduled[res] = expiresAt
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.logger.Debug().Str("resource", res).Time("expires_at", expiresAt).Msg("Scheduled re-block")
	s.clock.AfterFunc(expiresAt.Sub(now), func() {
		s.fire(res, expiresAt)
	}, "scheduler", "expiry")
}

// Pending reports the expiry scheduled for resource, if any.
func (s *Scheduler) Pending(res string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.scheduled[res]
	return at, ok
}

func (s *Scheduler) fire(res string, expiresAt time.Time) {
	s.mu.Lock()
	if at, ok := s.scheduled[res]; ok && at.Equal(expiresAt) {
		delete(s.scheduled, res)
	}
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if _, err := s.reconciler.Reconcile(s.ctx, res, enforcement.TriggerOverrideExpiry); err != nil {
		s.logger.Warn().Err(err).Str("resource", res).Msg("Re-block reconciliation failed")
	}
}

// Foreground reconciles every resource. It runs whether or not any timer
// fired and is the mandatory re-check on foreground and resume.
func (s *Scheduler) Foreground(ctx context.Context) ([]enforcement.Result, error) {
	results, err := s.reconciler.ReconcileAll(ctx, enforcement.TriggerForeground)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Foreground reconciliation incomplete")
	}
	return results, err
}

// Restore schedules timers for overrides still active in the store. The
// daemon calls it once at startup.
func (s *Scheduler) Restore(ctx context.Context) error {
	now := s.clock.Now()
	restored := 0
	for _, res := range s.registry.Hashes() {
		o, err := s.store.Override(ctx, res)
		if err != nil {
			return err
		}
		if o == nil || !o.Active(now) {
			continue
		}
		s.Schedule(res, o.ExpiresAt)
		restored++
	}
	s.logger.Debug().Int("timers", restored).Msg("Restored re-block timers")
	return nil
}

// Run reconciles everything every interval until ctx is cancelled. A gap
// of more than two intervals between ticks means the host was suspended;
// that tick is handled as a foreground.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.lastTick = s.clock.Now()
	s.mu.Unlock()

	tkr := s.clock.TickerFunc(ctx, s.interval, func() error {
		s.tick(ctx)
		return nil
	}, "scheduler", "tick")
	err := tkr.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	s.mu.Lock()
	// Round(0) drops the monotonic reading so time spent suspended counts.
	gap := now.Round(0).Sub(s.lastTick.Round(0))
	s.lastTick = now
	s.mu.Unlock()

	if gap > 2*s.interval {
		s.logger.Info().Dur("gap", gap).Msg("Resume detected")
		_, _ = s.Foreground(ctx)
		return
	}
	if _, err := s.reconciler.ReconcileAll(ctx, enforcement.TriggerTick); err != nil {
		s.logger.Warn().Err(err).Msg("Periodic reconciliation incomplete")
	}
}

// Close stops pending timers from reconciling.
func (s *Scheduler) Close() {
	s.cancel()
}
