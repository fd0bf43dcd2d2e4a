package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/rs/zerolog"
)

// DefaultTickMinutes is the usage recorded for one usage-tick event.
const DefaultTickMinutes = 1

// Event kinds, used as metric labels.
const (
	kindIntervalStarted = "interval-started"
	kindIntervalEnded   = "interval-ended"
	kindThreshold       = "threshold"
)

// Config holds monitor configuration
type Config struct {
	TickMinutes int
}

// Monitor turns host scheduler callbacks into usage counter updates.
//
// A Monitor keeps nothing between calls; every invocation reads what it
// needs from the store and writes its result back. It is safe to construct
// one per process invocation. Failures drop the event and are reported to
// the caller, which is expected to log and carry on.
type Monitor struct {
	state  *state.Store
	clock  quartz.Clock
	tick   int
	logger zerolog.Logger
}

// NewMonitor creates a usage monitor
func NewMonitor(st *state.Store, clock quartz.Clock, config Config, logger zerolog.Logger) *Monitor {
	if config.TickMinutes <= 0 {
		config.TickMinutes = DefaultTickMinutes
	}
	return &Monitor{
		state:  st,
		clock:  clock,
		tick:   config.TickMinutes,
		logger: logger.With().Str("component", "usage-monitor").Logger(),
	}
}

// IntervalStarted lazily creates today's counter for resource. A counter
// left over from an earlier day is rolled to zero and its advisory flag is
// cleared.
func (m *Monitor) IntervalStarted(ctx context.Context, resource string) error {
	if resource == "" {
		m.drop(kindIntervalStarted, "malformed", ErrEmptyResource)
		return ErrEmptyResource
	}
	now := m.clock.Now()

	day, err := m.counterDay(ctx, resource)
	if err != nil {
		return m.storeFailure(kindIntervalStarted, resource, err)
	}
	if day != state.Day(now) {
		if err := m.state.SetUsage(ctx, resource, 0, now); err != nil {
			return m.storeFailure(kindIntervalStarted, resource, err)
		}
		if err := m.state.SetLimitReached(ctx, resource, false); err != nil {
			return m.storeFailure(kindIntervalStarted, resource, err)
		}
		m.logger.Debug().
			Str("resource", resource).
			Str("stale_day", day).
			Msg("Started new daily counter")
	}

	if err := m.state.SetIntervalStarted(ctx, resource, now); err != nil {
		return m.storeFailure(kindIntervalStarted, resource, err)
	}

	metrics.MonitorEventsTotal.WithLabelValues(kindIntervalStarted, "recorded").Inc()
	return nil
}

// IntervalEnded records the end of a measured interval.
func (m *Monitor) IntervalEnded(ctx context.Context, resource string) error {
	if resource == "" {
		m.drop(kindIntervalEnded, "malformed", ErrEmptyResource)
		return ErrEmptyResource
	}
	now := m.clock.Now()

	if err := m.state.SetIntervalEnded(ctx, resource, now); err != nil {
		return m.storeFailure(kindIntervalEnded, resource, err)
	}
	if err := m.state.Touch(ctx, resource, now); err != nil {
		return m.storeFailure(kindIntervalEnded, resource, err)
	}

	metrics.MonitorEventsTotal.WithLabelValues(kindIntervalEnded, "recorded").Inc()
	return nil
}

// ThresholdCrossed handles one threshold event. Malformed tags and unknown
// categories are dropped without touching the store.
func (m *Monitor) ThresholdCrossed(ctx context.Context, rawTag string) error {
	tag, err := ParseTag(rawTag)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, ErrUnknownCategory) {
			outcome = "unknown-category"
		}
		m.drop(kindThreshold, outcome, err)
		return err
	}

	switch tag.Category {
	case CategoryTick:
		err = m.recordTick(ctx, tag.Resource)
	case CategoryLimitReached:
		err = m.state.SetLimitReached(ctx, tag.Resource, true)
	}
	if err != nil {
		return m.storeFailure(string(tag.Category), tag.Resource, err)
	}

	metrics.MonitorEventsTotal.WithLabelValues(string(tag.Category), "recorded").Inc()
	return nil
}

// recordTick increments today's counter. The read and the write are not
// atomic; a concurrent tick for the same resource may be lost, which is
// accepted.
func (m *Monitor) recordTick(ctx context.Context, resource string) error {
	now := m.clock.Now()

	current, _, err := m.state.Usage(ctx, resource, now)
	if err != nil {
		return err
	}
	next := current + m.tick
	if err := m.state.SetUsage(ctx, resource, next, now); err != nil {
		return err
	}

	metrics.UsageMinutesRecorded.Add(float64(m.tick))
	m.logger.Debug().
		Str("resource", resource).
		Int("minutes", next).
		Msg("Recorded usage tick")
	return nil
}

func (m *Monitor) counterDay(ctx context.Context, resource string) (string, error) {
	_, day, err := m.state.Usage(ctx, resource, m.clock.Now())
	return day, err
}

func (m *Monitor) drop(kind, outcome string, err error) {
	metrics.MonitorEventsTotal.WithLabelValues(kind, outcome).Inc()
	m.logger.Warn().Err(err).Str("kind", kind).Msg("Dropped usage event")
}

func (m *Monitor) storeFailure(kind, resource string, err error) error {
	metrics.MonitorEventsTotal.WithLabelValues(kind, "store-error").Inc()
	metrics.StoreErrors.WithLabelValues("monitor").Inc()
	m.logger.Warn().
		Err(err).
		Str("kind", kind).
		Str("resource", resource).
		Msg("Dropped usage event, store unavailable")
	return fmt.Errorf("%s %s: %w", kind, resource, err)
}
