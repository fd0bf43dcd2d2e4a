package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/storage/memory"
	"github.com/rs/zerolog"
)

const res = "9f86d081884c7d65"

func newTestMonitor(t *testing.T, at time.Time, tick int) (*Monitor, *state.Store, *memory.Store, *quartz.Mock) {
	t.Helper()
	ctx := context.Background()

	mClock := quartz.NewMock(t)
	mClock.Set(at).MustWait(ctx)

	kv := memory.New()
	st := state.New(kv)
	return NewMonitor(st, mClock, Config{TickMinutes: tick}, zerolog.Nop()), st, kv, mClock
}

func TestMonitorTicksAccumulate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 9, 15, 0, 0, 0, time.Local)
	m, st, _, _ := newTestMonitor(t, now, 0)

	for i := 0; i < 3; i++ {
		if err := m.ThresholdCrossed(ctx, "usage-tick."+res); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	minutes, day, err := st.Usage(ctx, res, now)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if minutes != 3 {
		t.Errorf("expected 3 minutes, got %d", minutes)
	}
	if day != "2026-03-09" {
		t.Errorf("expected counter dated today, got %s", day)
	}
	anchor, ok, _ := st.UpdatedAt(ctx, res)
	if !ok || !anchor.Equal(now.Truncate(time.Second)) {
		t.Errorf("expected anchor at %v, got %v (ok=%v)", now, anchor, ok)
	}
}

func TestMonitorConfiguredTickSize(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 9, 15, 0, 0, 0, time.Local)
	m, st, _, _ := newTestMonitor(t, now, 5)

	_ = m.ThresholdCrossed(ctx, "usage-tick."+res)
	_ = m.ThresholdCrossed(ctx, "usage-tick."+res)

	minutes, _, _ := st.Usage(ctx, res, now)
	if minutes != 10 {
		t.Errorf("expected 10 minutes, got %d", minutes)
	}
}

func TestMonitorTickAcrossMidnight(t *testing.T) {
	ctx := context.Background()
	lateNight := time.Date(2026, 3, 9, 23, 59, 0, 0, time.Local)
	m, st, _, mClock := newTestMonitor(t, lateNight, 1)

	if err := st.SetUsage(ctx, res, 59, lateNight); err != nil {
		t.Fatalf("SetUsage: %v", err)
	}
	if err := m.ThresholdCrossed(ctx, "usage-tick."+res); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if minutes, _, _ := st.Usage(ctx, res, lateNight); minutes != 60 {
		t.Errorf("23:59 tick should count for the old day, got %d", minutes)
	}

	mClock.Advance(2 * time.Minute).MustWait(ctx)
	if err := m.ThresholdCrossed(ctx, "usage-tick."+res); err != nil {
		t.Fatalf("tick: %v", err)
	}
	minutes, day, _ := st.Usage(ctx, res, mClock.Now())
	if minutes != 1 || day != "2026-03-10" {
		t.Errorf("00:01 tick should restart the counter, got %d on %s", minutes, day)
	}
}

func TestMonitorIntervalStartedRollsStaleCounter(t *testing.T) {
	ctx := context.Background()
	yesterday := time.Date(2026, 3, 8, 20, 0, 0, 0, time.Local)
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.Local)
	m, st, kv, _ := newTestMonitor(t, now, 1)

	_ = st.SetUsage(ctx, res, 90, yesterday)
	_ = st.SetLimitReached(ctx, res, true)

	if err := m.IntervalStarted(ctx, res); err != nil {
		t.Fatalf("IntervalStarted: %v", err)
	}

	snapshot := kv.Snapshot()
	if snapshot[state.Key(state.FieldUsage, res)] != "0" {
		t.Errorf("expected counter rolled to 0, got %q", snapshot[state.Key(state.FieldUsage, res)])
	}
	if snapshot[state.Key(state.FieldUsageDay, res)] != "2026-03-09" {
		t.Errorf("expected counter dated today, got %q", snapshot[state.Key(state.FieldUsageDay, res)])
	}
	if reached, _ := st.LimitReached(ctx, res); reached {
		t.Error("stale advisory flag should be cleared")
	}
	if _, ok := snapshot[state.Key(state.FieldIntervalStartedAt, res)]; !ok {
		t.Error("expected intervalStartedAt to be recorded")
	}
}

func TestMonitorIntervalStartedKeepsTodaysCounter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.Local)
	m, st, _, _ := newTestMonitor(t, now, 1)

	_ = st.SetUsage(ctx, res, 12, now.Add(-time.Hour))
	_ = st.SetLimitReached(ctx, res, true)

	if err := m.IntervalStarted(ctx, res); err != nil {
		t.Fatalf("IntervalStarted: %v", err)
	}
	if minutes, _, _ := st.Usage(ctx, res, now); minutes != 12 {
		t.Errorf("today's counter must be kept, got %d", minutes)
	}
	if reached, _ := st.LimitReached(ctx, res); !reached {
		t.Error("today's advisory flag must be kept")
	}
}

func TestMonitorIntervalEnded(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.Local)
	m, st, kv, _ := newTestMonitor(t, now, 1)

	if err := m.IntervalEnded(ctx, res); err != nil {
		t.Fatalf("IntervalEnded: %v", err)
	}
	if _, ok := kv.Snapshot()[state.Key(state.FieldIntervalEndedAt, res)]; !ok {
		t.Error("expected intervalEndedAt to be recorded")
	}
	if _, ok, _ := st.UpdatedAt(ctx, res); !ok {
		t.Error("expected update anchor to be recorded")
	}
}

func TestMonitorLimitReached(t *testing.T) {
	ctx := context.Background()
	m, st, _, _ := newTestMonitor(t, time.Date(2026, 3, 9, 8, 0, 0, 0, time.Local), 1)

	if err := m.ThresholdCrossed(ctx, "limit-reached."+res); err != nil {
		t.Fatalf("ThresholdCrossed: %v", err)
	}
	if reached, _ := st.LimitReached(ctx, res); !reached {
		t.Error("expected advisory flag set")
	}
}

func TestMonitorDropsBadEvents(t *testing.T) {
	ctx := context.Background()
	m, _, kv, _ := newTestMonitor(t, time.Date(2026, 3, 9, 8, 0, 0, 0, time.Local), 1)

	tests := []struct {
		raw  string
		want error
	}{
		{raw: "usage-tick", want: ErrMalformedTag},
		{raw: ".abc", want: ErrMalformedTag},
		{raw: "usage-tick.", want: ErrMalformedTag},
		{raw: "screen-on.abc", want: ErrUnknownCategory},
	}
	for _, tt := range tests {
		if err := m.ThresholdCrossed(ctx, tt.raw); !errors.Is(err, tt.want) {
			t.Errorf("%q: expected %v, got %v", tt.raw, tt.want, err)
		}
	}
	if err := m.IntervalStarted(ctx, ""); !errors.Is(err, ErrEmptyResource) {
		t.Errorf("expected ErrEmptyResource, got %v", err)
	}

	if len(kv.Snapshot()) != 0 {
		t.Errorf("dropped events must not write, got %v", kv.Snapshot())
	}
}

func TestMonitorStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	m, _, kv, _ := newTestMonitor(t, time.Date(2026, 3, 9, 8, 0, 0, 0, time.Local), 1)
	kv.SetFailing(true)

	if err := m.ThresholdCrossed(ctx, "usage-tick."+res); !storage.IsUnavailable(err) {
		t.Errorf("expected unavailable, got %v", err)
	}
	if err := m.IntervalStarted(ctx, res); !storage.IsUnavailable(err) {
		t.Errorf("expected unavailable, got %v", err)
	}
}
