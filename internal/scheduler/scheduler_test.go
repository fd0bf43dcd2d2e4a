package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/goodtune/kbudget/internal/resource"
	"github.com/goodtune/kbudget/internal/state"
	"github.com/goodtune/kbudget/internal/storage/memory"
	"github.com/rs/zerolog"
)

var (
	video = resource.Hash("video")
	games = resource.Hash("games")
	start = time.Date(2026, 3, 9, 15, 0, 0, 0, time.Local)
)

type call struct {
	resource string // empty for ReconcileAll
	trigger  enforcement.Trigger
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeReconciler) Reconcile(_ context.Context, res string, trigger enforcement.Trigger) (enforcement.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{resource: res, trigger: trigger})
	return enforcement.Result{Resource: res}, nil
}

func (f *fakeReconciler) ReconcileAll(_ context.Context, trigger enforcement.Trigger) ([]enforcement.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{trigger: trigger})
	return nil, nil
}

func (f *fakeReconciler) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeReconciler, *state.Store, *quartz.Mock) {
	t.Helper()
	ctx := context.Background()
	mClock := quartz.NewMock(t)
	mClock.Set(start).MustWait(ctx)

	st := state.New(memory.New())
	reg := resource.NewRegistry([]config.ResourceConfig{{Name: "video"}, {Name: "games"}})
	rec := &fakeReconciler{}
	s := New(rec, st, reg, Config{Interval: time.Minute}, zerolog.Nop(), WithClock(mClock))
	t.Cleanup(s.Close)
	return s, rec, st, mClock
}

func TestScheduleFiresAtExpiry(t *testing.T) {
	ctx := context.Background()
	s, rec, _, mClock := newTestScheduler(t)

	s.Schedule(video, start.Add(15*time.Minute))
	s.Schedule(video, start.Add(15*time.Minute)) // duplicate

	mClock.Advance(15 * time.Minute).MustWait(ctx)

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].resource != video || calls[0].trigger != enforcement.TriggerOverrideExpiry {
		t.Fatalf("expected one override-expiry reconcile, got %+v", calls)
	}
	if _, ok := s.Pending(video); ok {
		t.Error("fired timer still pending")
	}
}

func TestNewerExpirySupersedes(t *testing.T) {
	ctx := context.Background()
	s, rec, _, mClock := newTestScheduler(t)

	s.Schedule(video, start.Add(5*time.Minute))
	s.Schedule(video, start.Add(10*time.Minute))

	// The superseded timer still fires; that reconcile is harmless.
	mClock.Advance(5 * time.Minute).MustWait(ctx)
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("expected 1 reconcile, got %d", got)
	}
	if at, ok := s.Pending(video); !ok || !at.Equal(start.Add(10*time.Minute)) {
		t.Errorf("expected newer expiry still pending, got %v %v", at, ok)
	}

	mClock.Advance(5 * time.Minute).MustWait(ctx)
	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("expected 2 reconciles, got %d", got)
	}
}

func TestScheduleIgnoresPastExpiry(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	s.Schedule(video, start.Add(-time.Minute))
	s.Schedule(video, start)
	if _, ok := s.Pending(video); ok {
		t.Error("expected no timer for an expiry that already passed")
	}
}

func TestCloseStopsTimers(t *testing.T) {
	ctx := context.Background()
	s, rec, _, mClock := newTestScheduler(t)
	s.Schedule(video, start.Add(time.Minute))
	s.Close()

	mClock.Advance(time.Minute).MustWait(ctx)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("expected no reconcile after Close, got %+v", got)
	}
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	s, _, st, _ := newTestScheduler(t)
	_ = st.SetOverrideExpiry(ctx, video, start.Add(20*time.Minute))
	_ = st.SetOverrideExpiry(ctx, games, start.Add(-20*time.Minute))

	if err := s.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if at, ok := s.Pending(video); !ok || !at.Equal(start.Add(20*time.Minute)) {
		t.Errorf("expected active override restored, got %v %v", at, ok)
	}
	if _, ok := s.Pending(games); ok {
		t.Error("expired override must not be restored")
	}
}

func TestForeground(t *testing.T) {
	s, rec, _, _ := newTestScheduler(t)
	if _, err := s.Foreground(context.Background()); err != nil {
		t.Fatalf("Foreground: %v", err)
	}
	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].trigger != enforcement.TriggerForeground {
		t.Errorf("expected one foreground pass, got %+v", calls)
	}
}

func TestRunTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, rec, _, mClock := newTestScheduler(t)

	trap := mClock.Trap().TickerFunc("scheduler", "tick")
	defer trap.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	trap.MustWait(ctx).MustRelease(ctx)

	mClock.Advance(time.Minute).MustWait(ctx)
	mClock.Advance(time.Minute).MustWait(ctx)

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected 2 ticks, got %+v", calls)
	}
	for _, c := range calls {
		if c.trigger != enforcement.TriggerTick {
			t.Errorf("expected tick trigger, got %s", c.trigger)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}
}

func TestTickAfterGapIsForeground(t *testing.T) {
	s, rec, _, _ := newTestScheduler(t)

	s.mu.Lock()
	s.lastTick = start.Add(-10 * time.Minute)
	s.mu.Unlock()
	s.tick(context.Background())

	// The next regular tick is an ordinary one again.
	s.mu.Lock()
	s.lastTick = start.Add(-time.Minute)
	s.mu.Unlock()
	s.tick(context.Background())

	calls := rec.snapshot()
	if len(calls) != 2 || calls[0].trigger != enforcement.TriggerForeground || calls[1].trigger != enforcement.TriggerTick {
		t.Errorf("expected foreground then tick, got %+v", calls)
	}
}
