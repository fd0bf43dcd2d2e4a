package usage

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

// ResetScheduler fires a callback at the configured time each day.
//
// Counters need no explicit reset: every reader treats a counter dated
// before today as zero. The callback exists so that restrictions imposed
// yesterday are lifted promptly instead of on the next periodic pass.
type ResetScheduler struct {
	onReset   func(ctx context.Context)
	resetTime time.Time // Time of day to reset (only hour and minute are used)
	clock     quartz.Clock
	logger    zerolog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(onReset func(ctx context.Context), resetTime string, clock quartz.Clock, logger zerolog.Logger) (*ResetScheduler, error) {
	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}

	return &ResetScheduler{
		onReset:   onReset,
		resetTime: parsedTime,
		clock:     clock,
		logger:    logger.With().Str("component", "reset-scheduler").Logger(),
	}, nil
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start(ctx context.Context) {
	ctx, rs.cancel = context.WithCancel(ctx)
	rs.done = make(chan struct{})
	go rs.run(ctx)
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Msg("Daily reset scheduler started")
}

// Stop stops the reset scheduler and waits for it to exit
func (rs *ResetScheduler) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info().Msg("Daily reset scheduler stopped")
}

func (rs *ResetScheduler) run(ctx context.Context) {
	defer close(rs.done)
	for {
		nextReset := rs.calculateNextReset(rs.clock.Now())
		waitDuration := nextReset.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		timer := rs.clock.NewTimer(waitDuration, "reset")
		select {
		case <-timer.C:
			rs.logger.Info().Msg("Daily reset reached, reconciling")
			rs.onReset(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// calculateNextReset returns the next reset strictly after now
func (rs *ResetScheduler) calculateNextReset(now time.Time) time.Time {
	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		now.Location(),
	)

	if !now.Before(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}
	return todayReset
}
