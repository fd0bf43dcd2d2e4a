package main

import (
	"context"
	"fmt"
	"io"

	"github.com/coder/quartz"
	"github.com/goodtune/kbudget/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Record usage events from the host scheduler",
	Long: `Short-lived entry points invoked by the host's activity scheduler. Each call
updates the shared store and exits. Failures are logged to stderr and the
command still exits 0 so the scheduler never retries or disables the hook.`,
}

var monitorIntervalStartCmd = &cobra.Command{
	Use:   "interval-start RESOURCE_ID",
	Short: "Record the start of a monitoring interval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd.ErrOrStderr(), "interval-start", func(ctx context.Context, m *usage.Monitor) error {
			return m.IntervalStarted(ctx, args[0])
		})
	},
}

var monitorIntervalEndCmd = &cobra.Command{
	Use:   "interval-end RESOURCE_ID",
	Short: "Record the end of a monitoring interval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd.ErrOrStderr(), "interval-end", func(ctx context.Context, m *usage.Monitor) error {
			return m.IntervalEnded(ctx, args[0])
		})
	},
}

var monitorThresholdCmd = &cobra.Command{
	Use:     "threshold TAG",
	Short:   "Record a threshold event such as usage-tick.<id>",
	Example: `  kbudget monitor threshold usage-tick.3f2a9c1b7d4e8a60`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor(cmd.ErrOrStderr(), "threshold", func(ctx context.Context, m *usage.Monitor) error {
			return m.ThresholdCrossed(ctx, args[0])
		})
	},
}

func init() {
	monitorCmd.AddCommand(monitorIntervalStartCmd)
	monitorCmd.AddCommand(monitorIntervalEndCmd)
	monitorCmd.AddCommand(monitorThresholdCmd)
	rootCmd.AddCommand(monitorCmd)
}

// runMonitor never returns an error; the event is dropped instead.
func runMonitor(stderr io.Writer, event string, fn func(context.Context, *usage.Monitor) error) error {
	s, err := openSession(io.Discard, false)
	if err != nil {
		fmt.Fprintf(stderr, "kbudget monitor %s: %v\n", event, err)
		return nil
	}
	defer s.Close()

	logger := zerolog.New(stderr).
		Level(parseLevel(s.cfg.Monitor.LogLevel, zerolog.WarnLevel)).
		With().Timestamp().Str("event", event).Logger()

	monitor := usage.NewMonitor(s.state, quartz.NewReal(), usage.Config{
		TickMinutes: s.cfg.Monitor.TickMinutes,
	}, logger)

	if err := fn(context.Background(), monitor); err != nil {
		logger.Debug().Err(err).Msg("Usage event dropped")
	}
	return nil
}

