package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/kbudget/internal/challenge"
	"github.com/goodtune/kbudget/internal/override"
	"github.com/spf13/cobra"
)

var overrideMinutes int

var overrideCmd = &cobra.Command{
	Use:   "override RESOURCE",
	Short: "Unlock a restricted resource for a few minutes",
	Long: `Present a challenge and, if it is passed, grant a time-boxed override. The
override resets today's usage for the resource and lets it through until it
expires. A second grant keeps the later of the two expiry times.`,
	Example: `  kbudget override youtube --minutes 15`,
	Args:    cobra.ExactArgs(1),
	RunE:    runOverride,
}

func init() {
	overrideCmd.Flags().IntVarP(&overrideMinutes, "minutes", "m", 0, "Override length in minutes (default from enforcement.default_override_minutes)")
	rootCmd.AddCommand(overrideCmd)
}

func runOverride(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.registry.Lookup(args[0])
	if err != nil {
		return err
	}

	minutes := overrideMinutes
	if minutes == 0 {
		minutes = s.cfg.Enforcement.DefaultOverrideMinutes
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher := newPublisher(s.cfg.Events, s.logger)
	defer publisher.Close()

	opts := []override.Option{override.WithPublisher(publisher)}
	if client := s.daemon(); client != nil {
		opts = append(opts, override.WithReconciler(client))
	}

	granter := override.NewGranter(s.state, &challenge.Prompt{
		In:  cmd.InOrStdin(),
		Out: cmd.OutOrStdout(),
	}, override.Config{MaxMinutes: s.cfg.Enforcement.MaxOverrideMinutes}, s.logger, opts...)

	o, err := granter.RequestOverride(ctx, res.Hash, minutes)
	switch {
	case errors.Is(err, override.ErrChallengeNotPassed):
		return fmt.Errorf("challenge not passed, %s stays as it was", res.Name)
	case err != nil:
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n%s unlocked until %s\n", res.Name, o.ExpiresAt.Local().Format("15:04"))
	return nil
}
