package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/spf13/cobra"
)

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Manage daily limits",
}

var limitSetCmd = &cobra.Command{
	Use:     "set RESOURCE MINUTES",
	Short:   "Set the daily limit in minutes",
	Long:    `Set the daily limit for a resource. A limit of 0 restricts the resource all day.`,
	Example: `  kbudget limit set youtube 60`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes < 0 {
			return fmt.Errorf("invalid minutes %q: must be a non-negative integer", args[1])
		}
		return updateResource(cmd, args[0], enforcement.TriggerLimitChange, func(ctx context.Context, s *session, hash string) error {
			return s.state.SetLimit(ctx, hash, minutes)
		})
	},
}

var limitClearCmd = &cobra.Command{
	Use:   "clear RESOURCE",
	Short: "Remove the daily limit",
	Long:  `Remove the stored limit. A selected resource without a limit is restricted.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateResource(cmd, args[0], enforcement.TriggerLimitChange, func(ctx context.Context, s *session, hash string) error {
			return s.state.ClearLimit(ctx, hash)
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Manage which resources are limited",
}

var selectAddCmd = &cobra.Command{
	Use:   "add RESOURCE",
	Short: "Start enforcing the resource's limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateResource(cmd, args[0], enforcement.TriggerSelectionChange, func(ctx context.Context, s *session, hash string) error {
			return s.state.SetSelected(ctx, hash, true)
		})
	},
}

var selectRemoveCmd = &cobra.Command{
	Use:   "remove RESOURCE",
	Short: "Stop enforcing the resource's limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateResource(cmd, args[0], enforcement.TriggerSelectionChange, func(ctx context.Context, s *session, hash string) error {
			return s.state.SetSelected(ctx, hash, false)
		})
	},
}

func init() {
	limitCmd.AddCommand(limitSetCmd)
	limitCmd.AddCommand(limitClearCmd)
	selectCmd.AddCommand(selectAddCmd)
	selectCmd.AddCommand(selectRemoveCmd)
	rootCmd.AddCommand(limitCmd)
	rootCmd.AddCommand(selectCmd)
}

// updateResource applies one write for a registered resource and tells the
// daemon about it.
func updateResource(cmd *cobra.Command, name string, trigger enforcement.Trigger, write func(context.Context, *session, string) error) error {
	s, err := openSession(cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.registry.Lookup(name)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := write(ctx, s, res.Hash); err != nil {
		return fmt.Errorf("failed to update %s: %w", res.Name, err)
	}
	s.notifyDaemon(ctx, res.Hash, trigger)

	fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", res.Name)
	return nil
}
