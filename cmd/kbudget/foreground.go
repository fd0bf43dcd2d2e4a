package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var foregroundCmd = &cobra.Command{
	Use:   "foreground",
	Short: "Run the foreground check in the daemon",
	Long: `Ask the daemon to reconcile every resource now. Hook this to the host's
"app came to the foreground" event so a missed re-block timer is caught up
immediately. Sending SIGUSR1 to the daemon does the same.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.ErrOrStderr(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		client := s.daemon()
		if client == nil {
			return fmt.Errorf("the daemon API is disabled (api.enabled)")
		}
		ctx := cmd.Context()
		results, err := client.Foreground(ctx)
		if err != nil {
			return fmt.Errorf("foreground check failed: %w", err)
		}
		restricted := 0
		for _, r := range results {
			if r.Restricted {
				restricted++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d resources, %d restricted\n", len(results), restricted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(foregroundCmd)
}
