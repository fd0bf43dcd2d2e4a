package main

import (
	"fmt"

	"github.com/goodtune/kbudget/internal/usage"
	"github.com/spf13/cobra"
)

var tagCmd = &cobra.Command{
	Use:   "tag CATEGORY RESOURCE",
	Short: "Print the event tag the host scheduler should report",
	Long: `Print the threshold event tag for a configured resource. Categories are
usage-tick and limit-reached. Register the printed tag with the host's
activity scheduler so it calls "kbudget monitor threshold TAG".`,
	Example: `  kbudget tag usage-tick youtube`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.ErrOrStderr(), false)
		if err != nil {
			return err
		}
		defer s.Close()

		res, err := s.registry.Lookup(args[1])
		if err != nil {
			return err
		}
		tag, err := usage.NewTag(usage.Category(args[0]), res.Hash)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tag)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tagCmd)
}
