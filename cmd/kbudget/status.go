package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kbudget/internal/enforcement"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	statusOutput string
	statusDaemon bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show usage, limits and restrictions",
	Long:  `Show the stored state of every configured resource. Nothing is changed.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format: table, json or yaml")
	statusCmd.Flags().BoolVar(&statusDaemon, "daemon", false, "Ask the running daemon instead of reading the store")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer s.Close()

	now := time.Now()
	var statuses []enforcement.Status
	if statusDaemon {
		client := s.daemon()
		if client == nil {
			return fmt.Errorf("the daemon API is disabled (api.enabled)")
		}
		statuses, err = client.Resources(cmd.Context())
	} else {
		statuses, err = enforcement.DescribeAll(context.Background(), s.state, s.registry, now)
	}
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	return writeStatus(cmd.OutOrStdout(), statusOutput, statuses, now)
}

func writeStatus(w io.Writer, format string, statuses []enforcement.Status, now time.Time) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(statuses); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		return writeStatusTable(w, statuses, now)
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

func writeStatusTable(w io.Writer, statuses []enforcement.Status, now time.Time) error {
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tID\tUSAGE\tLIMIT\tSTATE")
	for _, st := range statuses {
		var state string
		switch {
		case !st.Selected:
			state = "not limited"
		case st.Override != nil:
			left := st.Override.ExpiresAt.Sub(now).Round(time.Minute)
			state = yellow.Sprintf("override, %s left", left)
		case st.Restricted:
			state = red.Sprint("restricted")
		default:
			state = green.Sprint("ok")
		}
		fmt.Fprintf(tw, "%s\t%s\t%dm\t%dm\t%s\n", st.Name, st.ID, st.Usage, st.Limit, state)
	}
	return tw.Flush()
}
