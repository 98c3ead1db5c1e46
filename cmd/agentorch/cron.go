package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentorch/internal/cronexpr"
)

var (
	cronCount int
	cronTZ    string
	cronFrom  string
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect cron expressions",
}

var cronValidateCmd = &cobra.Command{
	Use:   "validate <expr>",
	Short: "Check that a cron expression parses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cronexpr.Check(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "valid")
		return nil
	},
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expr>",
	Short: "Print the next fire times of a cron expression",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cronCount <= 0 {
			return fmt.Errorf("--count must be positive, got %d", cronCount)
		}
		loc := time.Local
		if tz := strings.TrimSpace(cronTZ); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			loc = l
		}
		from := time.Now()
		if strings.TrimSpace(cronFrom) != "" {
			t, err := time.Parse(time.RFC3339, cronFrom)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			from = t
		}
		runs, err := cronexpr.NextRuns(args[0], from.In(loc), cronCount)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintln(cmd.OutOrStdout(), r.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	cronNextCmd.Flags().IntVarP(&cronCount, "count", "n", 5, "number of fire times")
	cronNextCmd.Flags().StringVar(&cronTZ, "tz", "", "IANA timezone (default local)")
	cronNextCmd.Flags().StringVar(&cronFrom, "from", "", "RFC3339 start instant (default now)")

	cronCmd.AddCommand(cronValidateCmd)
	cronCmd.AddCommand(cronNextCmd)
}
