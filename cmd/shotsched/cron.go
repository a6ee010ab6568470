package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shotsched/internal/task/scheduler"
)

var (
	cronNextFlags struct {
		count    int
		timezone string
	}

	cronCmd = &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}

	cronNextCmd = &cobra.Command{
		Use:   "next <expr>",
		Short: "Print the next fire times of a five-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := scheduler.ValidateCron(args[0])
			if err != nil {
				return err
			}
			loc := time.Local
			if cronNextFlags.timezone != "" {
				if loc, err = time.LoadLocation(cronNextFlags.timezone); err != nil {
					return fmt.Errorf("timezone: %w", err)
				}
			}
			for _, t := range scheduler.Preview(spec, time.Now().In(loc), cronNextFlags.count) {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format("Mon 2006-01-02 15:04 MST"))
			}
			return nil
		},
	}
)

func init() {
	cronNextCmd.Flags().IntVarP(&cronNextFlags.count, "count", "n", 5, "number of fire times")
	cronNextCmd.Flags().StringVar(&cronNextFlags.timezone, "tz", "", "IANA timezone (default local)")
	cronCmd.AddCommand(cronNextCmd)
	rootCmd.AddCommand(cronCmd)
}
