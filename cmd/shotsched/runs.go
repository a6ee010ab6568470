package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shotsched/internal/app"
)

var (
	runsFlags struct {
		task  string
		limit int
	}

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Show recorded capture runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.OpenRunStore(rootFlags.config)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			runs, err := st.RecentRuns(ctx, runsFlags.task, runsFlags.limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tTASK\tTRIGGER\tSTATUS\tDURATION\tREASON")
			for _, r := range runs {
				started := "-"
				if !r.StartedAt.IsZero() {
					started = r.StartedAt.Local().Format("2006-01-02 15:04:05")
				}
				dur := time.Duration(r.DurationMS) * time.Millisecond
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", started, r.TaskID, r.Trigger, r.Status, dur, r.Reason)
			}
			return w.Flush()
		},
	}
)

func init() {
	runsCmd.Flags().StringVar(&runsFlags.task, "task", "", "only runs of this task id")
	runsCmd.Flags().IntVarP(&runsFlags.limit, "limit", "n", 20, "maximum number of runs")
	rootCmd.AddCommand(runsCmd)
}
