package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shotsched/internal/app"
	"shotsched/internal/task/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Capture one task now and wait for the result",
	Long: "Capture one task now in this process and wait for the result.\n" +
		"The run is recorded in the configured run store. The running-job guard\n" +
		"is local to this process, so a capture started by serve is not seen.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(rootFlags.config)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ev, runErr := a.RunTask(ctx, args[0])

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopUnknown)

		if runErr != nil {
			return runErr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s in %s\n", ev.RunID, ev.TaskID, ev.Status, ev.Duration.Round(time.Millisecond))
		if ev.Status != engine.StatusSucceeded {
			if ev.Reason != "" {
				return fmt.Errorf("capture %s: %s", ev.Status, ev.Reason)
			}
			return fmt.Errorf("capture %s", ev.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
