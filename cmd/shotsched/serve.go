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
	"shotsched/pkg/systemd"
)

var (
	serveFlags struct {
		stopTimeout time.Duration
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(rootFlags.config)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			_, _ = systemd.Ready()
			snap := a.Scheduler().Snapshot()
			enabled := 0
			for _, j := range snap.Jobs {
				if j.Enabled {
					enabled++
				}
			}
			_, _ = systemd.Status("%d of %d jobs enabled, tz %s", enabled, len(snap.Jobs), snap.Timezone)

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGTERM
				if s == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			_, _ = systemd.Stopping()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), serveFlags.stopTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
)

func init() {
	serveCmd.Flags().DurationVar(&serveFlags.stopTimeout, "stop-timeout", 45*time.Second, "upper bound for graceful shutdown")
	rootCmd.AddCommand(serveCmd)
}
