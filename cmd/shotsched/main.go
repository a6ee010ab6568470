package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootFlags struct {
		config string
	}

	rootCmd = &cobra.Command{
		Use:          "shotsched",
		Short:        "shotsched captures web page screenshots on cron schedules",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.config, "config", "c", "./config.yaml", "path to config file (.json, .yaml or .yml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to execute command: %+v\n", err)
		os.Exit(1)
	}
}
