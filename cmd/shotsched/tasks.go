package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"shotsched/internal/config"
	"shotsched/internal/task/scheduler"
	"shotsched/internal/tasks"
)

var (
	taskAddFlags struct {
		url      string
		schedule string
		preset   string
		at       string
		output   string
		width    int
		height   int
		fullPage bool
		disabled bool
	}

	taskEditFlags struct {
		url      string
		schedule string
		preset   string
		at       string
		output   string
		width    int
		height   int
		fullPage bool
	}

	taskCmd = &cobra.Command{
		Use:   "tasks",
		Short: "Manage the task list stored in the config file",
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List configured tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := taskStore().LoadTasks()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENABLED\tSCHEDULE\tURL")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", t.ID, t.Enabled, t.CronSchedule, t.URL)
			}
			return w.Flush()
		},
	}

	taskAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := taskAddFlags.schedule
			if expr == "" {
				spec, err := scheduler.PresetSpec(taskAddFlags.preset, taskAddFlags.at)
				if err != nil {
					return err
				}
				expr = spec.String()
			}
			if _, err := scheduler.ValidateCron(expr); err != nil {
				return err
			}

			t := tasks.New(taskAddFlags.url, expr, taskAddFlags.output)
			if taskAddFlags.width > 0 {
				t.Width = taskAddFlags.width
			}
			if taskAddFlags.height > 0 {
				t.Height = taskAddFlags.height
			}
			t.FullPage = taskAddFlags.fullPage
			t.Enabled = !taskAddFlags.disabled
			if err := taskStore().AddTask(t); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}

	taskEditCmd = &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a task; flags not given keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			expr := ""
			switch {
			case f.Changed("schedule"):
				expr = taskEditFlags.schedule
			case f.Changed("preset") || f.Changed("at"):
				spec, err := scheduler.PresetSpec(taskEditFlags.preset, taskEditFlags.at)
				if err != nil {
					return err
				}
				expr = spec.String()
			}
			return taskStore().EditTask(args[0], func(t *tasks.Task) error {
				if f.Changed("url") {
					t.URL = strings.TrimSpace(taskEditFlags.url)
				}
				if expr != "" {
					t.CronSchedule = expr
				}
				if f.Changed("output") {
					t.OutputPath = strings.TrimSpace(taskEditFlags.output)
				}
				if f.Changed("width") {
					t.Width = taskEditFlags.width
				}
				if f.Changed("height") {
					t.Height = taskEditFlags.height
				}
				if f.Changed("full-page") {
					t.FullPage = taskEditFlags.fullPage
				}
				return nil
			})
		},
	}

	taskRemoveCmd = &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskStore().RemoveTask(args[0])
		},
	}

	taskEnableCmd = &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskStore().SetEnabled(args[0], true)
		},
	}

	taskDisableCmd = &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return taskStore().SetEnabled(args[0], false)
		},
	}
)

func taskStore() *config.TaskStore {
	return config.NewTaskStore(config.NewConfigManager(rootFlags.config))
}

func init() {
	f := taskAddCmd.Flags()
	f.StringVar(&taskAddFlags.url, "url", "", "page to capture")
	f.StringVar(&taskAddFlags.schedule, "schedule", "", "five-field cron expression")
	f.StringVar(&taskAddFlags.preset, "preset", scheduler.PresetHourly, "schedule preset when --schedule is empty")
	f.StringVar(&taskAddFlags.at, "at", "", "HH:MM for the custom preset")
	f.StringVar(&taskAddFlags.output, "output", "", "output directory (defaults to capture.output_directory)")
	f.IntVar(&taskAddFlags.width, "width", tasks.DefaultWidth, "viewport width")
	f.IntVar(&taskAddFlags.height, "height", tasks.DefaultHeight, "viewport height")
	f.BoolVar(&taskAddFlags.fullPage, "full-page", true, "capture the full page")
	f.BoolVar(&taskAddFlags.disabled, "disabled", false, "add the task disabled")
	_ = taskAddCmd.MarkFlagRequired("url")
	taskAddCmd.MarkFlagsMutuallyExclusive("schedule", "preset")

	e := taskEditCmd.Flags()
	e.StringVar(&taskEditFlags.url, "url", "", "page to capture")
	e.StringVar(&taskEditFlags.schedule, "schedule", "", "five-field cron expression")
	e.StringVar(&taskEditFlags.preset, "preset", scheduler.PresetCustom, "schedule preset")
	e.StringVar(&taskEditFlags.at, "at", "", "HH:MM for the custom preset")
	e.StringVar(&taskEditFlags.output, "output", "", "output directory")
	e.IntVar(&taskEditFlags.width, "width", 0, "viewport width")
	e.IntVar(&taskEditFlags.height, "height", 0, "viewport height")
	e.BoolVar(&taskEditFlags.fullPage, "full-page", true, "capture the full page")
	taskEditCmd.MarkFlagsMutuallyExclusive("schedule", "preset")
	taskEditCmd.MarkFlagsMutuallyExclusive("schedule", "at")

	taskCmd.AddCommand(taskListCmd, taskAddCmd, taskEditCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)
	rootCmd.AddCommand(taskCmd)
}
