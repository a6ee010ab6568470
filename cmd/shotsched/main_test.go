package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shotsched/internal/config"
)

// execute runs the root command in-process. Commands share package-level
// flag state, so tests here do not run in parallel.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := `
logging:
  level: error
capture:
  driver: noop
storage:
  driver: file
  path: ` + filepath.Join(dir, "runs.jsonl") + `
tasks:
  - id: t1
    url: https://example.com
    cron_schedule: "0 0 1 1 *"
`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestRunCommandCapturesAndRecords(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "-c", path, "run", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "t1 succeeded")

	out, err = execute(t, "-c", path, "runs", "--task", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "manual")
	assert.Contains(t, out, "succeeded")

	_, err = execute(t, "-c", path, "run", "missing")
	assert.Error(t, err)
}

func TestTasksEditChangesOnlyGivenFields(t *testing.T) {
	path := writeTestConfig(t)

	_, err := execute(t, "-c", path, "tasks", "edit", "t1", "--schedule", "30 14 * * 1", "--width", "640")
	require.NoError(t, err)

	list, err := config.NewTaskStore(config.NewConfigManager(path)).LoadTasks()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "30 14 * * 1", list[0].CronSchedule)
	assert.Equal(t, 640, list[0].Width)
	assert.Equal(t, "https://example.com", list[0].URL)
	assert.True(t, list[0].FullPage)
	assert.True(t, list[0].Enabled)

	_, err = execute(t, "-c", path, "tasks", "edit", "nope", "--width", "800")
	assert.ErrorIs(t, err, config.ErrTaskNotFound)
}
