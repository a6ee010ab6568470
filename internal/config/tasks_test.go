package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shotsched/internal/task/scheduler"
	"shotsched/internal/tasks"
)

func TestTaskStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewTaskStore(NewConfigManager(filepath.Join(t.TempDir(), "config.json")))

	list, err := store.LoadTasks()
	require.NoError(t, err)
	assert.Empty(t, list, "missing file is an empty list")

	a := tasks.New("https://example.com", "0 * * * *", "/tmp/a")
	b := tasks.New("https://example.org", "30 14 1 * *", "/tmp/b")
	require.NoError(t, store.AddTask(a))
	require.NoError(t, store.AddTask(b))

	list, err = store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a, list[0])
	assert.Equal(t, b, list[1])

	require.NoError(t, store.SetEnabled(a.ID, false))
	require.NoError(t, store.RemoveTask(b.ID))
	list, err = store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)

	assert.ErrorIs(t, store.RemoveTask("missing"), ErrTaskNotFound)
	assert.ErrorIs(t, store.SetEnabled("missing", true), ErrTaskNotFound)
}

func TestTaskStoreRejectsBadTasks(t *testing.T) {
	t.Parallel()
	store := NewTaskStore(NewConfigManager(filepath.Join(t.TempDir(), "config.yaml")))

	err := store.AddTask(tasks.New("https://example.com", "0 0 31 2 *", "/tmp"))
	var ue *scheduler.UnreachableScheduleError
	assert.ErrorAs(t, err, &ue)

	err = store.AddTask(tasks.New("https://example.com", "*/5 * * * *", "/tmp"))
	var pe *scheduler.ParseError
	assert.ErrorAs(t, err, &pe)

	err = store.AddTask(tasks.New("not a url", "0 * * * *", "/tmp"))
	assert.ErrorIs(t, err, tasks.ErrInvalidTask)

	dup := tasks.New("https://example.com", "0 * * * *", "/tmp")
	err = store.SaveTasks([]tasks.Task{dup, dup})
	assert.ErrorIs(t, err, tasks.ErrInvalidTask)

	list, err := store.LoadTasks()
	require.NoError(t, err)
	assert.Empty(t, list, "rejected saves leave the file untouched")
}

func TestTaskStoreFillsDefaults(t *testing.T) {
	t.Parallel()
	store := NewTaskStore(NewConfigManager(filepath.Join(t.TempDir(), "config.json")))
	require.NoError(t, store.SaveTasks([]tasks.Task{{ID: "x", URL: "http://localhost:8080/", CronSchedule: " 0 * * * * ", Enabled: true}}))

	list, err := store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tasks.DefaultWidth, list[0].Width)
	assert.Equal(t, tasks.DefaultHeight, list[0].Height)
	assert.Equal(t, "0 * * * *", list[0].CronSchedule)
}

func TestLoadTasksOmittedFlagsDefaultTrue(t *testing.T) {
	t.Parallel()
	body := `
tasks:
  - id: first
    url: https://example.com
    cron_schedule: "0 * * * *"
  - id: second
    url: https://example.org
    cron_schedule: "0 * * * *"
    enabled: false
    full_page: false
`
	store := NewTaskStore(NewConfigManager(writeFile(t, "config.yaml", body)))
	list, err := store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Enabled)
	assert.True(t, list[0].FullPage)
	assert.False(t, list[1].Enabled)
	assert.False(t, list[1].FullPage)
}

func TestEditTaskFeedsRegistrySync(t *testing.T) {
	t.Parallel()
	store := NewTaskStore(NewConfigManager(filepath.Join(t.TempDir(), "config.yaml")))
	tk := tasks.New("https://example.com", "0 * * * *", "/tmp/a")
	require.NoError(t, store.AddTask(tk))

	reg := scheduler.NewRegistry()
	list, err := store.LoadTasks()
	require.NoError(t, err)
	rep := reg.Sync(list)
	assert.Equal(t, []string{tk.ID}, rep.Added)
	before, ok := reg.Get(tk.ID)
	require.True(t, ok)

	require.NoError(t, store.EditTask(tk.ID, func(t *tasks.Task) error {
		t.CronSchedule = "30 14 * * 1"
		t.ID = "renamed"
		return nil
	}))
	list, err = store.LoadTasks()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tk.ID, list[0].ID, "id is fixed")

	rep = reg.Sync(list)
	assert.Equal(t, []string{tk.ID}, rep.Replaced)
	after, ok := reg.Get(tk.ID)
	require.True(t, ok)
	assert.NotSame(t, before.Guard, after.Guard, "a new schedule gets a fresh guard")
	assert.Equal(t, "30 14 * * 1", after.Task.CronSchedule)

	require.NoError(t, store.EditTask(tk.ID, func(t *tasks.Task) error {
		t.Width = 640
		return nil
	}))
	list, err = store.LoadTasks()
	require.NoError(t, err)
	rep = reg.Sync(list)
	assert.Equal(t, []string{tk.ID}, rep.Updated)

	err = store.EditTask(tk.ID, func(t *tasks.Task) error {
		t.CronSchedule = "0 0 31 2 *"
		return nil
	})
	var ue *scheduler.UnreachableScheduleError
	assert.ErrorAs(t, err, &ue)
	assert.ErrorIs(t, store.EditTask("missing", func(*tasks.Task) error { return nil }), ErrTaskNotFound)
}
