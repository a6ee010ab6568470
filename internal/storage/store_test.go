package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "shotsched/pkg/logx"
)

func rec(i int, task string) RunRecord {
	return RunRecord{
		RunID:      fmt.Sprintf("run-%03d", i),
		TaskID:     task,
		URL:        "https://example.com/" + task,
		Trigger:    "schedule",
		Status:     "succeeded",
		StartedAt:  time.Date(2024, 3, 1, 12, i, 0, 0, time.UTC),
		DurationMS: int64(i),
	}
}

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "runs.jsonl")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "runs.db"), BusyTimeout: time.Second},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err, "path is required")

	assert.True(t, ValidDriver("SQLite"))
	assert.False(t, ValidDriver("redis"))
}

func TestStoreRecentRuns(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			for i := 0; i < 10; i++ {
				task := "a"
				if i%2 == 1 {
					task = "b"
				}
				r := rec(i, task)
				if i == 3 {
					r.Status = "failed"
					r.Reason = "exit status 1"
					r.Due = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
				}
				require.NoError(t, st.AppendRun(ctx, r))
			}

			all, err := st.RecentRuns(ctx, "", 3)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"run-009", "run-008", "run-007"}, []string{all[0].RunID, all[1].RunID, all[2].RunID})

			bs, err := st.RecentRuns(ctx, "b", 100)
			require.NoError(t, err)
			require.Len(t, bs, 5)
			assert.Equal(t, "run-009", bs[0].RunID)
			assert.Equal(t, "run-001", bs[4].RunID)

			failed := bs[3]
			assert.Equal(t, "run-003", failed.RunID)
			assert.Equal(t, "failed", failed.Status)
			assert.Equal(t, "exit status 1", failed.Reason)
			assert.True(t, failed.Due.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))
			assert.True(t, failed.StartedAt.Equal(rec(3, "b").StartedAt))
			assert.Equal(t, int64(3), failed.DurationMS)
			assert.True(t, bs[0].Due.IsZero())

			none, err := st.RecentRuns(ctx, "missing", 5)
			require.NoError(t, err)
			assert.Empty(t, none)

			zero, err := st.RecentRuns(ctx, "a", 0)
			require.NoError(t, err)
			assert.Empty(t, zero)
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			require.NoError(t, st.AppendRun(ctx, rec(1, "a")))
			require.NoError(t, st.Close())

			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			require.NoError(t, st.AppendRun(ctx, rec(2, "a")))

			got, err := st.RecentRuns(ctx, "a", 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "run-002", got[0].RunID)
		})
	}
}

func TestFileStoreSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.AppendRun(ctx, rec(1, "a")))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{\"run_id\": \"torn\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, st.AppendRun(ctx, rec(2, "a")))
	got, err := st.RecentRuns(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "run-002", got[0].RunID)
	assert.Equal(t, "run-001", got[1].RunID)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "r.jsonl")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendRun(context.Background(), rec(1, "a")), ErrDisabled)
	_, err = st.RecentRuns(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrDisabled)
}
