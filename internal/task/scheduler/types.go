package scheduler

import (
	"errors"
	"time"

	"shotsched/internal/task/engine"
	"shotsched/internal/tasks"
)

const DefaultTick = 30 * time.Second

var (
	// ErrJobNotFound is returned by RunNow and registry mutators for unknown ids.
	ErrJobNotFound = errors.New("job not found")
	ErrEmptySpec   = errors.New("empty cron spec")
	ErrEmptyTaskID = errors.New("task id required")
)

// Config controls the dispatch loop.
// Config is usable as its zero value: the loop runs unless Disabled is set.
type Config struct {
	Disabled bool
	Tick     time.Duration
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Dispatcher runs a job's action behind its guard. engine.Service implements it.
type Dispatcher interface {
	Dispatch(req engine.Request) (engine.Outcome, error)
}

// Job is an immutable registry record. Mutations install a new Job value;
// Guard is shared only between records that describe the same schedule.
type Job struct {
	TaskID  string
	Spec    CronSpec
	Enabled bool
	Task    tasks.Task
	Guard   *engine.Guard
}

// SyncReport describes what Registry.Sync changed, by task id.
type SyncReport struct {
	Added     []string
	Replaced  []string
	Updated   []string
	Removed   []string
	Unchanged []string
	// Invalid holds tasks that were not scheduled and why.
	Invalid map[string]error
}

// Changed reports whether Sync touched the registry.
func (r SyncReport) Changed() bool {
	return len(r.Added)+len(r.Replaced)+len(r.Updated)+len(r.Removed) > 0
}

type JobInfo struct {
	TaskID  string    `json:"task_id"`
	Spec    string    `json:"spec"`
	URL     string    `json:"url"`
	Enabled bool      `json:"enabled"`
	Running bool      `json:"running"`
	Next    time.Time `json:"next,omitempty"`
	NextErr string    `json:"next_err,omitempty"`
}

type Snapshot struct {
	Running     bool
	Enabled     bool
	Tick        time.Duration
	Timezone    string
	LastChecked time.Time
	Ticks       uint64
	TickPanics  uint64
	Jobs        []JobInfo
	Engine      engine.Snapshot
}
