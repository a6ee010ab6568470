package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"shotsched/internal/task/engine"
	"shotsched/internal/tasks"
)

// Registry holds the active jobs, keyed by task id.
//
// Records are immutable values; every write swaps in a whole new Job under
// the write lock, so readers never see a half-updated record.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: map[string]Job{}}
}

// Upsert inserts or replaces the job for taskID. A replaced job always gets
// a fresh guard; an action still running under the old guard keeps it.
func (r *Registry) Upsert(taskID string, spec CronSpec, enabled bool, payload tasks.Task) (Job, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Job{}, ErrEmptyTaskID
	}
	if spec.IsZero() {
		return Job{}, ErrEmptySpec
	}
	payload.ID = taskID
	j := Job{TaskID: taskID, Spec: spec, Enabled: enabled, Task: payload, Guard: engine.NewGuard()}

	r.mu.Lock()
	r.jobs[taskID] = j
	r.mu.Unlock()
	return j, nil
}

// Remove deletes the job. A running action finishes on its detached guard.
func (r *Registry) Remove(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[taskID]; !ok {
		return false
	}
	delete(r.jobs, taskID)
	return true
}

func (r *Registry) Enable(taskID string) bool  { return r.setEnabled(taskID, true) }
func (r *Registry) Disable(taskID string) bool { return r.setEnabled(taskID, false) }

func (r *Registry) setEnabled(taskID string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[taskID]
	if !ok {
		return false
	}
	j.Enabled = enabled
	j.Task.Enabled = enabled
	r.jobs[taskID] = j
	return true
}

func (r *Registry) Get(taskID string) (Job, bool) {
	r.mu.RLock()
	j, ok := r.jobs[taskID]
	r.mu.RUnlock()
	return j, ok
}

// List returns a snapshot of every job, sorted by task id.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].TaskID < out[k].TaskID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Sync makes the registry match list, the configuration store's task list.
//
// A task whose schedule is unchanged keeps its guard, so an edit to its
// payload or enabled flag can't let a second run start next to an in-flight
// one. A changed schedule replaces the job. Tasks with an invalid or
// unreachable cron are reported and left unscheduled. The whole
// reconciliation is applied under one write lock.
func (r *Registry) Sync(list []tasks.Task) SyncReport {
	rep := SyncReport{Invalid: map[string]error{}}

	type parsed struct {
		t    tasks.Task
		spec CronSpec
	}
	want := make(map[string]parsed, len(list))
	order := make([]string, 0, len(list))
	for i, t := range list {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			rep.Invalid[fmt.Sprintf("#%d", i)] = ErrEmptyTaskID
			continue
		}
		if _, dup := want[id]; dup {
			rep.Invalid[id] = fmt.Errorf("duplicate task id %q", id)
			continue
		}
		spec, err := ValidateCron(t.CronSchedule)
		if err != nil {
			rep.Invalid[id] = err
			continue
		}
		t.ID = id
		want[id] = parsed{t: t, spec: spec}
		order = append(order, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.jobs {
		if _, ok := want[id]; !ok {
			delete(r.jobs, id)
			rep.Removed = append(rep.Removed, id)
		}
	}
	for _, id := range order {
		p := want[id]
		cur, ok := r.jobs[id]
		switch {
		case !ok:
			r.jobs[id] = Job{TaskID: id, Spec: p.spec, Enabled: p.t.Enabled, Task: p.t, Guard: engine.NewGuard()}
			rep.Added = append(rep.Added, id)
		case !cur.Spec.Equal(p.spec):
			r.jobs[id] = Job{TaskID: id, Spec: p.spec, Enabled: p.t.Enabled, Task: p.t, Guard: engine.NewGuard()}
			rep.Replaced = append(rep.Replaced, id)
		case cur.Enabled != p.t.Enabled || !cur.Task.Equal(p.t):
			cur.Enabled = p.t.Enabled
			cur.Task = p.t
			r.jobs[id] = cur
			rep.Updated = append(rep.Updated, id)
		default:
			rep.Unchanged = append(rep.Unchanged, id)
		}
	}
	sort.Strings(rep.Removed)
	return rep
}
