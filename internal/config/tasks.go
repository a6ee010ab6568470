package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"shotsched/internal/task/scheduler"
	"shotsched/internal/tasks"
)

// ValidateTasks checks every task's fields and cron expression and rejects
// duplicate ids. Cron errors keep their *scheduler.ParseError or
// *scheduler.UnreachableScheduleError type for errors.As.
func ValidateTasks(list []tasks.Task) error {
	seen := make(map[string]struct{}, len(list))
	var errs []error
	for _, t := range list {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[t.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate id %s", tasks.ErrInvalidTask, t.ID))
			continue
		}
		seen[t.ID] = struct{}{}
		if _, err := scheduler.ValidateCron(t.CronSchedule); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

// TaskStore persists the task list inside the config file.
type TaskStore struct {
	m *ConfigManager
}

func NewTaskStore(m *ConfigManager) *TaskStore { return &TaskStore{m: m} }

// LoadTasks reads the current list from disk. A missing file is an empty list.
func (s *TaskStore) LoadTasks() ([]tasks.Task, error) {
	cfg, err := s.m.Parse()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]tasks.Task, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		out[i] = t.WithDefaults()
	}
	return out, nil
}

// SaveTasks validates list and replaces the file's task list with it.
func (s *TaskStore) SaveTasks(list []tasks.Task) error {
	return s.Update(func([]tasks.Task) ([]tasks.Task, error) { return list, nil })
}

// Update applies fn to the stored list and saves the result in one
// read-modify-write cycle.
func (s *TaskStore) Update(fn func(cur []tasks.Task) ([]tasks.Task, error)) error {
	_, err := s.m.Update(func(cfg *Config) error {
		next, err := fn(append([]tasks.Task(nil), cfg.Tasks...))
		if err != nil {
			return err
		}
		for i := range next {
			next[i] = next[i].WithDefaults()
			next[i].CronSchedule = strings.TrimSpace(next[i].CronSchedule)
		}
		if err := ValidateTasks(next); err != nil {
			return err
		}
		cfg.Tasks = next
		return nil
	})
	return err
}

// ErrTaskNotFound is returned by the single-task helpers for unknown ids.
var ErrTaskNotFound = errors.New("task not found")

// AddTask appends t.
func (s *TaskStore) AddTask(t tasks.Task) error {
	return s.Update(func(cur []tasks.Task) ([]tasks.Task, error) {
		return append(cur, t), nil
	})
}

// RemoveTask deletes the task with id.
func (s *TaskStore) RemoveTask(id string) error {
	return s.Update(func(cur []tasks.Task) ([]tasks.Task, error) {
		i := tasks.Find(cur, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return append(cur[:i], cur[i+1:]...), nil
	})
}

// EditTask applies fn to the task with id. The id itself cannot change.
func (s *TaskStore) EditTask(id string, fn func(t *tasks.Task) error) error {
	return s.Update(func(cur []tasks.Task) ([]tasks.Task, error) {
		i := tasks.Find(cur, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if err := fn(&cur[i]); err != nil {
			return nil, err
		}
		cur[i].ID = id
		return cur, nil
	})
}

// SetEnabled flips the enabled flag of the task with id.
func (s *TaskStore) SetEnabled(id string, enabled bool) error {
	return s.EditTask(id, func(t *tasks.Task) error {
		t.Enabled = enabled
		return nil
	})
}
