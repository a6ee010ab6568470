package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines run log
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished or skipped capture run.
// Keep it compact and schema-stable.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	URL        string    `json:"url"`
	Trigger    string    `json:"trigger"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Due        time.Time `json:"due,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}
