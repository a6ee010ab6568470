package config

import (
	"shotsched/internal/tasks"
)

// Config is the on-disk configuration. JSON and YAML share the same keys.
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Scheduler controls the dispatch loop.
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`

	// Engine controls the action runner. Optional.
	Engine *EngineConfig `json:"engine,omitempty" yaml:"engine,omitempty"`

	Capture  CaptureConfig   `json:"capture" yaml:"capture"`
	Storage  *StorageConfig  `json:"storage,omitempty" yaml:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty" yaml:"notifier,omitempty"`

	// Tasks is the task list. TaskStore rewrites only this key's content, but
	// the whole file is re-encoded on save.
	Tasks []tasks.Task `json:"tasks" yaml:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Console bool        `json:"console" yaml:"console"`
	File    LoggingFile `json:"file" yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// SchedulerConfig controls the dispatch loop.
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from an
// explicit false.
//
// Durations are Go duration strings (e.g. "30s", "1m").
//
// Defaults:
//   - enabled: true
//   - tick: "30s"
//   - timezone: "" (Local)
//   - drain_timeout: "30s"
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Tick         string `json:"tick,omitempty" yaml:"tick,omitempty"`
	Timezone     string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty" yaml:"drain_timeout,omitempty"`
}

// IsEnabled applies the default for an omitted enabled flag.
func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// EngineConfig controls the action runner.
//
// Defaults:
//   - history_size: 200
type EngineConfig struct {
	HistorySize int `json:"history_size,omitempty" yaml:"history_size,omitempty"`
}

// CaptureConfig selects and configures the capture action.
//
// Driver values:
//   - "browser" (default): headless Chromium-family binary
//   - "noop": log only, never touches the network
type CaptureConfig struct {
	Driver      string `json:"driver,omitempty" yaml:"driver,omitempty"`
	BrowserPath string `json:"browser_path,omitempty" yaml:"browser_path,omitempty"`
	// NavigationTimeout bounds one capture (default "30s").
	NavigationTimeout string `json:"navigation_timeout,omitempty" yaml:"navigation_timeout,omitempty"`
	// OutputDirectory is used for tasks without an output_path.
	OutputDirectory string `json:"output_directory,omitempty" yaml:"output_directory,omitempty"`
	DefaultWidth    int    `json:"default_width,omitempty" yaml:"default_width,omitempty"`
	DefaultHeight   int    `json:"default_height,omitempty" yaml:"default_height,omitempty"`
}

// StorageConfig controls run history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/shotsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	Path        string `json:"path" yaml:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls failure notifications to Telegram.
//
// If the whole section is omitted, the notifier is disabled.
type NotifierConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Token      string  `json:"token" yaml:"token"`
	ChatID     int64   `json:"chat_id" yaml:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
}
