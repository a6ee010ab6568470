// Package capture turns a task into a screenshot file.
//
// An Action reports success as a bool. A false result or a non-nil error both
// mean the run failed; the engine records either as a failure and never
// retries.
package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shotsched/internal/tasks"
	logx "shotsched/pkg/logx"
)

const DefaultNavigationTimeout = 30 * time.Second

// Action captures one task.
type Action interface {
	Execute(ctx context.Context, t tasks.Task) (bool, error)
}

// Func adapts a function to Action.
type Func func(ctx context.Context, t tasks.Task) (bool, error)

func (f Func) Execute(ctx context.Context, t tasks.Task) (bool, error) { return f(ctx, t) }

// Config selects and tunes a driver.
//
// Driver values:
//   - "browser" (default): headless Chromium-family binary
//   - "noop": log the request and report success
type Config struct {
	Driver            string
	BrowserPath       string
	NavigationTimeout time.Duration
	// OutputDirectory is used for tasks without an output path.
	OutputDirectory string
	DefaultWidth    int
	DefaultHeight   int
}

// Open returns the configured driver.
func Open(cfg Config, log logx.Logger) (Action, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "browser", "chromium", "chrome":
		return NewBrowser(cfg, log)
	case "noop", "none":
		return Noop(log), nil
	default:
		return nil, errors.New("unknown capture driver: " + cfg.Driver)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "browser", "chromium", "chrome", "noop", "none":
		return true
	}
	return false
}

// Noop returns an action that only logs.
func Noop(log logx.Logger) Action {
	return Func(func(_ context.Context, t tasks.Task) (bool, error) {
		log.Info("capture (noop)", logx.Task(t.ID), logx.String("url", t.URL))
		return true, nil
	})
}

// FileName is "<task id>_<YYYYmmdd_HHMMSS>.png".
func FileName(taskID string, at time.Time) string {
	return taskID + "_" + at.Format("20060102_150405") + ".png"
}

// DefaultOutputDirectory is ~/Documents/Screenshots, or the working
// directory if the home directory is unknown.
func DefaultOutputDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, "Documents", "Screenshots")
}
