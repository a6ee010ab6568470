package storage

import (
	"context"
	"errors"
	"strings"

	logx "shotsched/pkg/logx"
)

// Store persists capture run history.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first. An empty taskID
	// matches every task.
	RecentRuns(ctx context.Context, taskID string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "file", "jsonl", "sqlite", "sqlite3":
		return true
	}
	return false
}
