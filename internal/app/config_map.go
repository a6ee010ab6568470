package app

import (
	"fmt"
	"strings"
	"time"

	"shotsched/internal/capture"
	"shotsched/internal/config"
	"shotsched/internal/notifier"
	"shotsched/internal/storage"
	"shotsched/internal/task/engine"
	"shotsched/internal/task/scheduler"
	logx "shotsched/pkg/logx"
)

const defaultDrainTimeout = 30 * time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, scheduler.DefaultTick)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tick < time.Second {
		return scheduler.Config{}, fmt.Errorf("scheduler.tick must be >= 1s, got %s", tick)
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Disabled: !cfg.Scheduler.IsEnabled(), Tick: tick, Timezone: tz}, nil
}

func mapDrainTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.drain_timeout", cfg.Scheduler.DrainTimeout, defaultDrainTimeout)
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg.Engine == nil {
		return engine.Config{}, nil
	}
	if cfg.Engine.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	}
	return engine.Config{HistorySize: cfg.Engine.HistorySize}, nil
}

func mapCaptureConfig(cfg *config.Config) (capture.Config, error) {
	cc := cfg.Capture
	if !capture.ValidDriver(cc.Driver) {
		return capture.Config{}, fmt.Errorf("unknown capture.driver: %s", cc.Driver)
	}
	nav, err := config.ParseDurationOrDefault("capture.navigation_timeout", cc.NavigationTimeout, capture.DefaultNavigationTimeout)
	if err != nil {
		return capture.Config{}, err
	}
	if cc.DefaultWidth < 0 || cc.DefaultHeight < 0 {
		return capture.Config{}, fmt.Errorf("capture.default_width/default_height must be >= 0")
	}
	return capture.Config{
		Driver:            strings.TrimSpace(cc.Driver),
		BrowserPath:       strings.TrimSpace(cc.BrowserPath),
		NavigationTimeout: nav,
		OutputDirectory:   strings.TrimSpace(cc.OutputDirectory),
		DefaultWidth:      cc.DefaultWidth,
		DefaultHeight:     cc.DefaultHeight,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, string, error) {
	n := cfg.Notifier
	if n == nil || !n.Enabled {
		return notifier.Config{}, "", nil
	}
	token := strings.TrimSpace(n.Token)
	if token == "" {
		return notifier.Config{}, "", fmt.Errorf("notifier.token is required when notifier.enabled=true")
	}
	if n.ChatID == 0 {
		return notifier.Config{}, "", fmt.Errorf("notifier.chat_id is required when notifier.enabled=true")
	}
	if n.RatePerSec < 0 {
		return notifier.Config{}, "", fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	return notifier.Config{
		Enabled:     true,
		ChatID:      n.ChatID,
		ThreadID:    n.ThreadID,
		RatePerSec:  n.RatePerSec,
		RetryMax:    2,
		DedupWindow: time.Minute,
	}, token, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(strings.TrimSpace(driver))
	switch dl {
	case "file", "jsonl":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", dl)
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// validateConfig rejects a hot reload that could not be applied. Individual
// bad tasks are not fatal here; Sync skips and logs them.
func validateConfig(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDrainTimeout(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCaptureConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
