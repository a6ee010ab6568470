package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "shotsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the ids of tasks that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oSch, nSch := oldCfg.Scheduler, newCfg.Scheduler
	if oSch.IsEnabled() != nSch.IsEnabled() ||
		strings.TrimSpace(oSch.Tick) != strings.TrimSpace(nSch.Tick) ||
		strings.TrimSpace(oSch.Timezone) != strings.TrimSpace(nSch.Timezone) ||
		strings.TrimSpace(oSch.DrainTimeout) != strings.TrimSpace(nSch.DrainTimeout) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", nSch.IsEnabled()),
			logx.String("scheduler.tick", strings.TrimSpace(nSch.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(nSch.Timezone)),
			logx.String("scheduler.drain_timeout", strings.TrimSpace(nSch.DrainTimeout)),
		)
	}

	oE, nE := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if oE != nE {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.Int("engine.history_size", nE.HistorySize))
	}

	if oldCfg.Capture != newCfg.Capture {
		changed = append(changed, "capture")
		attrs = append(attrs,
			logx.String("capture.driver", strings.TrimSpace(newCfg.Capture.Driver)),
			logx.Bool("capture.browser_path_set", strings.TrimSpace(newCfg.Capture.BrowserPath) != ""),
			logx.String("capture.navigation_timeout", strings.TrimSpace(newCfg.Capture.NavigationTimeout)),
		)
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Notifier (never log token)
	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Bool("notifier.chat_set", nN.ChatID != 0),
			logx.Any("notifier.rate_per_sec", nN.RatePerSec),
		)
	}

	taskChanged := diffTasks(oldCfg, newCfg)
	if len(taskChanged) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.changed_count", len(taskChanged)),
			logx.Int("tasks.count", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func diffTasks(oldCfg, newCfg *Config) []string {
	set := map[string]struct{}{}
	oldM := make(map[string]int, len(oldCfg.Tasks))
	for i, t := range oldCfg.Tasks {
		oldM[t.ID] = i
		set[t.ID] = struct{}{}
	}
	newM := make(map[string]int, len(newCfg.Tasks))
	for i, t := range newCfg.Tasks {
		newM[t.ID] = i
		set[t.ID] = struct{}{}
	}

	out := make([]string, 0)
	for id := range set {
		oi, inOld := oldM[id]
		ni, inNew := newM[id]
		if inOld != inNew || !oldCfg.Tasks[oi].Equal(newCfg.Tasks[ni]) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
