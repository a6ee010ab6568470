package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Preset names accepted by PresetSpec.
const (
	PresetEveryMinute = "every-minute"
	PresetHourly      = "hourly"
	PresetDaily       = "daily"
	PresetWeekly      = "weekly"
	PresetCustom      = "custom"
)

// Presets lists the accepted preset names in display order.
var Presets = []string{PresetEveryMinute, PresetHourly, PresetDaily, PresetWeekly, PresetCustom}

func EveryMinute() CronSpec { return MustParseCron("* * * * *") }

func Hourly() CronSpec { return MustParseCron("0 * * * *") }

// Daily fires once a day at hour:minute.
func Daily(hour, minute int) (CronSpec, error) {
	return ParseCron(fmt.Sprintf("%d %d * * *", minute, hour))
}

// Weekly fires once a week on dow (Sunday=0) at hour:minute.
func Weekly(dow time.Weekday, hour, minute int) (CronSpec, error) {
	return ParseCron(fmt.Sprintf("%d %d * * %d", minute, hour, int(dow)))
}

// DailyAt is Daily with an "HH:MM" string.
func DailyAt(hhmm string) (CronSpec, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return CronSpec{}, err
	}
	return Daily(h, m)
}

// PresetSpec maps a preset name to a schedule. hhmm is only read for
// "custom", which fires daily at that time.
func PresetSpec(name, hhmm string) (CronSpec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetEveryMinute:
		return EveryMinute(), nil
	case PresetHourly, "":
		return Hourly(), nil
	case PresetDaily:
		return Daily(0, 0)
	case PresetWeekly:
		return Weekly(time.Sunday, 0, 0)
	case PresetCustom:
		return DailyAt(hhmm)
	default:
		return CronSpec{}, fmt.Errorf("unknown preset %q (want one of %s)", name, strings.Join(Presets, ", "))
	}
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
