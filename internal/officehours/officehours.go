// Package officehours expands the static weekly open-hours configuration
// into concrete dated unlock windows.
package officehours

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"doorsync/internal/statefile"
	"doorsync/internal/timewin"
)

// DayConfig is one weekday's entry: a free-form ranges string plus the
// doors it applies to.
type DayConfig struct {
	Ranges string   `json:"ranges"`
	Doors  []string `json:"doors"`
}

// Config is the operator-edited office-hours file.
type Config struct {
	Enabled  bool                 `json:"enabled"`
	Schedule map[string]DayConfig `json:"schedule"`
}

var days = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// DefaultConfig returns a disabled schedule with all days present.
func DefaultConfig() Config {
	sched := make(map[string]DayConfig, len(days))
	for _, d := range days {
		sched[d] = DayConfig{}
	}
	return Config{Enabled: false, Schedule: sched}
}

// Load reads the office-hours file, falling back to the default when the
// file is missing or unreadable. Office hours are advisory; a broken
// file disables them rather than failing the cycle.
func Load(path string) Config {
	cfg := DefaultConfig()
	if err := statefile.LoadOr(path, &cfg); err != nil {
		return DefaultConfig()
	}
	if cfg.Schedule == nil {
		cfg.Schedule = DefaultConfig().Schedule
	}
	return cfg
}

// Save validates then atomically writes the payload.
func Save(path string, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	return statefile.Save(path, cfg)
}

// Validate checks structural invariants before a dashboard write.
func Validate(cfg Config) error {
	if cfg.Schedule == nil {
		return fmt.Errorf("schedule: must be present")
	}
	for _, d := range days {
		if _, ok := cfg.Schedule[d]; !ok {
			return fmt.Errorf("schedule: missing day %q", d)
		}
	}
	return nil
}

// rangeToken matches "H", "HH", "H:MM" endpoints joined by - or en-dash.
var rangeToken = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*[-\x{2013}]\s*(\d{1,2})(?::(\d{2}))?$`)

// ParseRanges parses a comma- or semicolon-separated ranges string into
// local time ranges. Invalid tokens are silently dropped.
func ParseRanges(text string) []timewin.LocalRange {
	var out []timewin.LocalRange
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := rangeToken.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		sh, _ := strconv.Atoi(m[1])
		sm := atoiDefault(m[2], 0)
		eh, _ := strconv.Atoi(m[3])
		em := atoiDefault(m[4], 0)
		if sh > 23 || sm > 59 || eh > 23 || em > 59 {
			continue
		}
		out = append(out, timewin.LocalRange{
			Start: timewin.LocalTime{Hour: sh, Minute: sm},
			End:   timewin.LocalTime{Hour: eh, Minute: em},
		})
	}
	return out
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Expand walks every local date in [from, to] and emits UTC unlock
// intervals per door key for that weekday's configured ranges. A
// disabled config emits nothing.
func Expand(cfg Config, from, to time.Time, loc *time.Location) map[string][]timewin.Interval {
	out := make(map[string][]timewin.Interval)
	if !cfg.Enabled {
		return out
	}

	cur := from.In(loc)
	cur = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc)
	end := to.In(loc)

	for !cur.After(end) {
		day := cfg.Schedule[dayName(cur.Weekday())]
		ranges := ParseRanges(day.Ranges)
		if len(ranges) > 0 && len(day.Doors) > 0 {
			windows := timewin.WindowsFromDateAndLocalRanges(cur.Year(), cur.Month(), cur.Day(), ranges, loc)
			for _, key := range day.Doors {
				key = strings.TrimSpace(key)
				if key == "" {
					continue
				}
				out[key] = append(out[key], windows...)
			}
		}
		cur = cur.AddDate(0, 0, 1)
	}
	return out
}

func dayName(d time.Weekday) string {
	if d == time.Sunday {
		return "sunday"
	}
	return days[int(d)-1]
}
