// Package timewin holds the half-open UTC interval primitives every
// schedule computation in this repo is built on.
package timewin

import (
	"sort"
	"time"

	"doorsync/internal/model"
)

// Interval is a half-open [Start, End) range of UTC instants.
type Interval struct {
	Start time.Time `json:"openStart"`
	End   time.Time `json:"openEnd"`
}

// LocalRange is a clock-time range within one local day, HH:MM precision.
type LocalRange struct {
	Start LocalTime `json:"start"`
	End   LocalTime `json:"end"`
}

// LocalTime is a wall-clock time of day.
type LocalTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Minutes returns the time of day as minutes since midnight.
func (t LocalTime) Minutes() int { return t.Hour*60 + t.Minute }

// Before reports whether t is strictly earlier in the day than u.
func (t LocalTime) Before(u LocalTime) bool { return t.Minutes() < u.Minutes() }

// Merge sorts intervals by start and merges every overlapping or touching
// pair, so the result is sorted, non-overlapping, and covers exactly the
// union of the inputs. Zero-length and inverted inputs are dropped.
func Merge(intervals []Interval) []Interval {
	in := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.Start.Before(iv.End) {
			in = append(in, iv)
		}
	}
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Start.Equal(in[j].Start) {
			return in[i].End.Before(in[j].End)
		}
		return in[i].Start.Before(in[j].Start)
	})

	out := []Interval{in[0]}
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// ProjectWeekly collapses UTC intervals onto a weekly grid of local-time
// ranges in loc. An interval crossing local midnight is split at each
// midnight boundary; every piece lands on the weekday of its local start.
// Per-day output is merged and sorted.
func ProjectWeekly(intervals []Interval, loc *time.Location) map[string][]LocalRange {
	raw := make(map[string][]LocalRange)

	for _, iv := range intervals {
		start := iv.Start.In(loc)
		end := iv.End.In(loc)

		for start.Before(end) {
			dayEnd := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			segEnd := end
			if dayEnd.Before(end) {
				segEnd = dayEnd
			}

			day := model.WeekdayName(start.Weekday())
			r := LocalRange{
				Start: LocalTime{Hour: start.Hour(), Minute: start.Minute()},
				End:   LocalTime{Hour: segEnd.Hour(), Minute: segEnd.Minute()},
			}
			// A segment running to exactly midnight reads as 24:00, not 00:00.
			if segEnd.Equal(dayEnd) {
				r.End = LocalTime{Hour: 24, Minute: 0}
			}
			raw[day] = append(raw[day], r)

			start = segEnd
		}
	}

	out := make(map[string][]LocalRange, len(raw))
	for day, ranges := range raw {
		out[day] = mergeLocalRanges(ranges)
	}
	return out
}

func mergeLocalRanges(ranges []LocalRange) []LocalRange {
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Start.Minutes() == ranges[j].Start.Minutes() {
			return ranges[i].End.Minutes() < ranges[j].End.Minutes()
		}
		return ranges[i].Start.Minutes() < ranges[j].Start.Minutes()
	})

	out := ranges[:0:0]
	for _, r := range ranges {
		if r.End.Minutes() <= r.Start.Minutes() {
			continue
		}
		if len(out) > 0 && r.Start.Minutes() <= out[len(out)-1].End.Minutes() {
			if r.End.Minutes() > out[len(out)-1].End.Minutes() {
				out[len(out)-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// WindowsFromDateAndLocalRanges anchors clock-time ranges to the given
// local calendar date in loc, producing UTC intervals. A close time at or
// before the open time rolls over to the next day.
func WindowsFromDateAndLocalRanges(year int, month time.Month, day int, ranges []LocalRange, loc *time.Location) []Interval {
	out := make([]Interval, 0, len(ranges))
	for _, r := range ranges {
		start := time.Date(year, month, day, r.Start.Hour, r.Start.Minute, 0, 0, loc)
		end := time.Date(year, month, day, r.End.Hour, r.End.Minute, 0, 0, loc)
		if !end.After(start) {
			end = end.AddDate(0, 0, 1)
		}
		out = append(out, Interval{Start: start.UTC(), End: end.UTC()})
	}
	return out
}
