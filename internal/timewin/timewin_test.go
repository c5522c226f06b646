package timewin

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func utc(y int, mo time.Month, d, h, mi int) time.Time {
	return time.Date(y, mo, d, h, mi, 0, 0, time.UTC)
}

func TestMergeOverlappingAndTouching(t *testing.T) {
	in := []Interval{
		{Start: utc(2026, 3, 1, 14, 0), End: utc(2026, 3, 1, 16, 0)},
		{Start: utc(2026, 3, 1, 15, 0), End: utc(2026, 3, 1, 17, 0)},
		{Start: utc(2026, 3, 1, 17, 0), End: utc(2026, 3, 1, 18, 0)}, // touching
		{Start: utc(2026, 3, 1, 20, 0), End: utc(2026, 3, 1, 21, 0)},
	}
	out := Merge(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 merged intervals, got %d: %v", len(out), out)
	}
	if !out[0].Start.Equal(utc(2026, 3, 1, 14, 0)) || !out[0].End.Equal(utc(2026, 3, 1, 18, 0)) {
		t.Fatalf("unexpected first interval: %v", out[0])
	}
	if !out[1].Start.Equal(utc(2026, 3, 1, 20, 0)) {
		t.Fatalf("unexpected second interval: %v", out[1])
	}
}

func TestMergeOutputSortedNonOverlapping(t *testing.T) {
	in := []Interval{
		{Start: utc(2026, 1, 3, 10, 0), End: utc(2026, 1, 3, 11, 0)},
		{Start: utc(2026, 1, 1, 10, 0), End: utc(2026, 1, 1, 11, 0)},
		{Start: utc(2026, 1, 2, 10, 0), End: utc(2026, 1, 2, 11, 0)},
	}
	out := Merge(in)
	for i := 1; i < len(out); i++ {
		if !out[i-1].End.Before(out[i].Start) && !out[i-1].End.Equal(out[i].Start) {
			t.Fatalf("intervals overlap or unsorted at %d: %v", i, out)
		}
		if out[i].Start.Before(out[i-1].Start) {
			t.Fatalf("output unsorted at %d: %v", i, out)
		}
	}
}

func TestMergeDropsInvalid(t *testing.T) {
	in := []Interval{
		{Start: utc(2026, 1, 1, 10, 0), End: utc(2026, 1, 1, 10, 0)},
		{Start: utc(2026, 1, 1, 12, 0), End: utc(2026, 1, 1, 11, 0)},
	}
	if out := Merge(in); out != nil {
		t.Fatalf("expected nil output, got %v", out)
	}
}

func TestMergePreservesCoveredDuration(t *testing.T) {
	in := []Interval{
		{Start: utc(2026, 2, 1, 9, 0), End: utc(2026, 2, 1, 11, 0)},
		{Start: utc(2026, 2, 1, 10, 0), End: utc(2026, 2, 1, 12, 0)},
		{Start: utc(2026, 2, 1, 15, 0), End: utc(2026, 2, 1, 16, 0)},
	}
	out := Merge(in)
	var total time.Duration
	for _, iv := range out {
		total += iv.End.Sub(iv.Start)
	}
	if total != 4*time.Hour {
		t.Fatalf("union duration = %v, want 4h", total)
	}
}

func TestProjectWeeklyGroupsByLocalWeekday(t *testing.T) {
	eastern := mustLoc(t, "America/New_York")
	// 2026-03-01 is a Sunday; 14:00Z is 09:00 EST.
	out := ProjectWeekly([]Interval{
		{Start: utc(2026, 3, 1, 14, 0), End: utc(2026, 3, 1, 16, 0)},
	}, eastern)

	sunday := out["sunday"]
	if len(sunday) != 1 {
		t.Fatalf("expected one sunday range, got %v", out)
	}
	if sunday[0].Start != (LocalTime{Hour: 9}) || sunday[0].End != (LocalTime{Hour: 11}) {
		t.Fatalf("unexpected sunday range: %+v", sunday[0])
	}
}

func TestProjectWeeklySplitsAtMidnight(t *testing.T) {
	eastern := mustLoc(t, "America/New_York")
	// 2026-02-21 (Saturday) 23:00 EST → 2026-02-22 01:00 EST.
	start := time.Date(2026, 2, 21, 23, 0, 0, 0, eastern).UTC()
	end := time.Date(2026, 2, 22, 1, 0, 0, 0, eastern).UTC()

	out := ProjectWeekly([]Interval{{Start: start, End: end}}, eastern)

	sat := out["saturday"]
	if len(sat) != 1 || sat[0].Start != (LocalTime{Hour: 23}) || sat[0].End != (LocalTime{Hour: 24}) {
		t.Fatalf("unexpected saturday ranges: %+v", sat)
	}
	sun := out["sunday"]
	if len(sun) != 1 || sun[0].Start != (LocalTime{Hour: 0}) || sun[0].End != (LocalTime{Hour: 1}) {
		t.Fatalf("unexpected sunday ranges: %+v", sun)
	}
}

func TestProjectWeeklyMergesWithinDay(t *testing.T) {
	out := ProjectWeekly([]Interval{
		{Start: utc(2026, 3, 2, 9, 0), End: utc(2026, 3, 2, 11, 0)},
		{Start: utc(2026, 3, 2, 10, 0), End: utc(2026, 3, 2, 12, 0)},
	}, time.UTC)
	monday := out["monday"]
	if len(monday) != 1 || monday[0].End != (LocalTime{Hour: 12}) {
		t.Fatalf("expected one merged monday range, got %+v", monday)
	}
}

func TestWindowsFromDateAndLocalRanges(t *testing.T) {
	eastern := mustLoc(t, "America/New_York")
	ivs := WindowsFromDateAndLocalRanges(2026, time.February, 21, []LocalRange{
		{Start: LocalTime{Hour: 18, Minute: 40}, End: LocalTime{Hour: 19, Minute: 20}},
	}, eastern)
	if len(ivs) != 1 {
		t.Fatalf("expected one interval, got %d", len(ivs))
	}
	wantStart := time.Date(2026, 2, 21, 18, 40, 0, 0, eastern).UTC()
	if !ivs[0].Start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", ivs[0].Start, wantStart)
	}
}

func TestWindowsRollOverMidnight(t *testing.T) {
	ivs := WindowsFromDateAndLocalRanges(2026, time.March, 1, []LocalRange{
		{Start: LocalTime{Hour: 22}, End: LocalTime{Hour: 1}},
	}, time.UTC)
	if len(ivs) != 1 {
		t.Fatalf("expected one interval, got %d", len(ivs))
	}
	if got := ivs[0].End.Sub(ivs[0].Start); got != 3*time.Hour {
		t.Fatalf("rollover duration = %v, want 3h", got)
	}
}
