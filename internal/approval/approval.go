// Package approval gates events whose doors would unlock outside the
// configured safe hours. Held events wait in a pending queue until a
// human approves the event name or the occurrence passes.
package approval

import (
	"fmt"
	"strings"
	"time"

	"doorsync/internal/model"
	"doorsync/internal/statefile"
	"doorsync/internal/timewin"
)

// DayWindow is one weekday's safe range in local clock time.
type DayWindow struct {
	Start string `json:"startLocal"`
	End   string `json:"endLocal"`
}

// SafeHours maps lowercase weekday names to safe windows. Absent days
// fall back to 05:00–23:00.
type SafeHours struct {
	Days map[string]DayWindow `json:"days"`
}

var defaultWindow = DayWindow{Start: "05:00", End: "23:00"}

// LoadSafeHours reads the safe-hours file; a missing or unreadable file
// yields the defaults.
func LoadSafeHours(path string) SafeHours {
	sh := SafeHours{Days: map[string]DayWindow{}}
	if err := statefile.LoadOr(path, &sh); err != nil {
		return SafeHours{Days: map[string]DayWindow{}}
	}
	if sh.Days == nil {
		sh.Days = map[string]DayWindow{}
	}
	return sh
}

// SaveSafeHours validates then atomically writes the payload.
func SaveSafeHours(path string, sh SafeHours) error {
	if err := ValidateSafeHours(sh); err != nil {
		return err
	}
	return statefile.Save(path, sh)
}

// ValidateSafeHours checks weekday keys and HH:MM shapes.
func ValidateSafeHours(sh SafeHours) error {
	for day, w := range sh.Days {
		if !validDay(day) {
			return fmt.Errorf("safe hours: unknown weekday %q", day)
		}
		if _, err := parseClock(w.Start); err != nil {
			return fmt.Errorf("safe hours %s: startLocal: %v", day, err)
		}
		if _, err := parseClock(w.End); err != nil {
			return fmt.Errorf("safe hours %s: endLocal: %v", day, err)
		}
	}
	return nil
}

func validDay(day string) bool {
	for _, d := range model.WeekdayNames {
		if d == day {
			return true
		}
	}
	return false
}

// Window returns the effective safe window for a weekday.
func (sh SafeHours) Window(day string) DayWindow {
	if w, ok := sh.Days[day]; ok && w.Start != "" && w.End != "" {
		return w
	}
	return defaultWindow
}

func parseClock(s string) (timewin.LocalTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return timewin.LocalTime{}, fmt.Errorf("must be HH:MM")
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return timewin.LocalTime{}, fmt.Errorf("out of range")
	}
	return timewin.LocalTime{Hour: h, Minute: m}, nil
}

// ApprovedName is one persisted auto-approval record.
type ApprovedName struct {
	Name       string    `json:"name"`
	ApprovedAt time.Time `json:"approvedAt"`
}

type approvedFile struct {
	Names []ApprovedName `json:"names"`
}

// LoadApprovedNames returns the persisted records plus a lowercase
// membership set.
func LoadApprovedNames(path string) ([]ApprovedName, map[string]struct{}) {
	var f approvedFile
	if err := statefile.LoadOr(path, &f); err != nil {
		return nil, map[string]struct{}{}
	}
	set := make(map[string]struct{}, len(f.Names))
	for _, n := range f.Names {
		if key := strings.ToLower(strings.TrimSpace(n.Name)); key != "" {
			set[key] = struct{}{}
		}
	}
	return f.Names, set
}

// AddApprovedName appends a name (as given) if not already present.
func AddApprovedName(path, name string, now time.Time) error {
	names, set := LoadApprovedNames(path)
	if _, ok := set[strings.ToLower(strings.TrimSpace(name))]; ok {
		return nil
	}
	names = append(names, ApprovedName{Name: name, ApprovedAt: now})
	return statefile.Save(path, approvedFile{Names: names})
}

// RemoveApprovedName drops a name, case-insensitively.
func RemoveApprovedName(path, name string) error {
	names, _ := LoadApprovedNames(path)
	kept := names[:0:0]
	for _, n := range names {
		if !strings.EqualFold(strings.TrimSpace(n.Name), strings.TrimSpace(name)) {
			kept = append(kept, n)
		}
	}
	return statefile.Save(path, approvedFile{Names: kept})
}

// PendingEntry is one held event occurrence.
type PendingEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
	FlaggedAt time.Time `json:"flaggedAt"`
	Reason    string    `json:"reason"`
}

type pendingFile struct {
	Pending []PendingEntry `json:"pending"`
}

// LoadPending reads the queue; missing or unreadable files yield an
// empty queue.
func LoadPending(path string) []PendingEntry {
	var f pendingFile
	if err := statefile.LoadOr(path, &f); err != nil {
		return nil
	}
	return f.Pending
}

func savePending(path string, entries []PendingEntry) error {
	if entries == nil {
		entries = []PendingEntry{}
	}
	return statefile.Save(path, pendingFile{Pending: entries})
}

// Gate evaluates events against safe hours and approved names.
type Gate struct {
	SafeHoursPath     string
	ApprovedNamesPath string
	PendingPath       string
	Location          *time.Location
}

// Result is the outcome of one gate pass.
type Result struct {
	Passed       []model.Event
	NewlyFlagged []PendingEntry
	Pending      []PendingEntry
}

// Run splits events into passed and held. Newly held events are
// upserted into the pending queue; entries for events that now pass are
// cleared; entries whose occurrence has ended are pruned. The queue is
// persisted once when it changed.
func (g *Gate) Run(events []model.Event, now time.Time) (Result, error) {
	sh := LoadSafeHours(g.SafeHoursPath)
	_, approved := LoadApprovedNames(g.ApprovedNamesPath)
	pending := LoadPending(g.PendingPath)

	byID := make(map[string]int, len(pending))
	for i, p := range pending {
		byID[p.ID] = i
	}
	changed := false
	removed := make(map[string]struct{})

	clearPending := func(id string) {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			removed[id] = struct{}{}
			changed = true
		}
	}

	var res Result
	for _, evt := range events {
		if _, ok := approved[strings.ToLower(strings.TrimSpace(evt.Name))]; ok {
			clearPending(evt.ID)
			res.Passed = append(res.Passed, evt)
			continue
		}

		startLocal := evt.StartAt.In(g.Location)
		day := model.WeekdayName(startLocal.Weekday())
		w := sh.Window(day)
		safeStart, _ := parseClock(w.Start)
		safeEnd, _ := parseClock(w.End)
		minutes := startLocal.Hour()*60 + startLocal.Minute()

		if minutes >= safeStart.Minutes() && minutes <= safeEnd.Minutes() {
			clearPending(evt.ID)
			res.Passed = append(res.Passed, evt)
			continue
		}

		if _, held := byID[evt.ID]; held {
			continue
		}
		entry := PendingEntry{
			ID:        evt.ID,
			Name:      evt.Name,
			StartAt:   evt.StartAt,
			EndAt:     evt.EndAt,
			FlaggedAt: now,
			Reason: fmt.Sprintf("starts %02d:%02d local; outside safe window %s–%s",
				startLocal.Hour(), startLocal.Minute(), w.Start, w.End),
		}
		pending = append(pending, entry)
		byID[entry.ID] = len(pending) - 1
		res.NewlyFlagged = append(res.NewlyFlagged, entry)
		changed = true
	}

	kept := pending[:0:0]
	for _, p := range pending {
		if _, gone := removed[p.ID]; gone {
			continue
		}
		if p.EndAt.Before(now) {
			changed = true
			continue
		}
		kept = append(kept, p)
	}

	if changed {
		if err := savePending(g.PendingPath, kept); err != nil {
			return res, fmt.Errorf("persist pending approvals: %w", err)
		}
	}
	res.Pending = kept
	return res, nil
}

// Approve removes the entry and records its name (as flagged) in the
// approved-names list, making all future occurrences pass.
func (g *Gate) Approve(eventID string, now time.Time) (string, error) {
	pending := LoadPending(g.PendingPath)
	name := ""
	kept := pending[:0:0]
	for _, p := range pending {
		if p.ID == eventID {
			name = p.Name
			continue
		}
		kept = append(kept, p)
	}
	if name == "" {
		return "", fmt.Errorf("pending approval %q not found", eventID)
	}
	if err := savePending(g.PendingPath, kept); err != nil {
		return "", err
	}
	if err := AddApprovedName(g.ApprovedNamesPath, name, now); err != nil {
		return "", err
	}
	return name, nil
}

// Deny removes the entry. The next cycle re-evaluates the occurrence
// and may flag it again.
func (g *Gate) Deny(eventID string) error {
	pending := LoadPending(g.PendingPath)
	kept := pending[:0:0]
	found := false
	for _, p := range pending {
		if p.ID == eventID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("pending approval %q not found", eventID)
	}
	return savePending(g.PendingPath, kept)
}
