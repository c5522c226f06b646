// Package eventmemory keeps a rolling observation log of event names:
// when each was last seen and when it next occurs.
package eventmemory

import (
	"sort"
	"strings"
	"time"

	"doorsync/internal/model"
	"doorsync/internal/statefile"
)

const pruneAfter = 60 * 24 * time.Hour

// Entry is the remembered state for one event name.
type Entry struct {
	Name       string     `json:"name"`
	Building   string     `json:"building,omitempty"`
	Rooms      []string   `json:"rooms"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
	LastEndAt  *time.Time `json:"lastEndAt,omitempty"`
	NextAt     *time.Time `json:"nextAt"`
	NextEndAt  *time.Time `json:"nextEndAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Memory is the persisted file shape.
type Memory struct {
	Events    []Entry    `json:"events"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// Load reads the memory file; missing or unreadable files yield an
// empty memory.
func Load(path string) Memory {
	var m Memory
	if err := statefile.LoadOr(path, &m); err != nil {
		return Memory{}
	}
	return m
}

// Update folds the observed events of one sync window into the memory
// at path and persists the result atomically. All observed events are
// recorded, including ones held by the approval gate.
func Update(path string, events []model.Event, now time.Time) error {
	m := Load(path)

	entries := make(map[string]*Entry, len(m.Events))
	for i := range m.Events {
		key := strings.ToLower(strings.TrimSpace(m.Events[i].Name))
		if key != "" {
			entries[key] = &m.Events[i]
		}
	}

	// Expire next-occurrence pointers that have slipped into the past.
	for _, e := range entries {
		if e.NextAt != nil && e.NextAt.Before(now) {
			e.NextAt, e.NextEndAt = nil, nil
		}
	}

	for _, evt := range events {
		name := strings.TrimSpace(evt.Name)
		if name == "" || evt.StartAt.IsZero() {
			continue
		}
		key := strings.ToLower(name)

		e, ok := entries[key]
		if !ok {
			e = &Entry{Name: name, Building: evt.Building}
			entries[key] = e
		}

		start, end := evt.StartAt, evt.EndAt

		if start.Before(now) {
			if e.LastSeenAt == nil || start.After(*e.LastSeenAt) {
				e.LastSeenAt = timePtr(start)
				e.LastEndAt = timePtrOrNil(end)
			}
		} else {
			if e.NextAt == nil || start.Before(*e.NextAt) {
				e.NextAt = timePtr(start)
				e.NextEndAt = timePtrOrNil(end)
			}
		}

		for _, room := range observedRooms(evt) {
			if !contains(e.Rooms, room) {
				e.Rooms = append(e.Rooms, room)
			}
		}
		if e.Building == "" {
			e.Building = evt.Building
		}
		e.UpdatedAt = now
	}

	cutoff := now.Add(-pruneAfter)
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.NextAt != nil:
			kept = append(kept, *e)
		case e.LastSeenAt != nil && !e.LastSeenAt.Before(cutoff):
			kept = append(kept, *e)
		}
	}

	sortEntries(kept)

	m.Events = kept
	m.UpdatedAt = timePtr(now)
	return statefile.Save(path, m)
}

// sortEntries orders upcoming events first (soonest first), then past
// events by most recent observation.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if (a.NextAt != nil) != (b.NextAt != nil) {
			return a.NextAt != nil
		}
		if a.NextAt != nil {
			return a.NextAt.Before(*b.NextAt)
		}
		at, bt := time.Time{}, time.Time{}
		if a.LastSeenAt != nil {
			at = *a.LastSeenAt
		}
		if b.LastSeenAt != nil {
			bt = *b.LastSeenAt
		}
		return at.After(bt)
	})
}

func observedRooms(evt model.Event) []string {
	if len(evt.Rooms) > 0 {
		return evt.Rooms
	}
	if evt.Room != "" {
		return []string{evt.Room}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func timePtr(t time.Time) *time.Time { return &t }

func timePtrOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
