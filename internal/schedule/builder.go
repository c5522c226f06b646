// Package schedule turns an event stream into per-door unlock windows.
// Build is pure: equal inputs always produce identical output.
package schedule

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"doorsync/internal/mapping"
	"doorsync/internal/model"
	"doorsync/internal/overrides"
	"doorsync/internal/timewin"
)

// Desired is the computed unlock plan for one sync window.
type Desired struct {
	GeneratedAt time.Time                     `json:"generatedAt"`
	Items       []model.DisplayItem           `json:"items"`
	DoorWindows map[string][]timewin.Interval `json:"doorWindows"`
}

// Build projects events onto door unlock intervals using the mapping,
// per-event overrides, and default lead/lag. Enumeration order is made
// stable by sorting events and door-window keys, so the output is
// deterministic regardless of upstream ordering.
func Build(events []model.Event, snap *mapping.Snapshot, ov overrides.Set, loc *time.Location, now time.Time) Desired {
	out := Desired{
		GeneratedAt: now,
		Items:       []model.DisplayItem{},
		DoorWindows: map[string][]timewin.Interval{},
	}
	if snap == nil {
		return out
	}

	sorted := make([]model.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StartAt.Equal(sorted[j].StartAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].StartAt.Before(sorted[j].StartAt)
	})

	raw := map[string][]timewin.Interval{}

	for _, evt := range sorted {
		if evt.StartAt.IsZero() || evt.EndAt.IsZero() || !evt.StartAt.Before(evt.EndAt) {
			continue
		}
		if snap.EventExcludedByRoom(evt.Room) {
			continue
		}

		for _, room := range eventRooms(evt) {
			doorKeys, ok := snap.Rooms[room]
			if !ok {
				continue
			}
			for _, key := range doorKeys {
				door, ok := snap.Doors[key]
				if !ok {
					continue
				}
				if snap.DoorExcludedForEvent(evt.Name, key) {
					continue
				}

				class, windows := ov.Find(evt.Name, key)
				switch class {
				case overrides.Suppress:
					continue
				case overrides.Explicit:
					for _, w := range windows {
						iv, ok := overrideInterval(evt, w, loc)
						if !ok {
							continue
						}
						raw[key] = append(raw[key], iv)
						out.Items = append(out.Items, item(evt, room, door, iv, "override"))
					}
				default:
					iv := timewin.Interval{
						Start: evt.StartAt.Add(-time.Duration(snap.Defaults.LeadMinutes) * time.Minute),
						End:   evt.EndAt.Add(time.Duration(snap.Defaults.LagMinutes) * time.Minute),
					}
					raw[key] = append(raw[key], iv)
					out.Items = append(out.Items, item(evt, room, door, iv, "event"))
				}
			}
		}
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.DoorWindows[k] = timewin.Merge(raw[k])
	}
	return out
}

// eventRooms lists the rooms an event occupies, deduplicated in
// observed order, falling back to the single room field.
func eventRooms(evt model.Event) []string {
	candidates := evt.Rooms
	if len(candidates) == 0 && evt.Room != "" {
		candidates = []string{evt.Room}
	}
	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0:0]
	for _, r := range candidates {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// overrideInterval anchors an override window's clock times to the
// event's local start date. A close time at or before the open time
// rolls to the next day.
func overrideInterval(evt model.Event, w overrides.Window, loc *time.Location) (timewin.Interval, bool) {
	open, ok := parseHHMM(w.OpenTime)
	if !ok {
		return timewin.Interval{}, false
	}
	cls, ok := parseHHMM(w.CloseTime)
	if !ok {
		return timewin.Interval{}, false
	}
	startLocal := evt.StartAt.In(loc)
	ivs := timewin.WindowsFromDateAndLocalRanges(
		startLocal.Year(), startLocal.Month(), startLocal.Day(),
		[]timewin.LocalRange{{Start: open, End: cls}}, loc)
	if len(ivs) == 0 {
		return timewin.Interval{}, false
	}
	return ivs[0], true
}

func parseHHMM(s string) (timewin.LocalTime, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return timewin.LocalTime{}, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return timewin.LocalTime{}, false
	}
	return timewin.LocalTime{Hour: h, Minute: m}, true
}

func item(evt model.Event, room string, door model.Door, iv timewin.Interval, source string) model.DisplayItem {
	return model.DisplayItem{
		EventID:   evt.ID,
		Name:      evt.Name,
		Room:      room,
		DoorKey:   door.Key,
		DoorLabel: door.Label,
		StartAt:   iv.Start,
		EndAt:     iv.End,
		Source:    source,
	}
}
