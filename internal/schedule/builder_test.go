package schedule

import (
	"reflect"
	"testing"
	"time"

	"doorsync/internal/mapping"
	"doorsync/internal/model"
	"doorsync/internal/overrides"
)

var buildNow = time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func testSnapshot() *mapping.Snapshot {
	return &mapping.Snapshot{
		Doors: map[string]model.Door{
			"front_lobby": {Key: "front_lobby", Label: "Front Lobby", RemoteIDs: []string{"d1"}},
			"rear_lobby":  {Key: "rear_lobby", Label: "Rear Lobby", RemoteIDs: []string{"d2"}},
			"gym_front":   {Key: "gym_front", Label: "Gym Front", RemoteIDs: []string{"d3"}},
		},
		Rooms: map[string][]string{
			"Sanctuary": {"front_lobby", "rear_lobby"},
			"Gym":       {"gym_front", "front_lobby"},
		},
		Defaults: mapping.Defaults{LeadMinutes: 15, LagMinutes: 15},
		Rules: mapping.Rules{
			ExcludeEventsByRoomContains: []string{"closet"},
		},
	}
}

func noOverrides() overrides.Set {
	return overrides.Set{Overrides: map[string]overrides.EventOverride{}}
}

func TestBuildDefaultLeadLag(t *testing.T) {
	// One Sunday service, no overrides: both mapped doors get the
	// event window padded by lead/lag.
	evt := model.Event{
		ID: "e1", Name: "Sunday Service", Room: "Sanctuary",
		StartAt: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC),
	}
	out := Build([]model.Event{evt}, testSnapshot(), noOverrides(), eastern(t), buildNow)

	wantStart := time.Date(2026, 3, 1, 13, 45, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 3, 1, 16, 15, 0, 0, time.UTC)
	for _, key := range []string{"front_lobby", "rear_lobby"} {
		windows := out.DoorWindows[key]
		if len(windows) != 1 {
			t.Fatalf("%s: expected one window, got %v", key, windows)
		}
		if !windows[0].Start.Equal(wantStart) || !windows[0].End.Equal(wantEnd) {
			t.Fatalf("%s: window = %v, want [%v, %v)", key, windows[0], wantStart, wantEnd)
		}
	}
	if len(out.Items) != 2 {
		t.Fatalf("expected 2 display items, got %d", len(out.Items))
	}
	for _, it := range out.Items {
		if it.Source != "event" {
			t.Fatalf("unexpected source %q", it.Source)
		}
		if !it.StartAt.Before(it.EndAt) {
			t.Fatalf("item start must precede end: %+v", it)
		}
	}
}

func TestBuildExplicitOverrideWindows(t *testing.T) {
	loc := eastern(t)
	ov := overrides.Set{Overrides: map[string]overrides.EventOverride{
		"junior high youth group": {DoorOverrides: map[string]overrides.DoorOverride{
			"gym_front": {Windows: []overrides.Window{
				{OpenTime: "18:40", CloseTime: "19:20"},
				{OpenTime: "21:15", CloseTime: "21:45"},
			}},
		}},
	}}
	// Local date 2026-02-21 Eastern.
	evt := model.Event{
		ID: "e2", Name: "Junior High Youth Group", Room: "Gym",
		StartAt: time.Date(2026, 2, 21, 19, 0, 0, 0, loc).UTC(),
		EndAt:   time.Date(2026, 2, 21, 21, 0, 0, 0, loc).UTC(),
	}
	out := Build([]model.Event{evt}, testSnapshot(), ov, loc, buildNow)

	gym := out.DoorWindows["gym_front"]
	if len(gym) != 2 {
		t.Fatalf("gym_front: expected two override windows, got %v", gym)
	}
	if got := gym[0].Start.In(loc); got.Hour() != 18 || got.Minute() != 40 {
		t.Fatalf("first window local start = %v", got)
	}
	if got := gym[1].End.In(loc); got.Hour() != 21 || got.Minute() != 45 {
		t.Fatalf("second window local end = %v", got)
	}

	// front_lobby is also mapped for Gym but has no override: default
	// lead/lag applies.
	lobby := out.DoorWindows["front_lobby"]
	if len(lobby) != 1 {
		t.Fatalf("front_lobby: expected one window, got %v", lobby)
	}
	if !lobby[0].Start.Equal(evt.StartAt.Add(-15 * time.Minute)) {
		t.Fatalf("front_lobby start = %v", lobby[0].Start)
	}
}

func TestBuildSuppressionEmitsNothingForDoor(t *testing.T) {
	loc := eastern(t)
	ov := overrides.Set{Overrides: map[string]overrides.EventOverride{
		"junior high youth group": {DoorOverrides: map[string]overrides.DoorOverride{
			"front_lobby": {Windows: []overrides.Window{}},
		}},
	}}
	evt := model.Event{
		ID: "e3", Name: "Junior High Youth Group", Room: "Gym",
		StartAt: time.Date(2026, 2, 21, 19, 0, 0, 0, loc).UTC(),
		EndAt:   time.Date(2026, 2, 21, 21, 0, 0, 0, loc).UTC(),
	}
	out := Build([]model.Event{evt}, testSnapshot(), ov, loc, buildNow)

	if _, ok := out.DoorWindows["front_lobby"]; ok {
		t.Fatalf("front_lobby must have no windows, got %v", out.DoorWindows["front_lobby"])
	}
	if len(out.DoorWindows["gym_front"]) != 1 {
		t.Fatalf("gym_front should keep its default window: %v", out.DoorWindows)
	}
}

func TestBuildOverrideCloseRollsToNextDay(t *testing.T) {
	loc := eastern(t)
	ov := overrides.Set{Overrides: map[string]overrides.EventOverride{
		"lock-in": {DoorOverrides: map[string]overrides.DoorOverride{
			"gym_front": {Windows: []overrides.Window{{OpenTime: "22:00", CloseTime: "01:00"}}},
		}},
	}}
	evt := model.Event{
		ID: "e4", Name: "Lock-In", Room: "Gym",
		StartAt: time.Date(2026, 2, 21, 22, 30, 0, 0, loc).UTC(),
		EndAt:   time.Date(2026, 2, 22, 1, 0, 0, 0, loc).UTC(),
	}
	out := Build([]model.Event{evt}, testSnapshot(), ov, loc, buildNow)
	gym := out.DoorWindows["gym_front"]
	if len(gym) != 1 {
		t.Fatalf("expected one window, got %v", gym)
	}
	if got := gym[0].End.Sub(gym[0].Start); got != 3*time.Hour {
		t.Fatalf("rollover window duration = %v, want 3h", got)
	}
}

func TestBuildRoomExclusionSkipsEvent(t *testing.T) {
	evt := model.Event{
		ID: "e5", Name: "Inventory", Room: "Supply Closet",
		StartAt: buildNow.Add(time.Hour), EndAt: buildNow.Add(2 * time.Hour),
	}
	out := Build([]model.Event{evt}, testSnapshot(), noOverrides(), time.UTC, buildNow)
	if len(out.Items) != 0 || len(out.DoorWindows) != 0 {
		t.Fatalf("excluded room produced output: %+v", out)
	}
}

func TestBuildDoorExclusionByEventName(t *testing.T) {
	snap := testSnapshot()
	snap.Rules.ExcludeDoorKeysByEventName = []mapping.ExcludeRule{
		{Substr: "youth", DoorKeys: []string{"front_lobby"}},
	}
	evt := model.Event{
		ID: "e6", Name: "Youth Group", Room: "Gym",
		StartAt: buildNow.Add(time.Hour), EndAt: buildNow.Add(2 * time.Hour),
	}
	out := Build([]model.Event{evt}, snap, noOverrides(), time.UTC, buildNow)
	if _, ok := out.DoorWindows["front_lobby"]; ok {
		t.Fatal("front_lobby should be excluded by event name rule")
	}
	if _, ok := out.DoorWindows["gym_front"]; !ok {
		t.Fatal("gym_front should remain")
	}
}

func TestBuildMergesOverlappingEvents(t *testing.T) {
	events := []model.Event{
		{ID: "a", Name: "First", Room: "Sanctuary", StartAt: buildNow.Add(time.Hour), EndAt: buildNow.Add(2 * time.Hour)},
		{ID: "b", Name: "Second", Room: "Sanctuary", StartAt: buildNow.Add(90 * time.Minute), EndAt: buildNow.Add(3 * time.Hour)},
	}
	out := Build(events, testSnapshot(), noOverrides(), time.UTC, buildNow)
	if got := len(out.DoorWindows["front_lobby"]); got != 1 {
		t.Fatalf("expected overlapping windows merged, got %d", got)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	events := []model.Event{
		{ID: "b", Name: "Second", Room: "Gym", StartAt: buildNow.Add(time.Hour), EndAt: buildNow.Add(2 * time.Hour)},
		{ID: "a", Name: "First", Room: "Sanctuary", StartAt: buildNow.Add(time.Hour), EndAt: buildNow.Add(2 * time.Hour)},
	}
	first := Build(events, testSnapshot(), noOverrides(), time.UTC, buildNow)

	// Reversed input order must not change the output.
	reversed := []model.Event{events[1], events[0]}
	second := Build(reversed, testSnapshot(), noOverrides(), time.UTC, buildNow)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("build not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestBuildDropsEventsWithBadTimes(t *testing.T) {
	events := []model.Event{
		{ID: "x", Name: "Broken", Room: "Sanctuary", StartAt: buildNow.Add(2 * time.Hour), EndAt: buildNow.Add(time.Hour)},
		{ID: "y", Name: "Zero", Room: "Sanctuary"},
	}
	out := Build(events, testSnapshot(), noOverrides(), time.UTC, buildNow)
	if len(out.Items) != 0 {
		t.Fatalf("invalid events produced items: %v", out.Items)
	}
}

func TestBuildMultiRoomEventExpandsPerRoom(t *testing.T) {
	evt := model.Event{
		ID: "e7", Name: "All Campus", Room: "Sanctuary", Rooms: []string{"Sanctuary", "Gym"},
		StartAt: buildNow.Add(time.Hour), EndAt: buildNow.Add(2 * time.Hour),
	}
	out := Build([]model.Event{evt}, testSnapshot(), noOverrides(), time.UTC, buildNow)
	for _, key := range []string{"front_lobby", "rear_lobby", "gym_front"} {
		if _, ok := out.DoorWindows[key]; !ok {
			t.Fatalf("expected window for %s, got %v", key, out.DoorWindows)
		}
	}
}
