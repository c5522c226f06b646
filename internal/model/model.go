package model

import "time"

// Event is a single calendar booking instance inside the sync window,
// normalized from whichever upstream provider produced it. Times are UTC.
type Event struct {
	ID   string
	Name string

	// Room is the resource-booking room name when the upstream had one,
	// otherwise the raw location string. Rooms carries every booked room;
	// the builder expands multi-room events one emission per room.
	Room  string
	Rooms []string

	// LocationRaw is the unparsed location field. It feeds the optional
	// location filter and the building heuristic, never exclusion rules.
	LocationRaw string
	Building    string
	Address     string

	StartAt time.Time
	EndAt   time.Time
}

// Door is one physical door group on the access controller.
type Door struct {
	Key       string   `json:"-"`
	Label     string   `json:"label"`
	RemoteIDs []string `json:"unifiDoorIds"`
}

// DisplayItem is one (event, room, door) emission from the schedule
// builder, kept for preview surfaces.
type DisplayItem struct {
	EventID   string    `json:"sourceEventId"`
	Name      string    `json:"name"`
	Room      string    `json:"room"`
	DoorKey   string    `json:"doorKey"`
	DoorLabel string    `json:"doorLabel"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
	Source    string    `json:"source"` // "event", "override" or "officeHours"
}

// WeekdayNames lists weekday keys in the order used by every weekly
// structure in this repo: Monday first.
var WeekdayNames = []string{
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

// WeekdayName maps a time.Weekday to the lowercase key used in all
// persisted weekly structures.
func WeekdayName(d time.Weekday) string {
	if d == time.Sunday {
		return "sunday"
	}
	return WeekdayNames[int(d)-1]
}
