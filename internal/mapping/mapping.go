// Package mapping owns the operator-edited room→door configuration and
// its validation. The store keeps the last good snapshot so a bad edit
// never stops the sync loop.
package mapping

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"doorsync/internal/model"
	"doorsync/internal/statefile"
)

// Defaults carries the lead/lag applied to events without an override.
type Defaults struct {
	LeadMinutes int `json:"unlockLeadMinutes"`
	LagMinutes  int `json:"unlockLagMinutes"`
}

// ExcludeRule strips door keys from events whose name contains Substr.
type ExcludeRule struct {
	Substr   string   `json:"eventNameContains"`
	DoorKeys []string `json:"doorKeys"`
}

// Rules groups the two exclusion mechanisms.
type Rules struct {
	ExcludeDoorKeysByEventName  []ExcludeRule `json:"excludeDoorKeysByEventName"`
	ExcludeEventsByRoomContains []string      `json:"excludeEventsByRoomContains"`
}

// Snapshot is an immutable, validated view of the mapping file.
type Snapshot struct {
	Doors    map[string]model.Door `json:"doors"`
	Rooms    map[string][]string   `json:"rooms"`
	Defaults Defaults              `json:"defaults"`
	Rules    Rules                 `json:"rules"`
}

// DoorKeys returns all configured door keys sorted lexicographically.
func (s *Snapshot) DoorKeys() []string {
	keys := make([]string, 0, len(s.Doors))
	for k := range s.Doors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DoorExcludedForEvent reports whether doorKey is stripped for an event
// with the given name. Matching is case-insensitive substring on the
// event name.
func (s *Snapshot) DoorExcludedForEvent(eventName, doorKey string) bool {
	name := strings.ToLower(strings.TrimSpace(eventName))
	if name == "" {
		return false
	}
	for _, rule := range s.Rules.ExcludeDoorKeysByEventName {
		needle := strings.ToLower(strings.TrimSpace(rule.Substr))
		if needle == "" || !strings.Contains(name, needle) {
			continue
		}
		for _, k := range rule.DoorKeys {
			if strings.TrimSpace(k) == doorKey {
				return true
			}
		}
	}
	return false
}

// EventExcludedByRoom reports whether the event's room matches any
// case-insensitive room-substring exclusion. Only the room field is
// consulted, never the raw location.
func (s *Snapshot) EventExcludedByRoom(room string) bool {
	hay := strings.ToLower(strings.TrimSpace(room))
	if hay == "" {
		return false
	}
	for _, sub := range s.Rules.ExcludeEventsByRoomContains {
		needle := strings.ToLower(strings.TrimSpace(sub))
		if needle != "" && strings.Contains(hay, needle) {
			return true
		}
	}
	return false
}

// fileSchema mirrors the on-disk JSON.
type fileSchema struct {
	Doors    map[string]doorSchema `json:"doors"`
	Rooms    map[string][]string   `json:"rooms"`
	Defaults Defaults              `json:"defaults"`
	Rules    Rules                 `json:"rules"`
}

type doorSchema struct {
	Label        string   `json:"label"`
	UnifiDoorIDs []string `json:"unifiDoorIds"`
}

// Store loads and validates mapping snapshots.
type Store struct {
	path string

	mu       sync.Mutex
	lastGood *Snapshot
}

// NewStore creates a mapping store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads, parses and validates the mapping file. On failure it
// returns the last good snapshot (if any) along with the error so the
// caller can proceed and record a recoverable problem.
func (st *Store) Load() (*Snapshot, error) {
	var raw fileSchema
	if err := statefile.Load(st.path, &raw); err != nil {
		return st.fallback(fmt.Errorf("read mapping: %w", err))
	}

	snap, err := buildSnapshot(raw)
	if err != nil {
		return st.fallback(err)
	}

	st.mu.Lock()
	st.lastGood = snap
	st.mu.Unlock()
	return snap, nil
}

func (st *Store) fallback(err error) (*Snapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastGood, err
}

// Validate checks a prospective mapping payload before the dashboard
// writes it. Errors name the offending field.
func Validate(raw map[string]any) error {
	data, ok := rawToSchema(raw)
	if !ok {
		return fmt.Errorf("mapping payload must be a JSON object with doors/rooms/defaults")
	}
	_, err := buildSnapshot(data)
	return err
}

// Save validates then atomically writes the payload.
func (st *Store) Save(raw map[string]any) error {
	if err := Validate(raw); err != nil {
		return err
	}
	return statefile.Save(st.path, raw)
}

func rawToSchema(raw map[string]any) (fileSchema, bool) {
	// Round-trip through JSON keeps the validation rules in one place.
	var out fileSchema
	data, err := json.Marshal(raw)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

func buildSnapshot(raw fileSchema) (*Snapshot, error) {
	snap := &Snapshot{
		Doors:    make(map[string]model.Door, len(raw.Doors)),
		Rooms:    raw.Rooms,
		Defaults: raw.Defaults,
		Rules:    raw.Rules,
	}
	if snap.Rooms == nil {
		snap.Rooms = map[string][]string{}
	}
	if snap.Defaults.LeadMinutes == 0 && snap.Defaults.LagMinutes == 0 {
		snap.Defaults = Defaults{LeadMinutes: 15, LagMinutes: 15}
	}
	if snap.Defaults.LeadMinutes <= 0 || snap.Defaults.LagMinutes <= 0 {
		return nil, fmt.Errorf("defaults: unlock lead/lag minutes must be positive")
	}

	for key, d := range raw.Doors {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("doors: empty door key")
		}
		if _, dup := snap.Doors[key]; dup {
			return nil, fmt.Errorf("doors: duplicate door key %q", key)
		}
		snap.Doors[key] = model.Door{Key: key, Label: d.Label, RemoteIDs: d.UnifiDoorIDs}
	}

	for room, keys := range snap.Rooms {
		for _, k := range keys {
			if _, ok := snap.Doors[k]; !ok {
				return nil, fmt.Errorf("rooms.%s: unknown door key %q", room, k)
			}
		}
	}
	for i, rule := range snap.Rules.ExcludeDoorKeysByEventName {
		for _, k := range rule.DoorKeys {
			if _, ok := snap.Doors[strings.TrimSpace(k)]; !ok {
				return nil, fmt.Errorf("rules.excludeDoorKeysByEventName[%d]: unknown door key %q", i, k)
			}
		}
	}

	return snap, nil
}
