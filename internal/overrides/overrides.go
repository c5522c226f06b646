// Package overrides resolves per-event-name, per-door unlock window
// overrides: explicit clock-time windows or full suppression.
package overrides

import (
	"fmt"
	"regexp"
	"strings"

	"doorsync/internal/statefile"
)

// Window is one explicit open/close clock-time pair, "HH:MM" or "H:MM".
type Window struct {
	OpenTime  string `json:"openTime"`
	CloseTime string `json:"closeTime"`
}

// DoorOverride is the per-door entry. An empty Windows slice means the
// door is suppressed for this event.
type DoorOverride struct {
	Windows []Window `json:"windows"`
}

// EventOverride groups door overrides under one event name.
type EventOverride struct {
	DoorOverrides map[string]DoorOverride `json:"doorOverrides"`
}

// Set is the full overrides file, keyed by event name as written by the
// operator (lookups are case-insensitive).
type Set struct {
	Overrides map[string]EventOverride `json:"overrides"`
}

// Class tells the builder how to treat an (event, door) pair.
type Class int

const (
	Default Class = iota
	Explicit
	Suppress
)

// Load reads the overrides file; a missing or unreadable file yields an
// empty set.
func Load(path string) Set {
	s := Set{Overrides: map[string]EventOverride{}}
	if err := statefile.LoadOr(path, &s); err != nil {
		return Set{Overrides: map[string]EventOverride{}}
	}
	if s.Overrides == nil {
		s.Overrides = map[string]EventOverride{}
	}
	return s
}

// Save validates then atomically writes the payload.
func Save(path string, s Set) error {
	if err := Validate(s); err != nil {
		return err
	}
	return statefile.Save(path, s)
}

var hhmm = regexp.MustCompile(`^\d{1,2}:\d{2}$`)

// Validate checks window shape for every configured door override.
func Validate(s Set) error {
	for name, ev := range s.Overrides {
		if ev.DoorOverrides == nil {
			return fmt.Errorf("override %q: doorOverrides must be present", name)
		}
		for door, d := range ev.DoorOverrides {
			for i, w := range d.Windows {
				if !hhmm.MatchString(w.OpenTime) {
					return fmt.Errorf("override %q door %q window %d: openTime must be HH:MM", name, door, i+1)
				}
				if !hhmm.MatchString(w.CloseTime) {
					return fmt.Errorf("override %q door %q window %d: closeTime must be HH:MM", name, door, i+1)
				}
			}
		}
	}
	return nil
}

// Find resolves the override class for an (event name, door key) pair.
// Event-name matching is a case-insensitive exact match; door keys
// likewise. Windows accompany an Explicit result.
func (s Set) Find(eventName, doorKey string) (Class, []Window) {
	name := strings.ToLower(strings.TrimSpace(eventName))
	if name == "" {
		return Default, nil
	}
	for key, ev := range s.Overrides {
		if strings.ToLower(strings.TrimSpace(key)) != name {
			continue
		}
		for dk, d := range ev.DoorOverrides {
			if !strings.EqualFold(strings.TrimSpace(dk), doorKey) {
				continue
			}
			if len(d.Windows) == 0 {
				return Suppress, nil
			}
			return Explicit, d.Windows
		}
		return Default, nil
	}
	return Default, nil
}
