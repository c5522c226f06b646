// Package cancellations tracks event instances an operator has
// manually cancelled so the builder never opens doors for them.
package cancellations

import (
	"time"

	"doorsync/internal/statefile"
)

const pruneGrace = 24 * time.Hour

// Instance records one cancelled event occurrence.
type Instance struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	StartAt     *time.Time `json:"startAt"`
	EndAt       *time.Time `json:"endAt"`
	CancelledAt time.Time  `json:"cancelledAt"`
}

type file struct {
	Instances []Instance `json:"instances"`
}

// Set is an immutable view loaded once per cycle; lookups are O(1).
type Set struct {
	instances []Instance
	byID      map[string]struct{}
}

// Load reads the cancelled-events file. Missing or unreadable files
// yield an empty set.
func Load(path string) Set {
	var f file
	if err := statefile.LoadOr(path, &f); err != nil {
		return Set{byID: map[string]struct{}{}}
	}
	byID := make(map[string]struct{}, len(f.Instances))
	for _, inst := range f.Instances {
		byID[inst.ID] = struct{}{}
	}
	return Set{instances: f.Instances, byID: byID}
}

// IsCancelled reports whether the event id has been cancelled.
func (s Set) IsCancelled(eventID string) bool {
	_, ok := s.byID[eventID]
	return ok
}

// Instances returns the recorded cancellations for display.
func (s Set) Instances() []Instance {
	out := make([]Instance, len(s.instances))
	copy(out, s.instances)
	return out
}

// Add records a cancellation idempotently and prunes stale entries.
func Add(path string, inst Instance, now time.Time) error {
	var f file
	if err := statefile.LoadOr(path, &f); err != nil {
		return err
	}
	kept := f.Instances[:0]
	for _, existing := range f.Instances {
		if existing.ID != inst.ID {
			kept = append(kept, existing)
		}
	}
	inst.CancelledAt = now
	f.Instances = prune(append(kept, inst), now)
	return statefile.Save(path, f)
}

// Remove restores a cancelled instance.
func Remove(path, eventID string) error {
	var f file
	if err := statefile.LoadOr(path, &f); err != nil {
		return err
	}
	kept := f.Instances[:0]
	for _, existing := range f.Instances {
		if existing.ID != eventID {
			kept = append(kept, existing)
		}
	}
	f.Instances = kept
	return statefile.Save(path, f)
}

// prune drops entries whose event ended more than pruneGrace ago. The
// start time stands in when the end is missing; entries with neither
// are kept.
func prune(instances []Instance, now time.Time) []Instance {
	cutoff := now.Add(-pruneGrace)
	kept := instances[:0:0]
	for _, inst := range instances {
		ref := inst.EndAt
		if ref == nil {
			ref = inst.StartAt
		}
		if ref == nil || !ref.Before(cutoff) {
			kept = append(kept, inst)
		}
	}
	return kept
}
