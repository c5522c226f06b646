package unifi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"doorsync/internal/mapping"
	"doorsync/internal/telemetry"
	"doorsync/internal/timewin"
)

// ErrScheduleMissing marks a door whose remote schedule object does not
// exist. Schedules are created by the operator in the controller UI;
// the sync never creates them.
var ErrScheduleMissing = errors.New("remote schedule missing")

const (
	schedulePrefix = "PCO Sync "
	policyPrefix   = "PCO Sync Policy "
)

// remoteAPI is the slice of Client the applier needs; tests substitute
// a fake.
type remoteAPI interface {
	ListSchedules(ctx context.Context) ([]Schedule, error)
	GetSchedule(ctx context.Context, id string) (*ScheduleDetail, error)
	UpdateSchedule(ctx context.Context, detail *ScheduleDetail, weekly map[string][]TimeRange) error
	ListPolicies(ctx context.Context) ([]Policy, error)
	CreatePolicy(ctx context.Context, name, scheduleID string, resources []Resource) error
	DeletePolicy(ctx context.Context, id string) error
}

// Applier projects merged door windows onto weekly controller
// schedules and converges the remote state idempotently.
type Applier struct {
	api    remoteAPI
	logger zerolog.Logger
}

// NewApplier wraps a controller client.
func NewApplier(api remoteAPI, logger zerolog.Logger) *Applier {
	return &Applier{api: api, logger: logger.With().Str("component", "applier").Logger()}
}

// MergeOfficeHours folds expanded office-hours windows into the
// per-door interval sets, re-merging each affected door.
func MergeOfficeHours(doorWindows map[string][]timewin.Interval, office map[string][]timewin.Interval) map[string][]timewin.Interval {
	out := make(map[string][]timewin.Interval, len(doorWindows))
	for k, v := range doorWindows {
		out[k] = v
	}
	for k, v := range office {
		out[k] = timewin.Merge(append(append([]timewin.Interval{}, out[k]...), v...))
	}
	return out
}

// WeeklyFor renders merged intervals as the controller's weekly
// HH:MM:SS structure in the display zone. Every weekday key is present
// so a diff against the remote definition is a straight set compare.
func WeeklyFor(intervals []timewin.Interval, loc *time.Location) map[string][]TimeRange {
	projected := timewin.ProjectWeekly(intervals, loc)
	out := make(map[string][]TimeRange, 7)
	for _, day := range []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"} {
		ranges := projected[day]
		slots := make([]TimeRange, 0, len(ranges))
		for _, r := range ranges {
			slots = append(slots, TimeRange{Start: clockString(r.Start), End: clockString(r.End)})
		}
		out[day] = slots
	}
	return out
}

// clockString renders a local time as HH:MM:SS; the 24:00 sentinel for
// end-of-day becomes the controller's 23:59:59.
func clockString(t timewin.LocalTime) string {
	if t.Hour >= 24 {
		return "23:59:59"
	}
	return fmt.Sprintf("%02d:%02d:00", t.Hour, t.Minute)
}

// normalizeWeekly maps a weekly definition to a comparable form:
// missing days become empty, slots are sorted.
func normalizeWeekly(weekly map[string][]TimeRange) map[string][]TimeRange {
	out := make(map[string][]TimeRange, 7)
	for _, day := range []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"} {
		slots := append([]TimeRange{}, weekly[day]...)
		sort.Slice(slots, func(i, j int) bool {
			if slots[i].Start == slots[j].Start {
				return slots[i].End < slots[j].End
			}
			return slots[i].Start < slots[j].Start
		})
		out[day] = slots
	}
	return out
}

func weeklyEqual(a, b map[string][]TimeRange) bool {
	na, nb := normalizeWeekly(a), normalizeWeekly(b)
	for day, as := range na {
		bs := nb[day]
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
	}
	return true
}

// DoorError ties a per-door failure to its door key.
type DoorError struct {
	DoorKey string
	Err     error
}

func (e DoorError) Error() string { return fmt.Sprintf("door %s: %v", e.DoorKey, e.Err) }

func (e DoorError) Unwrap() error { return e.Err }

// Apply converges the controller with the desired per-door windows.
// Doors are processed independently: a missing or failing door is
// recorded and the rest continue. For each door the schedule is
// updated before its policy is touched. At most one schedule update
// and one policy create/delete happens per door per call.
func (a *Applier) Apply(ctx context.Context, doorWindows map[string][]timewin.Interval, snap *mapping.Snapshot, loc *time.Location) []DoorError {
	schedules, err := a.api.ListSchedules(ctx)
	if err != nil {
		return []DoorError{{DoorKey: "*", Err: fmt.Errorf("list schedules: %w", err)}}
	}
	policies, err := a.api.ListPolicies(ctx)
	if err != nil {
		return []DoorError{{DoorKey: "*", Err: fmt.Errorf("list policies: %w", err)}}
	}

	schedulesByName := make(map[string]Schedule, len(schedules))
	for _, s := range schedules {
		schedulesByName[s.Name] = s
	}
	policiesByName := make(map[string]Policy, len(policies))
	for _, p := range policies {
		policiesByName[p.Name] = p
	}

	var doorErrs []DoorError
	for _, key := range snap.DoorKeys() {
		if err := a.applyDoor(ctx, key, doorWindows[key], snap, schedulesByName, policiesByName, loc); err != nil {
			doorErrs = append(doorErrs, DoorError{DoorKey: key, Err: err})
		}
	}
	return doorErrs
}

func (a *Applier) applyDoor(ctx context.Context, key string, intervals []timewin.Interval, snap *mapping.Snapshot,
	schedulesByName map[string]Schedule, policiesByName map[string]Policy, loc *time.Location) error {

	// Pre-created schedule lookup; the legacy piped name is accepted.
	var row Schedule
	found := false
	for _, candidate := range []string{schedulePrefix + key, "PCO Sync | " + key} {
		if s, ok := schedulesByName[candidate]; ok && s.ID != "" {
			row, found = s, true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: expected schedule named %q", ErrScheduleMissing, schedulePrefix+key)
	}

	desired := WeeklyFor(intervals, loc)

	detail, err := a.api.GetSchedule(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("get schedule: %w", err)
	}
	if !weeklyEqual(detail.Weekly, desired) {
		if err := a.api.UpdateSchedule(ctx, detail, desired); err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		telemetry.RemoteScheduleUpdatesTotal.Inc()
		a.logger.Info().Str("door", key).Msg("schedule updated")
	}

	door := snap.Doors[key]
	if len(door.RemoteIDs) == 0 {
		return nil
	}

	resources := make([]Resource, 0, len(door.RemoteIDs))
	ids := append([]string{}, door.RemoteIDs...)
	sort.Strings(ids)
	for _, id := range ids {
		resources = append(resources, Resource{ID: id, Type: "door"})
	}

	policyName := policyPrefix + key
	if existing, ok := policiesByName[policyName]; ok {
		if existing.ScheduleID == row.ID && sameResources(existing.Resources, resources) {
			return nil
		}
		if existing.ID != "" {
			if err := a.api.DeletePolicy(ctx, existing.ID); err != nil {
				return fmt.Errorf("delete policy: %w", err)
			}
		}
	}
	if err := a.api.CreatePolicy(ctx, policyName, row.ID, resources); err != nil {
		return fmt.Errorf("create policy: %w", err)
	}
	telemetry.RemotePolicyRecreatesTotal.Inc()
	a.logger.Info().Str("door", key).Msg("policy recreated")
	return nil
}

func sameResources(a, b []Resource) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[Resource]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
