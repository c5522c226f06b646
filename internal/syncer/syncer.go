// Package syncer drives the reconciliation loop: fetch events, gate
// them, build the desired unlock plan, and converge the controller.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"doorsync/internal/approval"
	"doorsync/internal/calendar"
	"doorsync/internal/cancellations"
	"doorsync/internal/config"
	"doorsync/internal/eventmemory"
	"doorsync/internal/mapping"
	"doorsync/internal/model"
	"doorsync/internal/notify"
	"doorsync/internal/officehours"
	"doorsync/internal/overrides"
	"doorsync/internal/pco"
	"doorsync/internal/schedule"
	"doorsync/internal/statefile"
	"doorsync/internal/telemetry"
	"doorsync/internal/timewin"
	"doorsync/internal/unifi"
)

// ErrBusy is returned when a trigger lands while a cycle is running.
// Losers return immediately rather than queueing.
var ErrBusy = errors.New("sync already in progress")

const maxRecentErrors = 20

// applyState is the persisted apply/dry-run toggle.
type applyState struct {
	ApplyToUnifi bool `json:"applyToUnifi"`
}

// Status is the immutable snapshot surfaced to the dashboard.
type Status struct {
	LastSyncAt     *time.Time          `json:"lastSyncAt"`
	LastSyncResult string              `json:"lastSyncResult"`
	LastRunID      string              `json:"lastRunId"`
	PCOStatus      string              `json:"pcoStatus"`
	UnifiStatus    string              `json:"unifiStatus"`
	RecentErrors   []string            `json:"recentErrors"`
	ApplyToUnifi   bool                `json:"applyToUnifi"`
	Mode           string              `json:"mode"`
	SkippedRuns    int64               `json:"skippedRuns"`
	Counts         map[string]int      `json:"counts"`
	PCOStats       *pco.Stats          `json:"pcoStats,omitempty"`
	Preview        []model.DisplayItem `json:"preview"`
}

// upstreamStats is implemented by sources that keep API counters.
type upstreamStats interface {
	StatsSnapshot() pco.Stats
}

// Service owns one sync pipeline. Exactly one cycle runs at a time.
type Service struct {
	cfg      *config.Config
	logger   zerolog.Logger
	source   calendar.EventSource
	remote   *unifi.Client
	applier  *unifi.Applier
	mappings *mapping.Store
	gate     *approval.Gate
	notifier *notify.Notifier

	runMu sync.Mutex // serialises cycles

	mu           sync.Mutex // guards everything below
	applyToUnifi bool
	lastSyncAt   *time.Time
	lastResult   string
	lastRunID    string
	pcoStatus    string
	unifiStatus  string
	recentErrors []string
	skippedRuns  int64
	counts       map[string]int
	preview      []model.DisplayItem
}

// New wires a Service from its collaborators. The initial apply mode
// comes from the persisted state file when present, else from config.
func New(cfg *config.Config, source calendar.EventSource, remote *unifi.Client, notifier *notify.Notifier, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger.With().Str("component", "syncer").Logger(),
		source:   source,
		remote:   remote,
		applier:  unifi.NewApplier(remote, logger),
		mappings: mapping.NewStore(cfg.MappingFile),
		gate: &approval.Gate{
			SafeHoursPath:     cfg.SafeHoursFile,
			ApprovedNamesPath: cfg.ApprovedNamesFile,
			PendingPath:       cfg.PendingFile,
			Location:          cfg.Location,
		},
		notifier:     notifier,
		applyToUnifi: cfg.ApplyToUnifi,
		pcoStatus:    "unknown",
		unifiStatus:  "unknown",
	}

	var st applyState
	if err := statefile.Load(cfg.SyncStateFile, &st); err == nil {
		s.applyToUnifi = st.ApplyToUnifi
	}
	return s
}

// ApplyMode returns the current apply/dry-run toggle.
func (s *Service) ApplyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyToUnifi
}

// SetApplyMode persists the toggle atomically before taking effect.
func (s *Service) SetApplyMode(v bool) error {
	if err := statefile.Save(s.cfg.SyncStateFile, applyState{ApplyToUnifi: v}); err != nil {
		return fmt.Errorf("persist apply state: %w", err)
	}
	s.mu.Lock()
	s.applyToUnifi = v
	s.mu.Unlock()
	s.logger.Info().Bool("apply_to_unifi", v).Msg("apply mode changed")
	return nil
}

// Gate exposes the approval gate for the dashboard API.
func (s *Service) Gate() *approval.Gate { return s.gate }

// Snapshot returns a copy of the in-memory status.
func (s *Service) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		LastSyncAt:     s.lastSyncAt,
		LastSyncResult: s.lastResult,
		LastRunID:      s.lastRunID,
		PCOStatus:      s.pcoStatus,
		UnifiStatus:    s.unifiStatus,
		RecentErrors:   append([]string{}, s.recentErrors...),
		ApplyToUnifi:   s.applyToUnifi,
		Mode:           modeString(s.applyToUnifi),
		SkippedRuns:    s.skippedRuns,
		Counts:         map[string]int{},
		Preview:        append([]model.DisplayItem{}, s.preview...),
	}
	for k, v := range s.counts {
		st.Counts[k] = v
	}
	if us, ok := s.source.(upstreamStats); ok {
		stats := us.StatsSnapshot()
		st.PCOStats = &stats
	}
	return st
}

func modeString(apply bool) string {
	if apply {
		return "apply"
	}
	return "dry-run"
}

func (s *Service) recordError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentErrors = append([]string{msg}, s.recentErrors...)
	if len(s.recentErrors) > maxRecentErrors {
		s.recentErrors = s.recentErrors[:maxRecentErrors]
	}
}

// RunOnce executes one cycle. A trigger that lands while another cycle
// is running returns ErrBusy.
func (s *Service) RunOnce(ctx context.Context) error {
	if !s.runMu.TryLock() {
		s.mu.Lock()
		s.skippedRuns++
		s.mu.Unlock()
		telemetry.SyncSkippedTotal.Inc()
		return ErrBusy
	}
	defer s.runMu.Unlock()

	runID := uuid.NewString()
	t0 := time.Now().UTC()
	logger := s.logger.With().Str("run_id", runID).Logger()
	logger.Info().Msg("sync cycle started")

	s.mu.Lock()
	s.lastSyncAt = &t0
	s.lastRunID = runID
	s.mu.Unlock()

	result := s.runCycle(ctx, t0, logger)

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	if strings.HasPrefix(result, "error") {
		telemetry.SyncCyclesTotal.WithLabelValues("error").Inc()
	} else {
		telemetry.SyncCyclesTotal.WithLabelValues("ok").Inc()
	}
	logger.Info().Str("result", result).Msg("sync cycle finished")
	return nil
}

// runCycle is the per-cycle pipeline. It never panics outward; the
// returned string becomes lastSyncResult.
func (s *Service) runCycle(ctx context.Context, t0 time.Time, logger zerolog.Logger) string {
	snap, err := s.mappings.Load()
	if err != nil {
		if snap == nil {
			msg := fmt.Sprintf("error: mapping unavailable: %v", err)
			s.recordError(stamp(t0, msg))
			return msg
		}
		// Bad edit; continue on the last good snapshot.
		s.recordError(stamp(t0, fmt.Sprintf("mapping invalid, using last good: %v", err)))
		logger.Warn().Err(err).Msg("mapping invalid, using last good snapshot")
	}

	oh := officehours.Load(s.cfg.OfficeHoursFile)
	ov := overrides.Load(s.cfg.OverridesFile)
	cancelled := cancellations.Load(s.cfg.CancelledFile)

	var pcoOk, unifiOk bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pcoOk = s.source.CheckConnectivity(ctx)
	}()
	go func() {
		defer wg.Done()
		unifiOk = s.remote.CheckConnectivity(ctx)
	}()
	wg.Wait()

	s.mu.Lock()
	s.pcoStatus = okString(pcoOk)
	s.unifiStatus = okString(unifiOk)
	s.mu.Unlock()

	from := t0.Add(-s.cfg.SyncLookbehind)
	to := t0.Add(s.cfg.SyncLookahead)

	events, err := s.source.Events(ctx, from, to)
	if err != nil {
		msg := fmt.Sprintf("error: upstream fetch failed: %v", err)
		s.recordError(stamp(t0, msg))
		return msg
	}

	events = s.filterEvents(events, snap, cancelled)

	gateRes, err := s.gate.Run(events, t0)
	if err != nil {
		s.recordError(stamp(t0, fmt.Sprintf("approval gate: %v", err)))
		logger.Warn().Err(err).Msg("approval gate persistence failed")
	}
	if n := len(gateRes.NewlyFlagged); n > 0 {
		telemetry.EventsFlaggedTotal.Add(float64(n))
		s.notifier.FlaggedEvents(gateRes.NewlyFlagged)
	}

	// Memory records every observed event, held ones included.
	if err := eventmemory.Update(s.cfg.EventMemoryFile, events, t0); err != nil {
		s.recordError(stamp(t0, fmt.Sprintf("event memory write failed: %v", err)))
	}

	desired := schedule.Build(gateRes.Passed, snap, ov, s.cfg.Location, t0)
	office := officehours.Expand(oh, from, to, s.cfg.Location)
	merged := unifi.MergeOfficeHours(desired.DoorWindows, office)
	items := appendOfficeItems(desired.Items, office, snap)

	applying := s.ApplyMode()
	if applying {
		for _, derr := range s.applier.Apply(ctx, merged, snap, s.cfg.Location) {
			s.recordError(stamp(t0, derr.Error()))
			logger.Error().Err(derr.Err).Str("door", derr.DoorKey).Msg("remote apply failed for door")
		}
	}

	s.mu.Lock()
	s.preview = items
	s.counts = map[string]int{
		"events":        len(events),
		"passed":        len(gateRes.Passed),
		"pending":       len(gateRes.Pending),
		"scheduleItems": len(items),
		"doors":         len(merged),
	}
	s.mu.Unlock()

	return fmt.Sprintf("ok: mode=%s events=%d scheduleItems=%d",
		modeString(applying), len(events), len(items))
}

// filterEvents applies the optional location filter, room exclusions,
// and manual cancellations.
func (s *Service) filterEvents(events []model.Event, snap *mapping.Snapshot, cancelled cancellations.Set) []model.Event {
	mustContain := strings.ToLower(strings.TrimSpace(s.cfg.PCOLocationMustContain))

	out := events[:0:0]
	for _, evt := range events {
		if mustContain != "" {
			hay := strings.ToLower(evt.LocationRaw)
			if hay == "" {
				hay = strings.ToLower(evt.Room)
			}
			if !strings.Contains(hay, mustContain) {
				continue
			}
		}
		if snap != nil && snap.EventExcludedByRoom(evt.Room) {
			continue
		}
		if cancelled.IsCancelled(evt.ID) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// appendOfficeItems adds display rows for expanded office-hours
// windows so previews show why a door is open.
func appendOfficeItems(items []model.DisplayItem, office map[string][]timewin.Interval, snap *mapping.Snapshot) []model.DisplayItem {
	if snap == nil {
		return items
	}
	for _, key := range sortedKeys(office) {
		door, ok := snap.Doors[key]
		if !ok {
			continue
		}
		for _, iv := range office[key] {
			items = append(items, model.DisplayItem{
				EventID:   "office-hours",
				Name:      "Office Hours",
				Room:      "Office Hours",
				DoorKey:   key,
				DoorLabel: door.Label,
				StartAt:   iv.Start,
				EndAt:     iv.End,
				Source:    "officeHours",
			})
		}
	}
	return items
}

func sortedKeys(m map[string][]timewin.Interval) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func stamp(t time.Time, msg string) string {
	return t.Format(time.RFC3339) + " " + msg
}

// PreviewResult is the computed plan for an arbitrary window; nothing
// remote or persisted is touched while building one.
type PreviewResult struct {
	Now      time.Time                     `json:"now"`
	Start    time.Time                     `json:"start"`
	End      time.Time                     `json:"end"`
	Rooms    map[string]int                `json:"rooms"`
	Events   []model.Event                 `json:"-"`
	Items    []model.DisplayItem           `json:"items"`
	Windows  map[string][]timewin.Interval `json:"doorWindows"`
	EventDTO []EventView                   `json:"events"`
}

// EventView is the JSON face of an event in previews.
type EventView struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Room     string    `json:"room"`
	Building string    `json:"building,omitempty"`
	StartAt  time.Time `json:"startAt"`
	EndAt    time.Time `json:"endAt"`
}

// Preview fetches events for [from, to] and builds the plan; remote
// state is never written.
func (s *Service) Preview(ctx context.Context, from, to time.Time) (*PreviewResult, error) {
	now := time.Now().UTC()

	snap, err := s.mappings.Load()
	if err != nil && snap == nil {
		return nil, fmt.Errorf("mapping unavailable: %v", err)
	}
	ov := overrides.Load(s.cfg.OverridesFile)
	oh := officehours.Load(s.cfg.OfficeHoursFile)
	cancelled := cancellations.Load(s.cfg.CancelledFile)

	events, err := s.source.Events(ctx, from, to)
	if err != nil {
		return nil, err
	}
	events = s.filterEvents(events, snap, cancelled)

	desired := schedule.Build(events, snap, ov, s.cfg.Location, now)
	office := officehours.Expand(oh, from, to, s.cfg.Location)
	merged := unifi.MergeOfficeHours(desired.DoorWindows, office)
	items := appendOfficeItems(desired.Items, office, snap)

	res := &PreviewResult{
		Now:     now,
		Start:   from,
		End:     to,
		Rooms:   map[string]int{},
		Events:  events,
		Items:   items,
		Windows: merged,
	}
	for _, evt := range events {
		room := evt.Room
		if room == "" {
			room = "(none)"
		}
		res.Rooms[room]++
		res.EventDTO = append(res.EventDTO, EventView{
			ID: evt.ID, Name: evt.Name, Room: evt.Room, Building: evt.Building,
			StartAt: evt.StartAt, EndAt: evt.EndAt,
		})
	}
	return res, nil
}

// UpcomingPreview uses a fixed 24-hour lookback regardless of the sync
// lookbehind and drops items that already ended.
func (s *Service) UpcomingPreview(ctx context.Context) (*PreviewResult, error) {
	now := time.Now().UTC()
	res, err := s.Preview(ctx, now.Add(-24*time.Hour), now.Add(s.cfg.SyncLookahead))
	if err != nil {
		return nil, err
	}
	kept := res.Items[:0:0]
	for _, it := range res.Items {
		if it.EndAt.After(now) {
			kept = append(kept, it)
		}
	}
	res.Items = kept
	return res, nil
}

// Run drives the periodic trigger until ctx is cancelled. A non-empty
// cron expression wins over the interval. One delayed startup cycle is
// kicked off so a fresh deploy converges without waiting a full period.
func (s *Service) Run(ctx context.Context) error {
	trigger := func() {
		if err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrBusy) {
				s.logger.Debug().Msg("periodic trigger skipped, cycle in progress")
				return
			}
			s.logger.Error().Err(err).Msg("sync cycle failed")
		}
	}

	startupKick := time.AfterFunc(2*time.Second, trigger)
	defer startupKick.Stop()

	if expr := strings.TrimSpace(s.cfg.SyncCron); expr != "" {
		c := cron.New()
		if _, err := c.AddFunc(expr, trigger); err != nil {
			return fmt.Errorf("invalid SYNC_CRON %q: %w", expr, err)
		}
		c.Start()
		s.logger.Info().Str("cron", expr).Msg("sync scheduler started")
		<-ctx.Done()
		<-c.Stop().Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.cfg.SyncInterval).Msg("sync scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			trigger()
		}
	}
}
