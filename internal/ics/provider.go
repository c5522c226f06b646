// Package ics implements the calendar contract over a set of ICS
// subscription feeds, expanding recurrences into concrete instances.
package ics

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/rs/zerolog"
	"github.com/teambition/rrule-go"

	"doorsync/internal/model"
)

const maxOccurrencesPerEvent = 5000

// Provider is an ICS-backed event source.
type Provider struct {
	feeds  []*feed
	logger zerolog.Logger
}

// NewProvider creates an event source for the given feed URLs.
func NewProvider(urls []string, cacheDir string, logger zerolog.Logger) *Provider {
	l := logger.With().Str("component", "ics").Logger()
	client := &http.Client{Timeout: 15 * time.Second}

	feeds := make([]*feed, 0, len(urls))
	for i, u := range urls {
		feeds = append(feeds, newFeed(fmt.Sprintf("ics-%d", i+1), u, cacheDir, client, l))
	}
	return &Provider{feeds: feeds, logger: l}
}

// CheckConnectivity reports whether at least one feed answers.
func (p *Provider) CheckConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	for _, f := range p.feeds {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.url, nil)
		if err != nil {
			continue
		}
		resp, err := f.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return true
		}
	}
	return false
}

// Events fetches every feed and expands it into instances whose start
// falls inside [from, to], normalized to UTC and sorted.
func (p *Provider) Events(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	var events []model.Event
	fetched, failed := 0, 0

	for _, f := range p.feeds {
		body, fromCache, err := f.fetch(ctx)
		if err != nil {
			failed++
			p.logger.Error().Err(err).Str("feed", f.id).Str("url", redactURL(f.url)).Msg("ics feed unavailable")
			continue
		}
		fetched++
		if fromCache {
			p.logger.Debug().Str("feed", f.id).Msg("using cached feed payload")
		}

		feedEvents, err := calendarEvents(body, from, to, p.logger)
		if err != nil {
			p.logger.Error().Err(err).Str("feed", f.id).Msg("ics parse failed")
			continue
		}
		events = append(events, feedEvents...)
	}

	if fetched == 0 && failed > 0 {
		return nil, fmt.Errorf("all %d ics feeds failed", failed)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].StartAt.Equal(events[j].StartAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].StartAt.Before(events[j].StartAt)
	})
	return events, nil
}

// series groups a UID's base definitions with its detached overrides,
// keyed by the RECURRENCE-ID instant they replace.
type series struct {
	bases     []*ical.VEvent
	overrides map[int64]*ical.VEvent
}

// calendarEvents parses one feed payload and expands every event series
// into concrete instances within [from, to].
func calendarEvents(body []byte, from, to time.Time, logger zerolog.Logger) ([]model.Event, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []model.Event
	for uid, sr := range groupSeries(cal) {
		for _, base := range sr.bases {
			out = append(out, expandBase(uid, base, sr.overrides, from, to, logger)...)
		}
	}
	return out, nil
}

func groupSeries(cal *ical.Calendar) map[string]*series {
	out := map[string]*series{}
	for _, ve := range cal.Events() {
		uid := prop(ve, ical.ComponentPropertyUniqueId)
		if uid == "" {
			continue
		}
		sr := out[uid]
		if sr == nil {
			sr = &series{overrides: map[int64]*ical.VEvent{}}
			out[uid] = sr
		}
		if rid := prop(ve, "RECURRENCE-ID"); rid != "" {
			if t, ok := parseStamp(rid); ok {
				sr.overrides[t.Unix()] = ve
				continue
			}
		}
		sr.bases = append(sr.bases, ve)
	}
	return out
}

// expandBase turns one base VEVENT into its occurrences, applying
// detached overrides where their RECURRENCE-ID matches.
func expandBase(uid string, ve *ical.VEvent, overrides map[int64]*ical.VEvent, from, to time.Time, logger zerolog.Logger) []model.Event {
	start, err := ve.GetStartAt()
	if err != nil {
		logger.Debug().Err(err).Str("uid", uid).Msg("skipping vevent without usable DTSTART")
		return nil
	}
	end, err := ve.GetEndAt()
	if err != nil {
		logger.Debug().Err(err).Str("uid", uid).Msg("skipping vevent without usable DTEND")
		return nil
	}

	allDay := isAllDay(ve)
	if allDay {
		start = dayStart(start)
		end = start.Add(24 * time.Hour)
	}
	dur := end.Sub(start)

	var starts []time.Time
	if rr := prop(ve, ical.ComponentPropertyRrule); rr != "" {
		starts = recurrenceStarts(ve, rr, start, from, to, uid, logger)
	} else if !start.Before(from) && !start.After(to) {
		starts = []time.Time{start}
	}

	out := make([]model.Event, 0, len(starts))
	for _, occStart := range starts {
		occEnd := occStart.Add(dur)
		if allDay {
			occStart = dayStart(occStart)
			occEnd = occStart.Add(24 * time.Hour)
		}

		src := ve
		if o := overrides[occStart.Unix()]; o != nil {
			os, oerr := o.GetStartAt()
			oe, eerr := o.GetEndAt()
			if oerr == nil && eerr == nil {
				occStart, occEnd, src = os, oe, o
			}
		}

		out = append(out, model.Event{
			// UID plus start keeps each occurrence of a recurring
			// event individually cancellable and approvable.
			ID:          uid + "/" + occStart.UTC().Format(time.RFC3339),
			Name:        prop(src, ical.ComponentPropertySummary),
			Room:        prop(src, ical.ComponentPropertyLocation),
			LocationRaw: prop(src, ical.ComponentPropertyLocation),
			StartAt:     occStart.UTC(),
			EndAt:       occEnd.UTC(),
		})
	}
	return out
}

// recurrenceStarts evaluates the RRULE within [from, to], minus any
// EXDATE instants, capped to keep a runaway rule from flooding a cycle.
func recurrenceStarts(ve *ical.VEvent, rr string, dtstart, from, to time.Time, uid string, logger zerolog.Logger) []time.Time {
	rule, err := rrule.StrToRRule(rr)
	if err != nil {
		logger.Warn().Err(err).Str("uid", uid).Msg("unparseable RRULE, skipping event")
		return nil
	}
	rule.DTStart(dtstart)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range exdates(ve) {
		set.ExDate(ex.In(dtstart.Location()))
	}

	starts := set.Between(from.In(dtstart.Location()), to.In(dtstart.Location()), true)
	if len(starts) > maxOccurrencesPerEvent {
		logger.Warn().Str("uid", uid).Int("cap", maxOccurrencesPerEvent).Msg("occurrence expansion truncated")
		starts = starts[:maxOccurrencesPerEvent]
	}
	return starts
}

func exdates(ve *ical.VEvent) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, ok := parseStamp(part); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func prop(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// isAllDay reports whether DTSTART is a date-only value.
func isAllDay(ve *ical.VEvent) bool {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return false
	}
	for _, v := range p.ICalParameters["VALUE"] {
		if strings.EqualFold(v, "DATE") {
			return true
		}
	}
	return !strings.Contains(p.Value, "T")
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// stampLayouts covers the DATE-TIME and DATE value forms EXDATE and
// RECURRENCE-ID carry; floating times are read in the process zone.
var stampLayouts = []string{"20060102T150405Z", "20060102T150405", "20060102"}

func parseStamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range stampLayouts {
		loc := time.Local
		if strings.HasSuffix(layout, "Z") {
			loc = time.UTC
		}
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
