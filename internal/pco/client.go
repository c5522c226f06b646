// Package pco implements the calendar contract against the Planning
// Center Online Calendar API.
package pco

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"doorsync/internal/config"
	"doorsync/internal/model"
	"doorsync/internal/telemetry"
)

// ErrRateLimited is returned when the upstream answered 429 and no
// cached window was available to fall back on.
var ErrRateLimited = errors.New("pco: rate limited and no cached events")

// Stats are the upstream API counters surfaced in the status snapshot.
type Stats struct {
	CacheHitReturns         int64      `json:"cacheHitReturns"`
	MinIntervalCacheReturns int64      `json:"minIntervalCacheReturns"`
	LiveWindowFetches       int64      `json:"liveWindowFetches"`
	EventInstanceRequests   int64      `json:"eventInstanceRequests"`
	ResourceBookingRequests int64      `json:"resourceBookingRequests"`
	RateLimitFallbacks      int64      `json:"rateLimitFallbackReturns"`
	LastLiveFetchAt         *time.Time `json:"lastLiveFetchAt"`
	LastCacheHitAt          *time.Time `json:"lastCacheHitAt"`
	LastFallbackAt          *time.Time `json:"lastRateLimitFallbackAt"`
	CacheKeys               int        `json:"cacheKeys"`
}

type cacheKey struct {
	from int64 // unix minutes
	to   int64
}

type cacheEntry struct {
	fetchedAt time.Time
	events    []model.Event
}

// Client fetches event instances and their resource bookings, with a
// per-window cache and rate-limit fallback.
type Client struct {
	cfg    *config.Config
	http   *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	cache     map[cacheKey]cacheEntry
	lastFetch map[cacheKey]time.Time
	stats     Stats
}

// New creates a PCO client from process configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    logger.With().Str("component", "pco").Logger(),
		now:       time.Now,
		cache:     make(map[cacheKey]cacheEntry),
		lastFetch: make(map[cacheKey]time.Time),
	}
}

func (c *Client) authHeader() (string, error) {
	switch c.cfg.PCOAuthType {
	case "personal_access_token":
		if c.cfg.PCOAppID == "" || c.cfg.PCOSecret == "" {
			return "", errors.New("PCO_APP_ID and PCO_SECRET are required for personal_access_token auth")
		}
		tok := base64.StdEncoding.EncodeToString([]byte(c.cfg.PCOAppID + ":" + c.cfg.PCOSecret))
		return "Basic " + tok, nil
	case "oauth":
		if c.cfg.PCOAccessToken == "" {
			return "", errors.New("PCO_ACCESS_TOKEN is required for oauth auth")
		}
		return "Bearer " + c.cfg.PCOAccessToken, nil
	default:
		return "", fmt.Errorf("unsupported PCO_AUTH_TYPE %q", c.cfg.PCOAuthType)
	}
}

// CheckConnectivity probes a cheap authenticated endpoint.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := c.get(ctx, "/people/v2/people", url.Values{"per_page": {"1"}})
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// StatsSnapshot returns a copy of the counters.
func (c *Client) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.CacheKeys = len(c.cache)
	return s
}

func windowKey(from, to time.Time) cacheKey {
	return cacheKey{from: from.UTC().Truncate(time.Minute).Unix(), to: to.UTC().Truncate(time.Minute).Unix()}
}

// Events returns the booking instances starting inside [from, to].
// Repeated calls for the same minute-truncated window are served from
// cache within the TTL, and never hit the network twice within the
// minimum fetch interval.
func (c *Client) Events(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	key := windowKey(from, to)
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok {
		age := now.Sub(entry.fetchedAt)
		if age <= c.cfg.PCOEventsCacheTTL {
			c.noteCacheHit(now, false)
			events := entry.events
			c.mu.Unlock()
			telemetry.UpstreamCacheHitsTotal.Inc()
			return cloneEvents(events), nil
		}
		if last, ok := c.lastFetch[key]; ok && now.Sub(last) < c.cfg.PCOMinFetchInterval {
			c.noteCacheHit(now, true)
			events := entry.events
			c.mu.Unlock()
			telemetry.UpstreamCacheHitsTotal.Inc()
			return cloneEvents(events), nil
		}
	}
	c.stats.LiveWindowFetches++
	c.stats.LastLiveFetchAt = &now
	c.mu.Unlock()

	events, err := c.fetchWindow(ctx, from, to)
	if err != nil {
		var rl *rateLimitError
		if errors.As(err, &rl) {
			c.mu.Lock()
			entry, ok := c.cache[key]
			if ok {
				c.stats.RateLimitFallbacks++
				t := c.now()
				c.stats.LastFallbackAt = &t
				c.mu.Unlock()
				telemetry.UpstreamFallbackTotal.Inc()
				c.logger.Warn().Msg("rate limited, serving cached events for window")
				return cloneEvents(entry.events), nil
			}
			c.mu.Unlock()
			return nil, ErrRateLimited
		}
		return nil, err
	}

	done := c.now()
	c.mu.Lock()
	c.cache[key] = cacheEntry{fetchedAt: done, events: events}
	c.lastFetch[key] = done
	c.mu.Unlock()

	return cloneEvents(events), nil
}

func (c *Client) noteCacheHit(now time.Time, minInterval bool) {
	c.stats.CacheHitReturns++
	if minInterval {
		c.stats.MinIntervalCacheReturns++
	}
	t := now
	c.stats.LastCacheHitAt = &t
}

type rateLimitError struct{ path string }

func (e *rateLimitError) Error() string { return "pco: 429 from " + e.path }

func (c *Client) eventInstancesPath() string {
	if id := strings.TrimSpace(c.cfg.PCOCalendarID); id != "" {
		return "/calendar/v2/calendars/" + id + "/event_instances"
	}
	return "/calendar/v2/event_instances"
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	auth, err := c.authHeader()
	if err != nil {
		return nil, err
	}
	u := strings.TrimRight(c.cfg.PCOBaseURL, "/") + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	return c.http.Do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	resp, err := c.get(ctx, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{path: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pco: GET %s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

type jsonAPIResource struct {
	ID            string                     `json:"id"`
	Type          string                     `json:"type"`
	Attributes    map[string]json.RawMessage `json:"attributes"`
	Relationships map[string]struct {
		Data *struct {
			ID string `json:"id"`
		} `json:"data"`
	} `json:"relationships"`
}

type jsonAPIPage struct {
	Data     []jsonAPIResource `json:"data"`
	Included []jsonAPIResource `json:"included"`
	Links    struct {
		Next string `json:"next"`
	} `json:"links"`
}

func (r jsonAPIResource) attrString(key string) string {
	raw, ok := r.Attributes[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (c *Client) fetchWindow(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	var events []model.Event

	mustContain := strings.ToLower(strings.TrimSpace(c.cfg.PCOLocationMustContain))
	offset := 0

	for page := 1; ; page++ {
		if page > c.cfg.PCOMaxPages {
			c.logger.Warn().Int("max_pages", c.cfg.PCOMaxPages).
				Msg("pagination cap reached, returning truncated window")
			break
		}

		params := url.Values{
			"per_page":              {fmt.Sprint(c.cfg.PCOPerPage)},
			"offset":                {fmt.Sprint(offset)},
			"order":                 {"starts_at"},
			"where[starts_at][gte]": {from.UTC().Format(time.RFC3339)},
			"where[starts_at][lte]": {to.UTC().Format(time.RFC3339)},
		}

		c.mu.Lock()
		c.stats.EventInstanceRequests++
		c.mu.Unlock()

		var payload jsonAPIPage
		if err := c.getJSON(ctx, c.eventInstancesPath(), params, &payload); err != nil {
			return nil, err
		}
		if len(payload.Data) == 0 {
			break
		}

		for _, row := range payload.Data {
			evt, ok := c.buildEvent(ctx, row, from, to, mustContain)
			if !ok {
				continue
			}
			events = append(events, evt)
		}

		if payload.Links.Next == "" {
			break
		}
		offset += len(payload.Data)
	}

	return events, nil
}

// buildEvent normalizes one event_instance row. Rows with unparseable
// times are dropped; rows failing the optional location filter are
// skipped before the per-instance room lookup to save API calls.
func (c *Client) buildEvent(ctx context.Context, row jsonAPIResource, from, to time.Time, mustContain string) (model.Event, bool) {
	start, err := time.Parse(time.RFC3339, row.attrString("starts_at"))
	if err != nil {
		return model.Event{}, false
	}
	end, err := time.Parse(time.RFC3339, row.attrString("ends_at"))
	if err != nil {
		return model.Event{}, false
	}
	start, end = start.UTC(), end.UTC()
	if start.Before(from) || start.After(to) || !start.Before(end) {
		return model.Event{}, false
	}

	locationRaw := row.attrString("location")
	if mustContain != "" && !strings.Contains(strings.ToLower(locationRaw), mustContain) {
		return model.Event{}, false
	}

	building, address, room := splitLocation(locationRaw)

	rooms := c.instanceRoomNames(ctx, row.ID)
	if len(rooms) > 0 {
		room = rooms[0]
	}
	if room == "" {
		room = locationRaw
	}

	return model.Event{
		ID:          row.ID,
		Name:        row.attrString("name"),
		Room:        room,
		Rooms:       rooms,
		LocationRaw: locationRaw,
		Building:    building,
		Address:     address,
		StartAt:     start,
		EndAt:       end,
	}, true
}

// splitLocation applies the "Campus - address - Room" heuristic: the
// first part is the building; with three or more parts the last is a
// room candidate and the middle joins into the address.
func splitLocation(raw string) (building, address, room string) {
	if !strings.Contains(raw, " - ") {
		return "", "", ""
	}
	var parts []string
	for _, p := range strings.Split(raw, " - ") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", "", ""
	}
	building = parts[0]
	if len(parts) >= 3 {
		room = parts[len(parts)-1]
		address = strings.Join(parts[1:len(parts)-1], " - ")
	} else {
		address = parts[1]
	}
	return building, address, room
}

// instanceRoomNames resolves the booked Room resources for an event
// instance. Lookup failures degrade to the location fallback.
func (c *Client) instanceRoomNames(ctx context.Context, instanceID string) []string {
	c.mu.Lock()
	c.stats.ResourceBookingRequests++
	c.mu.Unlock()

	params := url.Values{"per_page": {"100"}, "include": {"resource"}}
	var payload jsonAPIPage
	path := "/calendar/v2/event_instances/" + instanceID + "/resource_bookings"
	if err := c.getJSON(ctx, path, params, &payload); err != nil {
		c.logger.Debug().Err(err).Str("instance", instanceID).Msg("resource booking lookup failed")
		return nil
	}

	resources := make(map[string]jsonAPIResource, len(payload.Included))
	for _, inc := range payload.Included {
		if inc.Type == "Resource" {
			resources[inc.ID] = inc
		}
	}

	var rooms []string
	for _, booking := range payload.Data {
		rel, ok := booking.Relationships["resource"]
		if !ok || rel.Data == nil {
			continue
		}
		res, ok := resources[rel.Data.ID]
		if !ok || res.attrString("kind") != "Room" {
			continue
		}
		name := strings.TrimSpace(res.attrString("name"))
		if name != "" && !containsString(rooms, name) {
			rooms = append(rooms, name)
		}
	}
	return rooms
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func cloneEvents(events []model.Event) []model.Event {
	out := make([]model.Event, len(events))
	copy(out, events)
	return out
}
