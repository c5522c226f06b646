package pco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"doorsync/internal/config"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		PCOBaseURL:          baseURL,
		PCOAuthType:         "personal_access_token",
		PCOAppID:            "app",
		PCOSecret:           "secret",
		PCOEventsCacheTTL:   60 * time.Second,
		PCOMinFetchInterval: 60 * time.Second,
		PCOMaxPages:         5,
		PCOPerPage:          100,
	}
}

func instanceJSON(id, name, startsAt, endsAt, location string) string {
	return fmt.Sprintf(`{
		"id": %q, "type": "EventInstance",
		"attributes": {"name": %q, "starts_at": %q, "ends_at": %q, "location": %q}
	}`, id, name, startsAt, endsAt, location)
}

func TestEventsNormalizesInstances(t *testing.T) {
	var instanceCalls, bookingCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/calendar/v2/event_instances":
			atomic.AddInt32(&instanceCalls, 1)
			fmt.Fprintf(w, `{"data": [%s, %s], "links": {}}`,
				instanceJSON("i1", "Sunday Service", "2026-03-01T14:00:00Z", "2026-03-01T16:00:00Z", "Main Campus - 1 Church St - Sanctuary"),
				instanceJSON("i2", "Broken", "not-a-time", "2026-03-01T16:00:00Z", ""))
		case r.URL.Path == "/calendar/v2/event_instances/i1/resource_bookings":
			atomic.AddInt32(&bookingCalls, 1)
			fmt.Fprint(w, `{
				"data": [{"id": "rb1", "type": "ResourceBooking",
					"relationships": {"resource": {"data": {"id": "res1"}}}}],
				"included": [{"id": "res1", "type": "Resource",
					"attributes": {"kind": "Room", "name": "Sanctuary"}}]
			}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zerolog.Nop())
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := c.Events(context.Background(), from, from.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event (bad-time row dropped), got %d", len(events))
	}
	evt := events[0]
	if evt.ID != "i1" || evt.Name != "Sunday Service" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Room != "Sanctuary" || len(evt.Rooms) != 1 {
		t.Fatalf("room not taken from resource booking: %+v", evt)
	}
	if evt.Building != "Main Campus" {
		t.Fatalf("building heuristic failed: %q", evt.Building)
	}
	if bookingCalls != 1 {
		t.Fatalf("expected one booking lookup, got %d", bookingCalls)
	}
}

func TestEventsRoomFallsBackToLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/calendar/v2/event_instances":
			fmt.Fprintf(w, `{"data": [%s], "links": {}}`,
				instanceJSON("i1", "Picnic", "2026-03-01T14:00:00Z", "2026-03-01T16:00:00Z", "Back Lawn"))
		default:
			// Empty resource bookings.
			fmt.Fprint(w, `{"data": [], "included": []}`)
		}
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zerolog.Nop())
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := c.Events(context.Background(), from, from.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Room != "Back Lawn" {
		t.Fatalf("expected location fallback, got %+v", events)
	}
}

func TestEventsServedFromCacheWithinTTL(t *testing.T) {
	var instanceCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/calendar/v2/event_instances" {
			atomic.AddInt32(&instanceCalls, 1)
		}
		fmt.Fprint(w, `{"data": [], "links": {}}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zerolog.Nop())
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)

	for i := 0; i < 3; i++ {
		if _, err := c.Events(context.Background(), from, to); err != nil {
			t.Fatalf("events %d: %v", i, err)
		}
	}
	if instanceCalls != 1 {
		t.Fatalf("expected one live fetch, got %d", instanceCalls)
	}
	stats := c.StatsSnapshot()
	if stats.CacheHitReturns != 2 {
		t.Fatalf("cacheHitReturns = %d, want 2", stats.CacheHitReturns)
	}
	// Second-resolution differences within the same minute share a key.
	if _, err := c.Events(context.Background(), from.Add(10*time.Second), to.Add(20*time.Second)); err != nil {
		t.Fatalf("events: %v", err)
	}
	if instanceCalls != 1 {
		t.Fatalf("minute-truncated key should share cache, got %d fetches", instanceCalls)
	}
}

func TestEventsMinFetchIntervalHoldsCache(t *testing.T) {
	var instanceCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/calendar/v2/event_instances" {
			atomic.AddInt32(&instanceCalls, 1)
		}
		fmt.Fprint(w, `{"data": [], "links": {}}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PCOEventsCacheTTL = 0 // cache always stale
	c := New(cfg, zerolog.Nop())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	if _, err := c.Events(context.Background(), from, to); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// Thirty seconds later the cache is stale but the min fetch
	// interval still holds.
	c.now = func() time.Time { return base.Add(30 * time.Second) }
	if _, err := c.Events(context.Background(), from, to); err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if instanceCalls != 1 {
		t.Fatalf("min fetch interval violated: %d fetches", instanceCalls)
	}
	if c.StatsSnapshot().MinIntervalCacheReturns != 1 {
		t.Fatalf("minIntervalCacheReturns = %d", c.StatsSnapshot().MinIntervalCacheReturns)
	}
}

func TestEventsRateLimitFallsBackToCache(t *testing.T) {
	var rateLimited atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateLimited.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if r.URL.Path == "/calendar/v2/event_instances" {
			fmt.Fprintf(w, `{"data": [%s], "links": {}}`,
				instanceJSON("i1", "Service", "2026-03-01T14:00:00Z", "2026-03-01T16:00:00Z", ""))
			return
		}
		fmt.Fprint(w, `{"data": [], "included": []}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PCOEventsCacheTTL = 0
	cfg.PCOMinFetchInterval = 0
	c := New(cfg, zerolog.Nop())

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	if _, err := c.Events(context.Background(), from, to); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}

	rateLimited.Store(true)
	events, err := c.Events(context.Background(), from, to)
	if err != nil {
		t.Fatalf("expected cache fallback, got %v", err)
	}
	if len(events) != 1 || events[0].ID != "i1" {
		t.Fatalf("fallback returned wrong events: %+v", events)
	}
	if c.StatsSnapshot().RateLimitFallbacks != 1 {
		t.Fatalf("rateLimitFallbacks = %d", c.StatsSnapshot().RateLimitFallbacks)
	}
}

func TestEventsRateLimitWithoutCacheFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zerolog.Nop())
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := c.Events(context.Background(), from, from.AddDate(0, 0, 7)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestEventsPaginationCapTruncates(t *testing.T) {
	var pages int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendar/v2/event_instances" {
			fmt.Fprint(w, `{"data": [], "included": []}`)
			return
		}
		n := atomic.AddInt32(&pages, 1)
		resp := map[string]any{
			"data": []json.RawMessage{json.RawMessage(instanceJSON(
				fmt.Sprintf("i%d", n), "Recurring", "2026-03-01T14:00:00Z", "2026-03-01T16:00:00Z", ""))},
			"links": map[string]string{"next": "more"},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.PCOMaxPages = 3
	c := New(cfg, zerolog.Nop())

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := c.Events(context.Background(), from, from.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events at page cap, got %d", len(events))
	}
	if pages != 3 {
		t.Fatalf("expected 3 page fetches, got %d", pages)
	}
}

func TestCheckConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zerolog.Nop())
	if !c.CheckConnectivity(context.Background()) {
		t.Fatal("expected connectivity ok")
	}

	srv.Close()
	if c.CheckConnectivity(context.Background()) {
		t.Fatal("expected connectivity failure after server close")
	}
}
