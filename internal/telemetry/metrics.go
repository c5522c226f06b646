// Package telemetry defines the process-wide Prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doorsync_cycles_total",
		Help: "Completed sync cycles by result.",
	}, []string{"result"})

	SyncSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorsync_cycles_skipped_total",
		Help: "Triggers skipped because a cycle was already running.",
	})

	UpstreamCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorsync_upstream_cache_hits_total",
		Help: "Calendar fetches served from the in-memory window cache.",
	})

	UpstreamFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorsync_upstream_ratelimit_fallbacks_total",
		Help: "Rate-limited calendar fetches served from stale cache.",
	})

	RemoteScheduleUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorsync_remote_schedule_updates_total",
		Help: "Weekly schedule replacements issued to the controller.",
	})

	RemotePolicyRecreatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorsync_remote_policy_recreates_total",
		Help: "Access policies deleted and recreated on the controller.",
	})

	EventsFlaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doorsync_events_flagged_total",
		Help: "Events held by the approval gate.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
