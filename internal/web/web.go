// Package web exposes the core JSON API consumed by the dashboard:
// status, previews, manual sync, approvals, cancellations, and CRUD on
// the operator-facing configuration files.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"doorsync/internal/approval"
	"doorsync/internal/cancellations"
	"doorsync/internal/config"
	"doorsync/internal/eventmemory"
	"doorsync/internal/mapping"
	"doorsync/internal/officehours"
	"doorsync/internal/overrides"
	"doorsync/internal/statefile"
	"doorsync/internal/syncer"
	"doorsync/internal/telemetry"
)

// Server hosts the core API.
type Server struct {
	cfg    *config.Config
	svc    *syncer.Service
	logger zerolog.Logger
}

// NewServer constructs the API server.
func NewServer(cfg *config.Config, svc *syncer.Service, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, logger: logger.With().Str("component", "web").Logger()}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync/run", s.handleSyncRun)
		r.Get("/preview", s.handlePreview)
		r.Get("/events/upcoming", s.handleUpcoming)

		r.Get("/config/apply", s.handleGetApply)
		r.Post("/config/apply", s.handleSetApply)

		r.Route("/pending", func(r chi.Router) {
			r.Get("/", s.handlePendingList)
			r.Post("/{id}/approve", s.handleApprove)
			r.Post("/{id}/deny", s.handleDeny)
		})

		r.Route("/approved-names", func(r chi.Router) {
			r.Get("/", s.handleApprovedList)
			r.Post("/", s.handleApprovedAdd)
			r.Delete("/{name}", s.handleApprovedRemove)
		})

		r.Route("/cancelled", func(r chi.Router) {
			r.Get("/", s.handleCancelledList)
			r.Post("/", s.handleCancel)
			r.Delete("/{id}", s.handleRestore)
		})

		r.Get("/memory", s.handleMemory)

		r.Route("/files", func(r chi.Router) {
			r.Get("/mapping", s.handleMappingGet)
			r.Put("/mapping", s.handleMappingPut)
			r.Get("/office-hours", s.handleOfficeHoursGet)
			r.Put("/office-hours", s.handleOfficeHoursPut)
			r.Get("/overrides", s.handleOverridesGet)
			r.Put("/overrides", s.handleOverridesPut)
			r.Get("/safe-hours", s.handleSafeHoursGet)
			r.Put("/safe-hours", s.handleSafeHoursPut)
		})
	})

	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Int("port", s.cfg.Port).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Snapshot())
}

// handleSyncRun triggers one cycle and waits for it. A concurrent
// cycle yields 409 rather than queueing.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RunOnce(r.Context()); err != nil {
		if errors.Is(err, syncer.ErrBusy) {
			writeError(w, http.StatusConflict, "sync already in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	hours := parseIntDefault(r.URL.Query().Get("hours"), 24)
	if hours <= 0 {
		hours = 24
	}
	now := time.Now().UTC()
	res, err := s.svc.Preview(r.Context(), now, now.Add(time.Duration(hours)*time.Hour))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.UpcomingPreview(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetApply(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"applyToUnifi": s.svc.ApplyMode()})
}

func (s *Server) handleSetApply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApplyToUnifi bool `json:"applyToUnifi"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.svc.SetApplyMode(body.ApplyToUnifi); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "applyToUnifi": s.svc.ApplyMode()})
}

func (s *Server) handlePendingList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": approval.LoadPending(s.cfg.PendingFile)})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name, err := s.svc.Gate().Approve(id, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Info().Str("event_id", id).Str("name", name).Msg("event approved")
	writeJSON(w, http.StatusOK, map[string]string{"approved": name})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Gate().Deny(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Info().Str("event_id", id).Msg("event denied")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleApprovedList(w http.ResponseWriter, _ *http.Request) {
	names, _ := approval.LoadApprovedNames(s.cfg.ApprovedNamesFile)
	if names == nil {
		names = []approval.ApprovedName{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": names})
}

func (s *Server) handleApprovedAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "'name' is required")
		return
	}
	if err := approval.AddApprovedName(s.cfg.ApprovedNamesFile, body.Name, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleApprovedRemove(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := approval.RemoveApprovedName(s.cfg.ApprovedNamesFile, name); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancelledList(w http.ResponseWriter, _ *http.Request) {
	set := cancellations.Load(s.cfg.CancelledFile)
	writeJSON(w, http.StatusOK, map[string]any{"instances": set.Instances()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var inst cancellations.Instance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil || inst.ID == "" {
		writeError(w, http.StatusBadRequest, "'id' is required")
		return
	}
	if err := cancellations.Add(s.cfg.CancelledFile, inst, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("event_id", inst.ID).Str("name", inst.Name).Msg("event cancelled")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := cancellations.Remove(s.cfg.CancelledFile, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Str("event_id", id).Msg("event restored")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMemory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, eventmemory.Load(s.cfg.EventMemoryFile))
}

func (s *Server) handleMappingGet(w http.ResponseWriter, _ *http.Request) {
	var raw map[string]any
	if err := statefile.LoadOr(s.cfg.MappingFile, &raw); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if raw == nil {
		raw = map[string]any{}
	}
	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) handleMappingPut(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := mapping.Validate(raw); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := statefile.Save(s.cfg.MappingFile, raw); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOfficeHoursGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, officehours.Load(s.cfg.OfficeHoursFile))
}

func (s *Server) handleOfficeHoursPut(w http.ResponseWriter, r *http.Request) {
	var cfg officehours.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := officehours.Save(s.cfg.OfficeHoursFile, cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOverridesGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, overrides.Load(s.cfg.OverridesFile))
}

func (s *Server) handleOverridesPut(w http.ResponseWriter, r *http.Request) {
	var set overrides.Set
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := overrides.Save(s.cfg.OverridesFile, set); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSafeHoursGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, approval.LoadSafeHours(s.cfg.SafeHoursFile))
}

func (s *Server) handleSafeHoursPut(w http.ResponseWriter, r *http.Request) {
	var sh approval.SafeHours
	if err := json.NewDecoder(r.Body).Decode(&sh); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := approval.SaveSafeHours(s.cfg.SafeHoursFile, sh); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
