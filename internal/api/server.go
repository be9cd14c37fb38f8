// Package api is the producer and status surface consumed by the web layer
// and admin tooling. End users never hit it directly.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Marx-A00/rec-sub006/internal/activity"
	"github.com/Marx-A00/rec-sub006/internal/config"
	"github.com/Marx-A00/rec-sub006/internal/correction"
	"github.com/Marx-A00/rec-sub006/internal/models"
	"github.com/Marx-A00/rec-sub006/internal/priority"
	"github.com/Marx-A00/rec-sub006/internal/queue"
	"github.com/Marx-A00/rec-sub006/internal/telemetry"
)

// Server wires the HTTP handlers.
type Server struct {
	cfg        config.Config
	queue      *queue.Queue
	activities *activity.Ledger
	monitor    *activity.Monitor
	correction *correction.Service
	log        zerolog.Logger
}

// New constructs the API server. monitor may be nil when the monitor runs in
// the worker process; the status endpoint then omits the snapshot section.
func New(cfg config.Config, q *queue.Queue, acts *activity.Ledger, mon *activity.Monitor, corr *correction.Service, log zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		queue:      q,
		activities: acts,
		monitor:    mon,
		correction: corr,
		log:        log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/queue/counts", s.handleCounts)

	r.Post("/schedules", s.handleUpsertSchedule)
	r.Get("/schedules", s.handleListSchedules)
	r.Post("/schedules/{name}/enabled", s.handleToggleSchedule)

	r.Post("/activity/events", s.handleActivityEvent)
	r.Get("/status", s.handleStatus)

	r.Post("/corrections/artists", s.handleArtistCorrection)
	r.Post("/corrections/albums", s.handleAlbumCorrection)

	return r
}

type enqueueRequest struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Tier        string         `json:"tier"`
	DedupeKey   string         `json:"dedupe_key"`
	DelayMs     int64          `json:"delay_ms"`
	MaxAttempts int            `json:"max_attempts"`
}

type enqueueResponse struct {
	JobID   string `json:"job_id"`
	Deduped bool   `json:"deduped"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tier := models.TierBackground
	if req.Tier != "" {
		var ok bool
		tier, ok = priority.FromString(req.Tier)
		if !ok {
			http.Error(w, "unknown tier", http.StatusBadRequest)
			return
		}
	}

	id, deduped, err := s.queue.Enqueue(r.Context(), models.JobType(req.Type), req.Payload, queue.Options{
		Tier:        tier,
		DedupeKey:   req.DedupeKey,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
	})
	var verr *queue.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	if deduped {
		telemetry.DedupeCounter.Inc()
	} else {
		telemetry.EnqueueCounter.Inc()
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id, Deduped: deduped})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		http.Error(w, "failed to read counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type scheduleRequest struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	IntervalMs int64          `json:"interval_ms"`
}

func (s *Server) handleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := s.queue.ScheduleRepeating(r.Context(), req.Name, models.JobType(req.Type), req.Payload, time.Duration(req.IntervalMs)*time.Millisecond)
	var verr *queue.ValidationError
	if errors.As(err, &verr) {
		http.Error(w, verr.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("schedule upsert failed")
		http.Error(w, "schedule upsert failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.queue.ListRepeating(r.Context())
	if err != nil {
		http.Error(w, "failed to list schedules", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.queue.SetScheduleEnabled(r.Context(), chi.URLParam(r, "name"), req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

type activityEventRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
}

// handleActivityEvent is the hook request handlers call as a side effect of
// user actions; the monitor's pause decisions feed off these rows.
func (s *Server) handleActivityEvent(w http.ResponseWriter, r *http.Request) {
	var req activityEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	err := s.activities.Record(r.Context(), models.ActivityEvent{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Kind:      models.ActivityKind(req.Kind),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStatus is the operator dashboard snapshot. Best-effort: a failing
// section degrades to a reported error, never a crash.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}

	if counts, err := s.queue.Counts(r.Context()); err != nil {
		out["counts_error"] = err.Error()
	} else {
		out["counts"] = counts
	}

	if schedules, err := s.queue.ListRepeating(r.Context()); err != nil {
		out["schedules_error"] = err.Error()
	} else {
		out["schedules"] = schedules
	}

	paused := map[string]any{}
	for _, tier := range priority.Lanes() {
		if p, err := s.queue.IsPaused(r.Context(), tier); err != nil {
			paused[string(tier)] = "unknown"
		} else {
			paused[string(tier)] = p
		}
	}
	out["paused"] = paused

	if s.monitor != nil {
		out["activity"] = s.monitor.Snapshot()
	}

	writeJSON(w, http.StatusOK, out)
}

type correctionRequest struct {
	Query string `json:"query"`
	Apply string `json:"apply"` // entity id to accept; empty means suggest only
	Limit int    `json:"limit"`
}

func (s *Server) handleArtistCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Apply != "" {
		jobID, err := s.correction.ApplyArtist(r.Context(), req.Apply)
		if err != nil {
			http.Error(w, "correction failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}
	cands, err := s.correction.SuggestArtists(r.Context(), req.Query, req.Limit)
	if err != nil {
		http.Error(w, "search failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func (s *Server) handleAlbumCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Apply != "" {
		jobID, err := s.correction.ApplyAlbum(r.Context(), req.Apply)
		if err != nil {
			http.Error(w, "correction failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}
	cands, err := s.correction.SuggestAlbums(r.Context(), req.Query, req.Limit)
	if err != nil {
		http.Error(w, "search failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
