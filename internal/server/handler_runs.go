package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/me/tdl/internal/config"
	"github.com/me/tdl/internal/dispatch"
	"github.com/me/tdl/internal/sim"
	"github.com/me/tdl/pkg/model"
)

const persistTimeout = 5 * time.Second

type runResponse struct {
	Run       *model.Run         `json:"run"`
	Writes    []sim.Write        `json:"writes,omitempty"`
	Actuators map[string]any     `json:"actuators,omitempty"`
	Warnings  []model.FieldError `json:"warnings,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}

	until, err := model.ParseDuration(req.Until)
	if err != nil || until < 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid run horizon",
				model.FieldError{Field: "until", Message: fmt.Sprintf("invalid duration %q", req.Until)}))
		return
	}

	c, status, apiErr := s.compile(req.Module, req.StartMode)
	if apiErr != nil {
		respondError(w, reqID, status, apiErr)
		return
	}

	cfg := config.DefaultRunConfig()
	cfg.Until = until.Std()
	cfg.RealTime = req.RealTime
	horizon := cfg.Horizon(c.graph.Period(c.graph.StartMode()))
	if s.config.MaxUntil > 0 && horizon > s.config.MaxUntil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("run horizon too long",
				model.FieldError{Field: "until", Message: fmt.Sprintf("%s exceeds the server limit of %s", horizon, s.config.MaxUntil)}))
		return
	}

	if !s.slots.tryAcquire() {
		_, capacity := s.slots.usage()
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
			Code:    model.ErrUnavailable,
			Message: fmt.Sprintf("all %d run slots are busy, retry later", capacity),
		})
		return
	}
	defer s.slots.release()

	run := &model.Run{
		ID:        "run_" + uuid.New().String(),
		Module:    c.module.Name,
		StartMode: c.graph.StartMode(),
		State:     model.RunStateRunning,
		Until:     model.Duration(horizon),
		RealTime:  cfg.RealTime,
		Nodes:     c.graph.Len(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		respondInternal(w, reqID, err)
		return
	}

	var opts []dispatch.Option
	if s.metrics != nil {
		opts = append(opts, dispatch.WithObserver(s.metrics))
	}
	res, runErr := sim.NewRunner(c.graph, c.module, cfg, s.base, opts...).Run(r.Context())

	// The run record must leave RUNNING even when the client has gone.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), persistTimeout)
	defer cancel()

	now := time.Now().UTC()
	run.CompletedAt = &now
	if runErr != nil {
		run.State = model.RunStateFailed
		run.Error = runErr.Error()
		s.logger.Warn("run failed", "id", run.ID, "module", run.Module, "error", runErr)
	} else {
		run.State = model.RunStateCompleted
		run.FinalMode = res.FinalMode
		run.Events = len(res.Events)
		run.TraceHash = res.TraceHash
		if err := s.store.AppendEvents(ctx, run.ID, res.Events); err != nil {
			s.failRun(ctx, run, fmt.Errorf("store events: %w", err))
			respondInternal(w, reqID, err)
			return
		}
	}
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.failRun(ctx, run, fmt.Errorf("update run: %w", err))
		respondInternal(w, reqID, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RunFinished(run.State)
	}
	s.logger.Info("run finished", "id", run.ID, "module", run.Module, "state", run.State, "events", run.Events)

	resp := runResponse{Run: run, Warnings: c.warnings}
	if res != nil {
		resp.Writes = res.Writes
		resp.Actuators = res.Actuators
	}
	respondCreated(w, reqID, resp)
}

// failRun records a persistence failure on a run that was already created.
func (s *Server) failRun(ctx context.Context, run *model.Run, cause error) {
	run.State = model.RunStateFailed
	run.Error = cause.Error()
	run.FinalMode, run.Events, run.TraceHash = "", 0, ""
	s.logger.Error("run persistence failed", "id", run.ID, "error", cause)
	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.logger.Error("mark run failed", "id", run.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.RunFinished(run.State)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	opts.Module = q.Get("module")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query", model.FieldError{Field: "limit", Message: "must be an integer"}))
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query", model.FieldError{Field: "offset", Message: "must be an integer"}))
			return
		}
		opts.Offset = n
	}
	opts.Clamp()

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}

	q := r.URL.Query()
	kind, mode := q.Get("kind"), q.Get("mode")
	filtered := make([]model.Event, 0, len(events))
	for _, e := range events {
		if (kind == "" || e.Kind == kind) && (mode == "" || e.Mode == mode) {
			filtered = append(filtered, e)
		}
	}
	respondOK(w, reqID, filtered)
}
