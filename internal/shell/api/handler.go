// Package api provides HTTP handlers for the Shipway status API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/shell/coordinator"
	"github.com/artpar/shipway/internal/shell/events"
	"github.com/artpar/shipway/internal/shell/pool"
	"github.com/artpar/shipway/internal/shell/resilience"
	"github.com/artpar/shipway/internal/shell/store"
)

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API. Every collaborator except the
// store is optional; endpoints backed by a missing collaborator report
// service unavailable instead of panicking.
type Handler struct {
	store    store.Store
	rollouts *coordinator.Service
	bus      *events.Bus
	executor *resilience.Executor
	pool     *pool.Pool
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, rollouts *coordinator.Service, bus *events.Bus, executor *resilience.Executor, resources *pool.Pool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    s,
		rollouts: rollouts,
		bus:      bus,
		executor: executor,
		pool:     resources,
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.handleListSessions)
			r.Get("/{id}", h.handleGetSession)
			r.Get("/{id}/phases", h.handleGetSessionPhases)
		})

		// Rollout routes
		r.Route("/rollouts", func(r chi.Router) {
			r.Post("/", h.handleLaunchRollout)
			r.Get("/", h.handleListRollouts)
			r.Get("/{id}", h.handleGetRollout)
		})

		// Rollback point routes
		r.Route("/targets/{target}/rollback-points", func(r chi.Router) {
			r.Get("/", h.handleListRollbackPoints)
			r.Delete("/", h.handlePruneRollbackPoints)
		})

		// Status routes
		r.Get("/circuits", h.handleCircuits)
		r.Post("/circuits/reset", h.handleResetCircuit)
		r.Get("/pool", h.handlePoolStats)
		r.Get("/events", h.handleEvents)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	// A readiness probe must hit the database, not just check the handle.
	if _, err := h.store.ListSessions(r.Context(), store.ListOptions{Limit: 1}); err != nil {
		checks["store"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			Checks: checks,
		})
		return
	}
	checks["store"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Session Handlers
// =============================================================================

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)

	var (
		sessions []domain.DeploymentSession
		err      error
	)
	if target := r.URL.Query().Get("target"); target != "" {
		sessions, err = h.store.ListSessionsByTarget(r.Context(), target, opts)
	} else {
		sessions, err = h.store.ListSessions(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list sessions", "internal_error")
		return
	}

	resp := ListSessionsResponse{
		Sessions: make([]SessionResponse, 0, len(sessions)),
		Total:    len(sessions),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}
	for i := range sessions {
		resp.Sessions = append(resp.Sessions, h.sessionToResponse(&sessions[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "session not found", "session_not_found")
			return
		}
		h.logger.Error("failed to get session", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get session", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, h.sessionToResponse(session))
}

func (h *Handler) handleGetSessionPhases(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "session not found", "session_not_found")
			return
		}
		h.logger.Error("failed to get session", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get session", "internal_error")
		return
	}

	resp := ListPhaseResultsResponse{
		SessionID: session.ID,
		Phases:    make([]PhaseResultResponse, 0, len(session.Phases)),
	}
	for _, phase := range session.Phases {
		resp.Phases = append(resp.Phases, phaseToResponse(phase))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Rollout Handlers
// =============================================================================

func (h *Handler) handleLaunchRollout(w http.ResponseWriter, r *http.Request) {
	if h.rollouts == nil {
		h.writeError(w, http.StatusServiceUnavailable, "rollout launches are disabled", "rollouts_disabled")
		return
	}

	var req LaunchRolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	rollout, err := h.rollouts.Launch(r.Context(), req.Plan())
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrNotStarted):
			h.writeError(w, http.StatusServiceUnavailable, "rollout service is not running", "not_ready")
		case isPlanInvalid(err):
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		default:
			h.logger.Error("failed to launch rollout", "error", err)
			h.writeError(w, http.StatusInternalServerError, "failed to launch rollout", "internal_error")
		}
		return
	}

	h.logger.Info("rollout launched",
		"rollout_id", rollout.ID,
		"name", rollout.Name,
		"strategy", rollout.Strategy,
		"targets", len(rollout.Plan.Targets),
	)

	h.writeJSON(w, http.StatusAccepted, h.rolloutToResponse(rollout))
}

func (h *Handler) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	opts := parseListOptions(r)

	rollouts, err := h.store.ListRollouts(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list rollouts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list rollouts", "internal_error")
		return
	}

	resp := ListRolloutsResponse{
		Rollouts: make([]RolloutResponse, 0, len(rollouts)),
		Total:    len(rollouts),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}
	for i := range rollouts {
		resp.Rollouts = append(resp.Rollouts, h.rolloutToResponse(&rollouts[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rollout, err := h.store.GetRollout(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "rollout not found", "rollout_not_found")
			return
		}
		h.logger.Error("failed to get rollout", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get rollout", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, h.rolloutToResponse(rollout))
}

// =============================================================================
// Rollback Point Handlers
// =============================================================================

func (h *Handler) handleListRollbackPoints(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	opts := parseListOptions(r)

	points, err := h.store.ListRollbackPoints(r.Context(), target, opts)
	if err != nil {
		h.logger.Error("failed to list rollback points", "target", target, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list rollback points", "internal_error")
		return
	}

	resp := ListRollbackPointsResponse{
		Target: target,
		Points: make([]RollbackPointResponse, 0, len(points)),
	}
	for _, point := range points {
		resp.Points = append(resp.Points, RollbackPointResponse{
			ID:        point.ID,
			Target:    point.Target,
			Snapshot:  point.Snapshot,
			CreatedAt: point.CreatedAt,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePruneRollbackPoints(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")

	// DELETE without keep clears the target's full history.
	keep := 0
	if raw := r.URL.Query().Get("keep"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "keep must be a non-negative integer", "validation_error")
			return
		}
		keep = parsed
	}

	pruned, err := h.store.PruneRollbackPoints(r.Context(), target, keep)
	if err != nil {
		h.logger.Error("failed to prune rollback points", "target", target, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to prune rollback points", "internal_error")
		return
	}

	h.logger.Info("rollback points pruned", "target", target, "keep", keep, "pruned", pruned)

	h.writeJSON(w, http.StatusOK, PruneRollbackPointsResponse{
		Target: target,
		Keep:   keep,
		Pruned: pruned,
	})
}

// =============================================================================
// Status Handlers
// =============================================================================

func (h *Handler) handleCircuits(w http.ResponseWriter, r *http.Request) {
	circuits := []resilience.CircuitStatus{}
	if h.executor != nil {
		if snapshot := h.executor.Circuits().Snapshot(); snapshot != nil {
			circuits = snapshot
		}
	}
	h.writeJSON(w, http.StatusOK, CircuitsResponse{Circuits: circuits})
}

func (h *Handler) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil {
		h.writeError(w, http.StatusServiceUnavailable, "circuit breakers are disabled", "circuits_disabled")
		return
	}

	var req ResetCircuitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Operation == "" {
		h.writeError(w, http.StatusBadRequest, "operation is required", "validation_error")
		return
	}

	h.executor.Circuits().Reset(req.Operation)

	h.logger.Info("circuit reset", "operation", req.Operation)

	h.writeJSON(w, http.StatusOK, ResetCircuitResponse{Operation: req.Operation})
}

func (h *Handler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	resources := []pool.ResourceStats{}
	if h.pool != nil {
		if stats := h.pool.Stats(); stats != nil {
			resources = stats
		}
	}
	h.writeJSON(w, http.StatusOK, PoolStatsResponse{Resources: resources})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func (h *Handler) sessionToResponse(s *domain.DeploymentSession) SessionResponse {
	resp := SessionResponse{
		ID:            s.ID,
		Target:        s.Target,
		Environment:   string(s.Environment),
		State:         string(s.State),
		Status:        string(s.Status),
		Phases:        make([]PhaseResultResponse, 0, len(s.Phases)),
		RollbackRan:   s.RollbackRan,
		RollbackError: s.RollbackError,
		ErrorMessage:  s.ErrorMessage,
		ErrorKind:     s.ErrorKind,
		StartedAt:     s.StartedAt,
		UpdatedAt:     s.UpdatedAt,
		FinishedAt:    s.FinishedAt,
	}
	for _, phase := range s.Phases {
		resp.Phases = append(resp.Phases, phaseToResponse(phase))
	}
	if s.FinishedAt != nil {
		ms := s.FinishedAt.Sub(s.StartedAt).Milliseconds()
		resp.DurationMS = &ms
	}
	return resp
}

func phaseToResponse(p domain.PhaseResult) PhaseResultResponse {
	return PhaseResultResponse{
		Phase:      string(p.Phase),
		Status:     string(p.Status),
		DurationMS: p.Duration.Milliseconds(),
		Detail:     p.Detail,
		Error:      p.Error,
		RecordedAt: p.RecordedAt,
	}
}

func (h *Handler) rolloutToResponse(ro *domain.Rollout) RolloutResponse {
	resp := RolloutResponse{
		ID:         ro.ID,
		Name:       ro.Name,
		Strategy:   string(ro.Strategy),
		Status:     string(ro.Status),
		Targets:    len(ro.Plan.Targets),
		StartedAt:  ro.StartedAt,
		FinishedAt: ro.FinishedAt,
	}
	if ro.Result != nil {
		result := RolloutResultResponse{
			Total:     ro.Result.Total,
			Succeeded: ro.Result.Succeeded,
			Failed:    ro.Result.Failed,
			Skipped:   ro.Result.Skipped,
			Success:   ro.Result.Success,
			Outcomes:  make([]TargetOutcomeResponse, 0, len(ro.Result.Outcomes)),
		}
		for _, outcome := range ro.Result.Outcomes {
			result.Outcomes = append(result.Outcomes, TargetOutcomeResponse{
				Target:        outcome.Target,
				Status:        string(outcome.Status),
				SessionID:     outcome.SessionID,
				Phase:         string(outcome.Phase),
				Error:         outcome.Error,
				ErrorKind:     outcome.ErrorKind,
				RollbackRan:   outcome.RollbackRan,
				RollbackError: outcome.RollbackError,
				DurationMS:    outcome.Duration.Milliseconds(),
			})
		}
		resp.Result = &result
	}
	return resp
}

func parseListOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}

	return opts
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Unwrap(), store.ErrNotFound)
	}
	return false
}

// isPlanInvalid checks if an error is a rollout plan validation failure.
func isPlanInvalid(err error) bool {
	for _, sentinel := range []error{
		domain.ErrPlanNameEmpty,
		domain.ErrInvalidStrategy,
		domain.ErrNoTargets,
		domain.ErrDuplicateTarget,
		domain.ErrTargetRequired,
		domain.ErrInvalidEnvironment,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
