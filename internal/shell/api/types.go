package api

import (
	"encoding/json"
	"time"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/shell/pool"
	"github.com/artpar/shipway/internal/shell/resilience"
)

// =============================================================================
// Request Types
// =============================================================================

// LaunchRolloutRequest is the request body for launching a rollout plan.
type LaunchRolloutRequest struct {
	Name            string          `json:"name"`
	Strategy        string          `json:"strategy"`
	MaxConcurrency  int             `json:"max_concurrency,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
	Targets         []TargetRequest `json:"targets"`
}

// TargetRequest represents one target in a rollout launch request.
type TargetRequest struct {
	ID          string            `json:"id"`
	Environment string            `json:"environment"`
	Service     string            `json:"service,omitempty"`
	Resource    string            `json:"resource,omitempty"`
	HealthPath  string            `json:"health_path,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Plan converts the request into a domain rollout plan.
func (r LaunchRolloutRequest) Plan() domain.RolloutPlan {
	targets := make([]domain.Target, 0, len(r.Targets))
	for _, t := range r.Targets {
		targets = append(targets, domain.Target{
			ID:          t.ID,
			Environment: domain.Environment(t.Environment),
			Service:     t.Service,
			Resource:    t.Resource,
			HealthPath:  t.HealthPath,
			Variables:   t.Variables,
		})
	}
	return domain.RolloutPlan{
		Name:            r.Name,
		Strategy:        domain.Strategy(r.Strategy),
		MaxConcurrency:  r.MaxConcurrency,
		ContinueOnError: r.ContinueOnError,
		Targets:         targets,
	}
}

// =============================================================================
// Response Types
// =============================================================================

// SessionResponse is the response for session operations.
type SessionResponse struct {
	ID            string                `json:"id"`
	Target        string                `json:"target"`
	Environment   string                `json:"environment"`
	State         string                `json:"state"`
	Status        string                `json:"status"`
	Phases        []PhaseResultResponse `json:"phases,omitempty"`
	RollbackRan   bool                  `json:"rollback_ran,omitempty"`
	RollbackError string                `json:"rollback_error,omitempty"`
	ErrorMessage  string                `json:"error_message,omitempty"`
	ErrorKind     string                `json:"error_kind,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	FinishedAt    *time.Time            `json:"finished_at,omitempty"`
	DurationMS    *int64                `json:"duration_ms,omitempty"`
}

// PhaseResultResponse represents one phase execution in a session response.
type PhaseResultResponse struct {
	Phase      string         `json:"phase"`
	Status     string         `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Detail     map[string]any `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// ListSessionsResponse is the response for listing sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// ListPhaseResultsResponse is the response for a session's phase history.
type ListPhaseResultsResponse struct {
	SessionID string                `json:"session_id"`
	Phases    []PhaseResultResponse `json:"phases"`
}

// RolloutResponse is the response for rollout operations.
type RolloutResponse struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Strategy   string                 `json:"strategy"`
	Status     string                 `json:"status"`
	Targets    int                    `json:"targets"`
	Result     *RolloutResultResponse `json:"result,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// RolloutResultResponse summarizes a finished rollout.
type RolloutResultResponse struct {
	Total     int                     `json:"total"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Skipped   int                     `json:"skipped"`
	Success   bool                    `json:"success"`
	Outcomes  []TargetOutcomeResponse `json:"outcomes"`
}

// TargetOutcomeResponse represents one target's verdict in a rollout result.
type TargetOutcomeResponse struct {
	Target        string `json:"target"`
	Status        string `json:"status"`
	SessionID     string `json:"session_id,omitempty"`
	Phase         string `json:"phase,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	RollbackRan   bool   `json:"rollback_ran,omitempty"`
	RollbackError string `json:"rollback_error,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// ListRolloutsResponse is the response for listing rollouts.
type ListRolloutsResponse struct {
	Rollouts []RolloutResponse `json:"rollouts"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// RollbackPointResponse represents one recorded rollback point.
type RollbackPointResponse struct {
	ID        string          `json:"id"`
	Target    string          `json:"target"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListRollbackPointsResponse is the response for a target's rollback points.
type ListRollbackPointsResponse struct {
	Target string                  `json:"target"`
	Points []RollbackPointResponse `json:"points"`
}

// PruneRollbackPointsResponse reports how many rollback points were removed.
type PruneRollbackPointsResponse struct {
	Target string `json:"target"`
	Keep   int    `json:"keep"`
	Pruned int    `json:"pruned"`
}

// CircuitsResponse lists per-operation circuit breaker states.
type CircuitsResponse struct {
	Circuits []resilience.CircuitStatus `json:"circuits"`
}

// ResetCircuitRequest names the operation whose breaker record to clear.
type ResetCircuitRequest struct {
	Operation string `json:"operation"`
}

// ResetCircuitResponse confirms a breaker reset.
type ResetCircuitResponse struct {
	Operation string `json:"operation"`
}

// PoolStatsResponse lists per-resource pool usage.
type PoolStatsResponse struct {
	Resources []pool.ResourceStats `json:"resources"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
