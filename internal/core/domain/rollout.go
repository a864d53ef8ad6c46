package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Rollout Status
// =============================================================================

// RolloutStatus is the coarse state of a tracked rollout execution.
type RolloutStatus string

const (
	RolloutRunning   RolloutStatus = "running"
	RolloutSucceeded RolloutStatus = "succeeded"
	RolloutFailed    RolloutStatus = "failed"
)

// =============================================================================
// Rollout Record
// =============================================================================

// Rollout is one tracked execution of a rollout plan. It exists so the
// status API can report on executions that were launched asynchronously;
// the per-target truth lives in the deployment sessions it spawned.
type Rollout struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Strategy   Strategy         `json:"strategy"`
	Plan       RolloutPlan      `json:"plan"`
	Status     RolloutStatus    `json:"status"`
	Result     *AggregateResult `json:"result,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// NewRollout creates a running rollout record for a validated plan.
func NewRollout(plan RolloutPlan) (*Rollout, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	return &Rollout{
		ID:        uuid.New().String(),
		Name:      plan.Name,
		Strategy:  plan.Strategy,
		Plan:      plan,
		Status:    RolloutRunning,
		StartedAt: time.Now().UTC(),
	}, nil
}

// Finish records the aggregate result and derives the terminal status.
func (r *Rollout) Finish(result AggregateResult) {
	r.Result = &result
	if result.Success {
		r.Status = RolloutSucceeded
	} else {
		r.Status = RolloutFailed
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
}

// Finished reports whether the rollout reached a terminal status.
func (r *Rollout) Finished() bool {
	return r.Status != RolloutRunning
}
