package domain

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Rollout Errors
// =============================================================================

var (
	ErrNoTargets       = errors.New("rollout plan has no targets")
	ErrDuplicateTarget = errors.New("duplicate target in rollout plan")
	ErrInvalidStrategy = errors.New("invalid rollout strategy")
	ErrPlanNameEmpty   = errors.New("rollout plan name is required")
)

// =============================================================================
// Rollout Strategy
// =============================================================================

// Strategy selects how a multi-target rollout schedules its targets.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
)

// ParseStrategy validates and normalizes a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyParallel, StrategySequential:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
	}
}

// =============================================================================
// Target
// =============================================================================

// Target is one independently deployable unit (domain) within a rollout.
type Target struct {
	ID          string            `json:"id"`
	Environment Environment       `json:"environment"`
	Service     string            `json:"service,omitempty"`
	Resource    string            `json:"resource,omitempty"` // named backing data store
	HealthPath  string            `json:"health_path,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Validate checks the target for structural problems.
func (t Target) Validate() error {
	if t.ID == "" {
		return ErrTargetRequired
	}
	if _, err := ParseEnvironment(string(t.Environment)); err != nil {
		return fmt.Errorf("target %s: %w", t.ID, err)
	}
	return nil
}

// =============================================================================
// Rollout Plan
// =============================================================================

// RolloutPlan describes a rollout across one or more targets.
type RolloutPlan struct {
	Name            string   `json:"name"`
	Strategy        Strategy `json:"strategy"`
	MaxConcurrency  int      `json:"max_concurrency,omitempty"`
	ContinueOnError bool     `json:"continue_on_error,omitempty"`
	Targets         []Target `json:"targets"`
}

// Validate checks the plan for structural problems.
func (p *RolloutPlan) Validate() error {
	if p.Name == "" {
		return ErrPlanNameEmpty
	}
	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return err
	}
	if len(p.Targets) == 0 {
		return ErrNoTargets
	}

	seen := make(map[string]bool, len(p.Targets))
	for _, t := range p.Targets {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTarget, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// =============================================================================
// Target Outcomes
// =============================================================================

// OutcomeStatus is the per-target verdict inside a multi-target rollout.
type OutcomeStatus string

const (
	OutcomeSucceeded  OutcomeStatus = "succeeded"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeRolledBack OutcomeStatus = "rolled_back"
	OutcomeSkipped    OutcomeStatus = "skipped"
)

// OutcomeFor maps a terminal session status to a target outcome status.
func OutcomeFor(status SessionStatus) OutcomeStatus {
	switch status {
	case SessionSucceeded:
		return OutcomeSucceeded
	case SessionRolledBack:
		return OutcomeRolledBack
	default:
		return OutcomeFailed
	}
}

// Failed reports whether the outcome counts against overall success.
// A rolled-back target did not ship, so it counts as failed.
func (o OutcomeStatus) Failed() bool {
	return o == OutcomeFailed || o == OutcomeRolledBack
}

// TargetOutcome is the per-target result of a multi-target rollout. It
// carries enough detail (phase, error kind, rollback state) for an operator
// to retry the failed target without re-deploying the succeeding ones.
type TargetOutcome struct {
	Target        string        `json:"target"`
	Status        OutcomeStatus `json:"status"`
	SessionID     string        `json:"session_id,omitempty"`
	Phase         Phase         `json:"phase,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	RollbackRan   bool          `json:"rollback_ran,omitempty"`
	RollbackError string        `json:"rollback_error,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// SkippedOutcome builds the outcome for a target that was never attempted.
func SkippedOutcome(target string) TargetOutcome {
	return TargetOutcome{Target: target, Status: OutcomeSkipped}
}

// OutcomeFromSession folds a finished session into a per-target outcome.
func OutcomeFromSession(s *DeploymentSession) TargetOutcome {
	out := TargetOutcome{
		Target:        s.Target,
		Status:        OutcomeFor(s.Status),
		SessionID:     s.ID,
		Error:         s.ErrorMessage,
		ErrorKind:     s.ErrorKind,
		RollbackRan:   s.RollbackRan,
		RollbackError: s.RollbackError,
	}
	if phase, ok := s.FailedPhase(); ok {
		out.Phase = phase
	}
	if s.FinishedAt != nil {
		out.Duration = s.FinishedAt.Sub(s.StartedAt)
	}
	return out
}

// =============================================================================
// Aggregate Result
// =============================================================================

// AggregateResult summarizes a rollout across all targets. Outcome order
// matches the plan's target order regardless of completion order.
type AggregateResult struct {
	Plan       string          `json:"plan,omitempty"`
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Success    bool            `json:"success"`
	Outcomes   []TargetOutcome `json:"outcomes"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Aggregate folds per-target outcomes into a rollout summary. Overall
// success requires every target to have succeeded; callers wanting
// "at least one succeeded" semantics must inspect the outcomes.
func Aggregate(plan string, outcomes []TargetOutcome, startedAt, finishedAt time.Time) AggregateResult {
	agg := AggregateResult{
		Plan:       plan,
		Total:      len(outcomes),
		Outcomes:   outcomes,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	for _, o := range outcomes {
		switch {
		case o.Status == OutcomeSucceeded:
			agg.Succeeded++
		case o.Status == OutcomeSkipped:
			agg.Skipped++
		default:
			agg.Failed++
		}
	}

	agg.Success = agg.Total > 0 && agg.Succeeded == agg.Total
	return agg
}

// =============================================================================
// Slug Generation
// =============================================================================

// Slugify converts a rollout or target name to a URL-safe slug: lowercase
// letters, digits, and hyphens are kept, uppercase is lowered, spaces become
// hyphens, and everything else is dropped.
func Slugify(name string) string {
	slug := ""
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			slug += string(r)
		} else if r >= 'A' && r <= 'Z' {
			slug += string(r + 32) // convert to lowercase
		} else if r == ' ' {
			slug += "-"
		}
	}
	return slug
}
