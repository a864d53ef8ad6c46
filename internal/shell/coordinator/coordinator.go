// Package coordinator fans a rollout plan out across its targets, either in
// parallel under a concurrency cap or sequentially with halt-on-failure,
// and folds the per-target sessions into one aggregate result.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Runner executes the full lifecycle for one target. The orchestrator is
// the production Runner.
type Runner interface {
	Run(ctx context.Context, target domain.Target) *domain.DeploymentSession
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the coordinator knobs.
type Config struct {
	// MaxConcurrent caps parallel targets when the plan sets no cap.
	MaxConcurrent int

	// TargetTimeout bounds one target's full lifecycle.
	TargetTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		TargetTimeout: 30 * time.Minute,
	}
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator schedules multi-target rollouts. Targets are independent by
// contract: one target's failure never cancels a sibling mid-flight, and
// outcomes always come back in plan order regardless of completion order.
type Coordinator struct {
	runner Runner
	config Config
	logger *slog.Logger
}

// New creates a coordinator.
func New(runner Runner, config Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.TargetTimeout <= 0 {
		config.TargetTimeout = def.TargetTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		runner: runner,
		config: config,
		logger: logger.With("component", "coordinator"),
	}
}

// Deploy executes a rollout plan and aggregates the per-target outcomes.
// The error return covers plan validation only; target failures live in
// the aggregate.
func (c *Coordinator) Deploy(ctx context.Context, plan domain.RolloutPlan) (*domain.AggregateResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	c.logger.Info("rollout started",
		"plan", plan.Name,
		"strategy", plan.Strategy,
		"targets", len(plan.Targets))

	var outcomes []domain.TargetOutcome
	switch plan.Strategy {
	case domain.StrategyParallel:
		outcomes = c.deployParallel(ctx, plan)
	default:
		outcomes = c.deploySequential(ctx, plan)
	}

	result := domain.Aggregate(plan.Name, outcomes, started, time.Now().UTC())

	status := "succeeded"
	if !result.Success {
		status = "failed"
	}
	rolloutsTotal.WithLabelValues(status).Inc()
	rolloutDuration.Observe(result.FinishedAt.Sub(result.StartedAt).Seconds())
	c.logger.Info("rollout finished",
		"plan", plan.Name,
		"success", result.Success,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped)

	return &result, nil
}

// deployParallel runs targets concurrently under the plan's cap. The group
// deliberately carries no shared error: a sibling failure is an outcome,
// not a reason to cancel the others.
func (c *Coordinator) deployParallel(ctx context.Context, plan domain.RolloutPlan) []domain.TargetOutcome {
	limit := plan.MaxConcurrency
	if limit <= 0 {
		limit = c.config.MaxConcurrent
	}

	outcomes := make([]domain.TargetOutcome, len(plan.Targets))

	var group errgroup.Group
	group.SetLimit(limit)
	for i, target := range plan.Targets {
		// Cancellation stops new launches; queued and running targets are
		// handled inside deployTarget.
		if ctx.Err() != nil {
			outcomes[i] = domain.SkippedOutcome(target.ID)
			targetsTotal.WithLabelValues(string(domain.OutcomeSkipped)).Inc()
			continue
		}
		group.Go(func() error {
			outcomes[i] = c.deployTarget(ctx, target)
			return nil
		})
	}
	_ = group.Wait()

	return outcomes
}

// deploySequential runs targets in plan order. Unless the plan continues on
// error, the first failed or rolled-back target halts the rollout and the
// rest are recorded as skipped.
func (c *Coordinator) deploySequential(ctx context.Context, plan domain.RolloutPlan) []domain.TargetOutcome {
	outcomes := make([]domain.TargetOutcome, len(plan.Targets))
	halted := false

	for i, target := range plan.Targets {
		if halted || ctx.Err() != nil {
			outcomes[i] = domain.SkippedOutcome(target.ID)
			targetsTotal.WithLabelValues(string(domain.OutcomeSkipped)).Inc()
			continue
		}

		outcomes[i] = c.deployTarget(ctx, target)
		if outcomes[i].Status.Failed() && !plan.ContinueOnError {
			halted = true
			c.logger.Warn("halting rollout after failure",
				"plan", plan.Name,
				"target", target.ID,
				"status", outcomes[i].Status)
		}
	}

	return outcomes
}

// deployTarget runs one target to its natural end. Once a target starts,
// rollout-level cancellation no longer reaches it: a half-deployed target
// is worse than a slow shutdown, so only the per-target timeout bounds it.
func (c *Coordinator) deployTarget(ctx context.Context, target domain.Target) domain.TargetOutcome {
	if ctx.Err() != nil {
		targetsTotal.WithLabelValues(string(domain.OutcomeSkipped)).Inc()
		return domain.SkippedOutcome(target.ID)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.TargetTimeout)
	defer cancel()

	session := c.runner.Run(runCtx, target)
	outcome := domain.OutcomeFromSession(session)

	targetsTotal.WithLabelValues(string(outcome.Status)).Inc()
	c.logger.Info("target finished",
		"target", target.ID,
		"session", outcome.SessionID,
		"status", outcome.Status,
		"duration", outcome.Duration)
	return outcome
}
