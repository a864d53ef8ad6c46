// Package rollback captures pre-deployment snapshots and restores them
// when a rollout goes bad.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/core/fault"
	"github.com/artpar/shipway/internal/shell/resilience"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNoRollbackPoint is returned when a target has no recorded
	// snapshot to revert to. Rollback fails fast in that case.
	ErrNoRollbackPoint = errors.New("no rollback point recorded")
)

// =============================================================================
// Interfaces
// =============================================================================

// PointStore persists rollback points. The most recently recorded point
// per target wins; points are never consumed by a rollback.
type PointStore interface {
	SaveRollbackPoint(ctx context.Context, point *domain.RollbackPoint) error
	LatestRollbackPoint(ctx context.Context, target string) (*domain.RollbackPoint, error)
}

// Reverter restores a target to a previously captured snapshot. Reverts
// must be idempotent: applying the same snapshot twice is safe.
type Reverter interface {
	Revert(ctx context.Context, target string, snapshot json.RawMessage) error
}

// =============================================================================
// Manager
// =============================================================================

// Manager records rollback points before deployments mutate a target and
// replays the most recent one on demand. Reverts run through the
// resilience executor for retries and circuit breaking, but never
// degrade: a rollback either restores the snapshot or fails loudly.
type Manager struct {
	store    PointStore
	reverter Reverter
	executor *resilience.Executor
	logger   *slog.Logger
}

// NewManager creates a rollback manager.
func NewManager(store PointStore, reverter Reverter, executor *resilience.Executor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:    store,
		reverter: reverter,
		executor: executor,
		logger:   logger.With("component", "rollback"),
	}
}

// RecordPoint captures a snapshot of the target's current state. Call it
// after preparation succeeds and before deployment mutates anything.
func (m *Manager) RecordPoint(ctx context.Context, target string, snapshot json.RawMessage) (*domain.RollbackPoint, error) {
	point, err := domain.NewRollbackPoint(target, snapshot)
	if err != nil {
		return nil, err
	}

	if err := m.store.SaveRollbackPoint(ctx, point); err != nil {
		return nil, fmt.Errorf("save rollback point for %s: %w", target, err)
	}

	m.logger.Info("rollback point recorded", "target", target, "point_id", point.ID)
	return point, nil
}

// Rollback restores the target to its most recent rollback point. The
// returned result is never nil. A second rollback for the same target
// replays the same point.
func (m *Manager) Rollback(ctx context.Context, target string) (*domain.RollbackResult, error) {
	began := time.Now()
	result := &domain.RollbackResult{Target: target}

	point, err := m.store.LatestRollbackPoint(ctx, target)
	if err != nil {
		return m.finish(result, began, fmt.Errorf("load rollback point for %s: %w", target, err))
	}
	if point == nil {
		return m.finish(result, began, fmt.Errorf("%w: %s", ErrNoRollbackPoint, target))
	}
	result.PointID = point.ID

	work := func(ctx context.Context) (any, error) {
		return nil, m.reverter.Revert(ctx, target, point.Snapshot)
	}

	// No Fallback and Degrade left false: rollbacks never degrade.
	_, err = m.executor.Execute(ctx, "rollback:"+target, work, resilience.CallOptions{})
	if err != nil {
		return m.finish(result, began, fault.Rollback("rollback:"+target, err))
	}

	result.Reverted = true
	m.logger.Info("rollback complete",
		"target", target,
		"point_id", point.ID,
		"duration", time.Since(began))
	rollbacksTotal.WithLabelValues("reverted").Inc()
	return m.finish(result, began, nil)
}

// finish stamps timing on the result and mirrors the error into it.
func (m *Manager) finish(result *domain.RollbackResult, began time.Time, err error) (*domain.RollbackResult, error) {
	result.Duration = time.Since(began)
	result.FinishedAt = time.Now().UTC()
	if err != nil {
		result.Error = err.Error()
		m.logger.Error("rollback failed", "target", result.Target, "error", err)
		rollbacksTotal.WithLabelValues("failed").Inc()
	}
	return result, err
}
