package store

import (
	"context"

	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store is the engine's own persistence: sessions, their phase history,
// rollback points, and rollout records. It is distinct from the data-plane
// resource databases the pool serves.
type Store interface {
	// Session operations. List results omit phase history; GetSession
	// hydrates it.
	CreateSession(ctx context.Context, session *domain.DeploymentSession) error
	GetSession(ctx context.Context, id string) (*domain.DeploymentSession, error)
	UpdateSession(ctx context.Context, session *domain.DeploymentSession) error
	ListSessions(ctx context.Context, opts ListOptions) ([]domain.DeploymentSession, error)
	ListSessionsByTarget(ctx context.Context, target string, opts ListOptions) ([]domain.DeploymentSession, error)

	// Phase history (append-only, ordered by lifecycle position)
	AppendPhaseResult(ctx context.Context, sessionID string, result domain.PhaseResult) error
	ListPhaseResults(ctx context.Context, sessionID string) ([]domain.PhaseResult, error)

	// Rollback point operations
	SaveRollbackPoint(ctx context.Context, point *domain.RollbackPoint) error
	LatestRollbackPoint(ctx context.Context, target string) (*domain.RollbackPoint, error)
	ListRollbackPoints(ctx context.Context, target string, opts ListOptions) ([]domain.RollbackPoint, error)
	PruneRollbackPoints(ctx context.Context, target string, keep int) (int, error)

	// Rollout operations
	CreateRollout(ctx context.Context, rollout *domain.Rollout) error
	GetRollout(ctx context.Context, id string) (*domain.Rollout, error)
	UpdateRollout(ctx context.Context, rollout *domain.Rollout) error
	ListRollouts(ctx context.Context, opts ListOptions) ([]domain.Rollout, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
