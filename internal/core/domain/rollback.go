package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Rollback Errors
// =============================================================================

var ErrSnapshotRequired = errors.New("rollback snapshot is required")

// =============================================================================
// Rollback Point
// =============================================================================

// RollbackPoint is a captured known-good state of a target. The snapshot is
// opaque to the engine: it is produced and consumed by the target-specific
// revert collaborator. Points are append-only and never deleted automatically;
// the most recent one per target is the only reversion candidate.
type RollbackPoint struct {
	ID        string          `json:"id"`
	Target    string          `json:"target"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRollbackPoint captures a known-good snapshot for a target.
func NewRollbackPoint(target string, snapshot json.RawMessage) (*RollbackPoint, error) {
	if target == "" {
		return nil, ErrTargetRequired
	}
	if len(snapshot) == 0 {
		return nil, ErrSnapshotRequired
	}

	return &RollbackPoint{
		ID:        uuid.New().String(),
		Target:    target,
		Snapshot:  snapshot,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// =============================================================================
// Rollback Result
// =============================================================================

// RollbackResult reports one revert attempt against a target.
type RollbackResult struct {
	Target     string        `json:"target"`
	PointID    string        `json:"point_id"`
	Reverted   bool          `json:"reverted"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}
