package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore is an in-memory Store used by tests and throwaway setups.
// All methods copy on the way in and out so callers never share mutable
// state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.DeploymentSession
	phases   map[string][]domain.PhaseResult
	points   []domain.RollbackPoint // append order is recording order
	rollouts map[string]*domain.Rollout
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.DeploymentSession),
		phases:   make(map[string][]domain.PhaseResult),
		rollouts: make(map[string]*domain.Rollout),
	}
}

// =============================================================================
// Session Operations
// =============================================================================

func (s *MemoryStore) CreateSession(_ context.Context, session *domain.DeploymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return NewStoreError("CreateSession", "session", session.ID, "session with this ID already exists", ErrDuplicateID)
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*domain.DeploymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, NewStoreError("GetSession", "session", id, "session not found", ErrNotFound)
	}

	out := copySession(session)
	out.Phases = append([]domain.PhaseResult(nil), s.phases[id]...)
	return out, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, session *domain.DeploymentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; !exists {
		return NewStoreError("UpdateSession", "session", session.ID, "session not found", ErrNotFound)
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, opts ListOptions) ([]domain.DeploymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.DeploymentSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		listed := *copySession(session)
		listed.Phases = nil // list results omit phase history, like SQLite
		all = append(all, listed)
	}
	sortSessions(all)
	return paginate(all, opts), nil
}

func (s *MemoryStore) ListSessionsByTarget(_ context.Context, target string, opts ListOptions) ([]domain.DeploymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.DeploymentSession, 0)
	for _, session := range s.sessions {
		if session.Target == target {
			listed := *copySession(session)
			listed.Phases = nil
			matched = append(matched, listed)
		}
	}
	sortSessions(matched)
	return paginate(matched, opts), nil
}

func (s *MemoryStore) AppendPhaseResult(_ context.Context, sessionID string, result domain.PhaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return NewStoreError("AppendPhaseResult", "phase_result", sessionID, "session not found", ErrNotFound)
	}
	for _, existing := range s.phases[sessionID] {
		if existing.Phase == result.Phase {
			return NewStoreError("AppendPhaseResult", "phase_result", sessionID,
				fmt.Sprintf("phase %s already recorded", result.Phase), ErrDuplicatePhase)
		}
	}

	result.Detail = maps.Clone(result.Detail)
	s.phases[sessionID] = append(s.phases[sessionID], result)
	return nil
}

func (s *MemoryStore) ListPhaseResults(_ context.Context, sessionID string) ([]domain.PhaseResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := append([]domain.PhaseResult(nil), s.phases[sessionID]...)
	sort.SliceStable(results, func(i, j int) bool {
		return phasePosition(results[i].Phase) < phasePosition(results[j].Phase)
	})
	return results, nil
}

// =============================================================================
// Rollback Point Operations
// =============================================================================

func (s *MemoryStore) SaveRollbackPoint(_ context.Context, point *domain.RollbackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.points {
		if existing.ID == point.ID {
			return NewStoreError("SaveRollbackPoint", "rollback_point", point.ID, "point with this ID already exists", ErrDuplicateID)
		}
	}

	copied := *point
	copied.Snapshot = append([]byte(nil), point.Snapshot...)
	s.points = append(s.points, copied)
	return nil
}

func (s *MemoryStore) LatestRollbackPoint(_ context.Context, target string) (*domain.RollbackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.points) - 1; i >= 0; i-- {
		if s.points[i].Target == target {
			point := s.points[i]
			point.Snapshot = append([]byte(nil), point.Snapshot...)
			return &point, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListRollbackPoints(_ context.Context, target string, opts ListOptions) ([]domain.RollbackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.RollbackPoint, 0)
	for i := len(s.points) - 1; i >= 0; i-- {
		if s.points[i].Target == target {
			point := s.points[i]
			point.Snapshot = append([]byte(nil), point.Snapshot...)
			matched = append(matched, point)
		}
	}
	return paginate(matched, opts), nil
}

func (s *MemoryStore) PruneRollbackPoints(_ context.Context, target string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 0 {
		keep = 0
	}

	total := 0
	for _, point := range s.points {
		if point.Target == target {
			total++
		}
	}
	toDrop := total - keep
	if toDrop <= 0 {
		return 0, nil
	}

	kept := make([]domain.RollbackPoint, 0, len(s.points)-toDrop)
	dropped := 0
	for _, point := range s.points {
		if point.Target == target && dropped < toDrop {
			dropped++
			continue
		}
		kept = append(kept, point)
	}
	s.points = kept
	return dropped, nil
}

// =============================================================================
// Rollout Operations
// =============================================================================

func (s *MemoryStore) CreateRollout(_ context.Context, rollout *domain.Rollout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rollouts[rollout.ID]; exists {
		return NewStoreError("CreateRollout", "rollout", rollout.ID, "rollout with this ID already exists", ErrDuplicateID)
	}
	s.rollouts[rollout.ID] = copyRollout(rollout)
	return nil
}

func (s *MemoryStore) GetRollout(_ context.Context, id string) (*domain.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rollout, exists := s.rollouts[id]
	if !exists {
		return nil, NewStoreError("GetRollout", "rollout", id, "rollout not found", ErrNotFound)
	}
	return copyRollout(rollout), nil
}

func (s *MemoryStore) UpdateRollout(_ context.Context, rollout *domain.Rollout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rollouts[rollout.ID]; !exists {
		return NewStoreError("UpdateRollout", "rollout", rollout.ID, "rollout not found", ErrNotFound)
	}
	s.rollouts[rollout.ID] = copyRollout(rollout)
	return nil
}

func (s *MemoryStore) ListRollouts(_ context.Context, opts ListOptions) ([]domain.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.Rollout, 0, len(s.rollouts))
	for _, rollout := range s.rollouts {
		all = append(all, *copyRollout(rollout))
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, opts), nil
}

// =============================================================================
// Transaction Support
// =============================================================================

// WithTx runs fn against the same store. The memory store offers no
// transactional isolation; tests needing real atomicity use SQLite.
func (s *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	return fn(s)
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// =============================================================================
// Copy Helpers
// =============================================================================

func copySession(session *domain.DeploymentSession) *domain.DeploymentSession {
	copied := *session
	copied.Phases = append([]domain.PhaseResult(nil), session.Phases...)
	if session.FinishedAt != nil {
		f := *session.FinishedAt
		copied.FinishedAt = &f
	}
	return &copied
}

func copyRollout(rollout *domain.Rollout) *domain.Rollout {
	copied := *rollout
	copied.Plan.Targets = append([]domain.Target(nil), rollout.Plan.Targets...)
	if rollout.Result != nil {
		result := *rollout.Result
		result.Outcomes = append([]domain.TargetOutcome(nil), rollout.Result.Outcomes...)
		copied.Result = &result
	}
	if rollout.FinishedAt != nil {
		f := *rollout.FinishedAt
		copied.FinishedAt = &f
	}
	return &copied
}

func sortSessions(sessions []domain.DeploymentSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

func paginate[T any](items []T, opts ListOptions) []T {
	opts = opts.Normalize()
	if opts.Offset >= len(items) {
		return []T{}
	}
	end := opts.Offset + opts.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[opts.Offset:end]
}
