package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/core/fault"
	"github.com/artpar/shipway/internal/shell/resilience"
)

func TestManager_RecordPoint(t *testing.T) {
	store := newFakePointStore()
	m := newTestManager(t, store, &fakeReverter{})

	snapshot := json.RawMessage(`{"version":"1.4.2"}`)
	point, err := m.RecordPoint(context.Background(), "api.example.com", snapshot)

	require.NoError(t, err)
	assert.NotEmpty(t, point.ID)
	assert.Equal(t, "api.example.com", point.Target)

	stored, err := store.LatestRollbackPoint(context.Background(), "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, point.ID, stored.ID)
}

func TestManager_RecordPoint_RequiresSnapshot(t *testing.T) {
	m := newTestManager(t, newFakePointStore(), &fakeReverter{})

	_, err := m.RecordPoint(context.Background(), "api.example.com", nil)

	assert.ErrorIs(t, err, domain.ErrSnapshotRequired)
}

func TestManager_Rollback_RestoresLatestPoint(t *testing.T) {
	store := newFakePointStore()
	reverter := &fakeReverter{}
	m := newTestManager(t, store, reverter)

	_, err := m.RecordPoint(context.Background(), "api.example.com", json.RawMessage(`{"version":"1"}`))
	require.NoError(t, err)
	second, err := m.RecordPoint(context.Background(), "api.example.com", json.RawMessage(`{"version":"2"}`))
	require.NoError(t, err)

	result, err := m.Rollback(context.Background(), "api.example.com")

	require.NoError(t, err)
	assert.True(t, result.Reverted)
	assert.Equal(t, second.ID, result.PointID)
	assert.Empty(t, result.Error)
	assert.False(t, result.FinishedAt.IsZero())

	require.Len(t, reverter.applied, 1)
	assert.JSONEq(t, `{"version":"2"}`, string(reverter.applied[0]))
}

func TestManager_Rollback_NoPointFailsFast(t *testing.T) {
	reverter := &fakeReverter{}
	m := newTestManager(t, newFakePointStore(), reverter)

	result, err := m.Rollback(context.Background(), "api.example.com")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRollbackPoint)
	assert.False(t, result.Reverted)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, reverter.applied, "reverter must not run without a point")
}

func TestManager_Rollback_RetriesTransientFailures(t *testing.T) {
	store := newFakePointStore()
	reverter := &fakeReverter{failCount: 2, failWith: fault.Transient("revert", errors.New("api timeout"))}
	m := newTestManager(t, store, reverter)

	_, err := m.RecordPoint(context.Background(), "api.example.com", json.RawMessage(`{"version":"1"}`))
	require.NoError(t, err)

	result, err := m.Rollback(context.Background(), "api.example.com")

	require.NoError(t, err)
	assert.True(t, result.Reverted)
	assert.Len(t, reverter.applied, 3)
}

func TestManager_Rollback_FailureWrappedAsRollbackFault(t *testing.T) {
	store := newFakePointStore()
	reverter := &fakeReverter{failCount: 10, failWith: fault.Permanent("revert", errors.New("snapshot corrupt"))}
	m := newTestManager(t, store, reverter)

	_, err := m.RecordPoint(context.Background(), "api.example.com", json.RawMessage(`{"version":"1"}`))
	require.NoError(t, err)

	result, err := m.Rollback(context.Background(), "api.example.com")

	require.Error(t, err)
	assert.Equal(t, fault.KindRollback, fault.KindOf(err))
	assert.False(t, result.Reverted)
	assert.Contains(t, result.Error, "snapshot corrupt")
	// Permanent revert failures do not retry.
	assert.Len(t, reverter.applied, 1)
}

func TestManager_Rollback_Idempotent(t *testing.T) {
	store := newFakePointStore()
	reverter := &fakeReverter{}
	m := newTestManager(t, store, reverter)

	_, err := m.RecordPoint(context.Background(), "api.example.com", json.RawMessage(`{"version":"1"}`))
	require.NoError(t, err)

	first, err := m.Rollback(context.Background(), "api.example.com")
	require.NoError(t, err)
	second, err := m.Rollback(context.Background(), "api.example.com")
	require.NoError(t, err)

	// Points are not consumed: both rollbacks replay the same snapshot.
	assert.Equal(t, first.PointID, second.PointID)
	assert.Len(t, reverter.applied, 2)
}

func TestManager_Rollback_TargetsIndependent(t *testing.T) {
	store := newFakePointStore()
	reverter := &fakeReverter{}
	m := newTestManager(t, store, reverter)

	_, err := m.RecordPoint(context.Background(), "api.example.com", json.RawMessage(`{"version":"1"}`))
	require.NoError(t, err)

	_, err = m.Rollback(context.Background(), "worker.example.com")
	assert.ErrorIs(t, err, ErrNoRollbackPoint)

	result, err := m.Rollback(context.Background(), "api.example.com")
	require.NoError(t, err)
	assert.True(t, result.Reverted)
}

// =============================================================================
// Test Helpers
// =============================================================================

func newTestManager(t *testing.T, store PointStore, reverter Reverter) *Manager {
	t.Helper()
	executor := resilience.NewExecutor(resilience.Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		CapDelay:   5 * time.Millisecond,
	}, nil)
	return NewManager(store, reverter, executor, nil)
}

type fakePointStore struct {
	mu     sync.Mutex
	points map[string][]*domain.RollbackPoint
}

func newFakePointStore() *fakePointStore {
	return &fakePointStore{points: make(map[string][]*domain.RollbackPoint)}
}

func (s *fakePointStore) SaveRollbackPoint(ctx context.Context, point *domain.RollbackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[point.Target] = append(s.points[point.Target], point)
	return nil
}

func (s *fakePointStore) LatestRollbackPoint(ctx context.Context, target string) (*domain.RollbackPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.points[target]
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1], nil
}

type fakeReverter struct {
	mu        sync.Mutex
	applied   []json.RawMessage
	failCount int
	failWith  error
}

func (r *fakeReverter) Revert(ctx context.Context, target string, snapshot json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, snapshot)
	if r.failCount > 0 {
		r.failCount--
		return r.failWith
	}
	return nil
}
