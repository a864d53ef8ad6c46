package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestSession(t *testing.T, s Store, target string) *domain.DeploymentSession {
	t.Helper()
	session, err := domain.NewSession(target, domain.EnvProduction)
	require.NoError(t, err)
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func testPhaseResult(phase domain.Phase) domain.PhaseResult {
	return domain.PhaseResult{
		Phase:      phase,
		Status:     domain.PhaseOK,
		Duration:   125 * time.Millisecond,
		Detail:     map[string]any{"note": "ok"},
		RecordedAt: time.Now().UTC(),
	}
}

func testRolloutPlan(targets ...string) domain.RolloutPlan {
	planTargets := make([]domain.Target, len(targets))
	for i, id := range targets {
		planTargets[i] = domain.Target{ID: id, Environment: domain.EnvStaging}
	}
	return domain.RolloutPlan{
		Name:     "release-7",
		Strategy: domain.StrategyParallel,
		Targets:  planTargets,
	}
}

// =============================================================================
// Session Tests
// =============================================================================

func TestCreateSession_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")
	session.ErrorKind = "transient"
	session.ErrorMessage = "still settling"
	require.NoError(t, store.UpdateSession(ctx, session))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "api.example.com", got.Target)
	assert.Equal(t, domain.EnvProduction, got.Environment)
	assert.Equal(t, domain.StateInitialize, got.State)
	assert.Equal(t, domain.SessionPending, got.Status)
	assert.Equal(t, "transient", got.ErrorKind)
	assert.Equal(t, "still settling", got.ErrorMessage)
	assert.Nil(t, got.FinishedAt)
	assert.WithinDuration(t, session.StartedAt, got.StartedAt, time.Second)
}

func TestCreateSession_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")

	err := store.CreateSession(ctx, session)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetSession_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetSession(context.Background(), "no-such-session")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSession_PersistsTerminalState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")
	require.NoError(t, session.Transition(domain.StateValidate))
	require.NoError(t, session.TransitionToFailed("validation refused"))
	require.NoError(t, store.UpdateSession(ctx, session))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.SessionFailed, got.Status)
	assert.Equal(t, "validation refused", got.ErrorMessage)
	require.NotNil(t, got.FinishedAt)
}

func TestUpdateSession_NotFound(t *testing.T) {
	store := setupTestStore(t)

	session, err := domain.NewSession("ghost.example.com", domain.EnvStaging)
	require.NoError(t, err)

	err = store.UpdateSession(context.Background(), session)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions_NewestFirstWithPagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, target := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		session, err := domain.NewSession(target, domain.EnvProduction)
		require.NoError(t, err)
		session.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateSession(ctx, session))
	}

	page, err := store.ListSessions(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c.example.com", page[0].Target)
	assert.Equal(t, "b.example.com", page[1].Target)

	rest, err := store.ListSessions(ctx, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a.example.com", rest[0].Target)
}

func TestListSessionsByTarget_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestSession(t, store, "api.example.com")
	createTestSession(t, store, "api.example.com")
	createTestSession(t, store, "other.example.com")

	sessions, err := store.ListSessionsByTarget(ctx, "api.example.com", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, "api.example.com", s.Target)
	}
}

// =============================================================================
// Phase Result Tests
// =============================================================================

func TestAppendPhaseResult_RoundTripWithDetail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")
	result := testPhaseResult(domain.PhaseInitialize)
	result.Detail = map[string]any{"service": "api", "marker_recorded": true}
	require.NoError(t, store.AppendPhaseResult(ctx, session.ID, result))

	results, err := store.ListPhaseResults(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, domain.PhaseInitialize, got.Phase)
	assert.Equal(t, domain.PhaseOK, got.Status)
	assert.Equal(t, 125*time.Millisecond, got.Duration)
	assert.Equal(t, "api", got.Detail["service"])
	assert.Equal(t, true, got.Detail["marker_recorded"])
}

func TestAppendPhaseResult_OrderedByLifecyclePosition(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")
	for _, phase := range []domain.Phase{domain.PhaseInitialize, domain.PhaseValidate, domain.PhaseDeploy} {
		require.NoError(t, store.AppendPhaseResult(ctx, session.ID, testPhaseResult(phase)))
	}

	results, err := store.ListPhaseResults(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, domain.PhaseInitialize, results[0].Phase)
	assert.Equal(t, domain.PhaseValidate, results[1].Phase)
	assert.Equal(t, domain.PhaseDeploy, results[2].Phase)
}

func TestAppendPhaseResult_DuplicatePhase(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")
	require.NoError(t, store.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseDeploy)))

	err := store.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseDeploy))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicatePhase)
}

func TestAppendPhaseResult_MissingSession(t *testing.T) {
	store := setupTestStore(t)

	err := store.AppendPhaseResult(context.Background(), "no-such-session", testPhaseResult(domain.PhaseDeploy))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSession_IncludesPhaseHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")
	require.NoError(t, store.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseInitialize)))
	require.NoError(t, store.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseValidate)))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.Phases, 2)
	assert.Equal(t, domain.PhaseInitialize, got.Phases[0].Phase)
	assert.Equal(t, domain.PhaseValidate, got.Phases[1].Phase)
}

func TestListSessions_OmitsPhaseHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session := createTestSession(t, store, "api.example.com")
	require.NoError(t, store.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseInitialize)))

	sessions, err := store.ListSessions(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].Phases)
}

// =============================================================================
// Rollback Point Tests
// =============================================================================

func TestSaveRollbackPoint_LatestWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first, err := domain.NewRollbackPoint("api.example.com", []byte(`{"version":"1.0.0"}`))
	require.NoError(t, err)
	require.NoError(t, store.SaveRollbackPoint(ctx, first))

	second, err := domain.NewRollbackPoint("api.example.com", []byte(`{"version":"1.1.0"}`))
	require.NoError(t, err)
	require.NoError(t, store.SaveRollbackPoint(ctx, second))

	latest, err := store.LatestRollbackPoint(ctx, "api.example.com")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.JSONEq(t, `{"version":"1.1.0"}`, string(latest.Snapshot))
}

func TestLatestRollbackPoint_NoneRecorded(t *testing.T) {
	store := setupTestStore(t)

	point, err := store.LatestRollbackPoint(context.Background(), "never-deployed.example.com")
	require.NoError(t, err)
	assert.Nil(t, point)
}

func TestLatestRollbackPoint_PerTargetIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	apiPoint, err := domain.NewRollbackPoint("api.example.com", []byte(`{"version":"2.0.0"}`))
	require.NoError(t, err)
	require.NoError(t, store.SaveRollbackPoint(ctx, apiPoint))

	webPoint, err := domain.NewRollbackPoint("web.example.com", []byte(`{"version":"9.9.9"}`))
	require.NoError(t, err)
	require.NoError(t, store.SaveRollbackPoint(ctx, webPoint))

	latest, err := store.LatestRollbackPoint(ctx, "api.example.com")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, apiPoint.ID, latest.ID)
}

func TestListRollbackPoints_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, version := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		point, err := domain.NewRollbackPoint("api.example.com", []byte(`{"version":"`+version+`"}`))
		require.NoError(t, err)
		require.NoError(t, store.SaveRollbackPoint(ctx, point))
		ids = append(ids, point.ID)
	}

	points, err := store.ListRollbackPoints(ctx, "api.example.com", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, ids[2], points[0].ID)
	assert.Equal(t, ids[1], points[1].ID)
	assert.Equal(t, ids[0], points[2].ID)
}

func TestPruneRollbackPoints_KeepsNewest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		point, err := domain.NewRollbackPoint("api.example.com", []byte(`{"n":`+strconv.Itoa(i)+`}`))
		require.NoError(t, err)
		require.NoError(t, store.SaveRollbackPoint(ctx, point))
		ids = append(ids, point.ID)
	}
	other, err := domain.NewRollbackPoint("web.example.com", []byte(`{"version":"1.0.0"}`))
	require.NoError(t, err)
	require.NoError(t, store.SaveRollbackPoint(ctx, other))

	pruned, err := store.PruneRollbackPoints(ctx, "api.example.com", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)

	points, err := store.ListRollbackPoints(ctx, "api.example.com", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, ids[4], points[0].ID)
	assert.Equal(t, ids[3], points[1].ID)

	kept, err := store.LatestRollbackPoint(ctx, "web.example.com")
	require.NoError(t, err)
	require.NotNil(t, kept)
}

// =============================================================================
// Rollout Tests
// =============================================================================

func TestCreateRollout_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rollout, err := domain.NewRollout(testRolloutPlan("web-a", "web-b"))
	require.NoError(t, err)
	require.NoError(t, store.CreateRollout(ctx, rollout))

	got, err := store.GetRollout(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, rollout.Name, got.Name)
	assert.Equal(t, domain.StrategyParallel, got.Strategy)
	assert.Equal(t, domain.RolloutRunning, got.Status)
	assert.Nil(t, got.Result)
	require.Len(t, got.Plan.Targets, 2)
	assert.Equal(t, "web-a", got.Plan.Targets[0].ID)
}

func TestUpdateRollout_PersistsResult(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rollout, err := domain.NewRollout(testRolloutPlan("web-a"))
	require.NoError(t, err)
	require.NoError(t, store.CreateRollout(ctx, rollout))

	outcomes := []domain.TargetOutcome{{Target: "web-a", Status: domain.OutcomeSucceeded}}
	rollout.Finish(domain.Aggregate(rollout.Name, outcomes, rollout.StartedAt, time.Now().UTC()))
	require.NoError(t, store.UpdateRollout(ctx, rollout))

	got, err := store.GetRollout(ctx, rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloutSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 1, got.Result.Succeeded)
	require.Len(t, got.Result.Outcomes, 1)
	assert.Equal(t, domain.OutcomeSucceeded, got.Result.Outcomes[0].Status)
	require.NotNil(t, got.FinishedAt)
}

func TestGetRollout_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRollout(context.Background(), "no-such-rollout")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRollouts_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		rollout, err := domain.NewRollout(testRolloutPlan("web-a"))
		require.NoError(t, err)
		rollout.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateRollout(ctx, rollout))
		ids = append(ids, rollout.ID)
	}

	rollouts, err := store.ListRollouts(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, rollouts, 3)
	assert.Equal(t, ids[2], rollouts[0].ID)
	assert.Equal(t, ids[0], rollouts[2].ID)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session, err := domain.NewSession("api.example.com", domain.EnvProduction)
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		return tx.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseInitialize))
	})
	require.NoError(t, err)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, got.Phases, 1)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session, err := domain.NewSession("api.example.com", domain.EnvProduction)
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateSession(ctx, session); err != nil {
			return err
		}
		// Duplicate phase forces the whole transaction to roll back.
		if err := tx.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseDeploy)); err != nil {
			return err
		}
		return tx.AppendPhaseResult(ctx, session.ID, testPhaseResult(domain.PhaseDeploy))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicatePhase)

	_, err = store.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// File-Backed Store Tests
// =============================================================================

func TestNewSQLiteStore_FileBackedSurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "control.db")

	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	session := createTestSession(t, store, "api.example.com")
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}
