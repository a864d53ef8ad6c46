package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Rollout Record Tests
// =============================================================================

func TestNewRollout_ValidPlan(t *testing.T) {
	plan := createValidPlan()

	rollout, err := NewRollout(plan)
	require.NoError(t, err)

	assert.NotEmpty(t, rollout.ID)
	assert.Equal(t, "release-42", rollout.Name)
	assert.Equal(t, StrategyParallel, rollout.Strategy)
	assert.Equal(t, RolloutRunning, rollout.Status)
	assert.False(t, rollout.StartedAt.IsZero())
	assert.Nil(t, rollout.Result)
	assert.Nil(t, rollout.FinishedAt)
	assert.False(t, rollout.Finished())
}

func TestNewRollout_InvalidPlan(t *testing.T) {
	plan := createValidPlan()
	plan.Targets = nil

	_, err := NewRollout(plan)
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestRollout_Finish_AllSucceeded(t *testing.T) {
	rollout, err := NewRollout(createValidPlan())
	require.NoError(t, err)

	started := time.Now().UTC().Add(-time.Minute)
	result := Aggregate("release-42", []TargetOutcome{
		{Target: "api.example.com", Status: OutcomeSucceeded},
		{Target: "web.example.com", Status: OutcomeSucceeded},
	}, started, time.Now().UTC())

	rollout.Finish(result)

	assert.Equal(t, RolloutSucceeded, rollout.Status)
	assert.True(t, rollout.Finished())
	require.NotNil(t, rollout.Result)
	assert.Equal(t, 2, rollout.Result.Succeeded)
	require.NotNil(t, rollout.FinishedAt)
}

func TestRollout_Finish_PartialFailure(t *testing.T) {
	rollout, err := NewRollout(createValidPlan())
	require.NoError(t, err)

	started := time.Now().UTC().Add(-time.Minute)
	result := Aggregate("release-42", []TargetOutcome{
		{Target: "api.example.com", Status: OutcomeSucceeded},
		{Target: "web.example.com", Status: OutcomeRolledBack},
	}, started, time.Now().UTC())

	rollout.Finish(result)

	assert.Equal(t, RolloutFailed, rollout.Status)
	assert.True(t, rollout.Finished())
	require.NotNil(t, rollout.Result)
	assert.Equal(t, 1, rollout.Result.Failed)
}

func TestNewRollout_UniqueIDs(t *testing.T) {
	first, err := NewRollout(createValidPlan())
	require.NoError(t, err)
	second, err := NewRollout(createValidPlan())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}
