package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Rollback Point Tests
// =============================================================================

func TestNewRollbackPoint_ValidInput(t *testing.T) {
	snapshot := json.RawMessage(`{"version":"v41","routes":["/api"]}`)

	point, err := NewRollbackPoint("api.example.com", snapshot)
	require.NoError(t, err)

	assert.NotEmpty(t, point.ID)
	assert.Equal(t, "api.example.com", point.Target)
	assert.JSONEq(t, `{"version":"v41","routes":["/api"]}`, string(point.Snapshot))
	assert.NotZero(t, point.CreatedAt)
}

func TestNewRollbackPoint_MissingTarget(t *testing.T) {
	_, err := NewRollbackPoint("", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrTargetRequired)
}

func TestNewRollbackPoint_MissingSnapshot(t *testing.T) {
	_, err := NewRollbackPoint("api.example.com", nil)
	assert.ErrorIs(t, err, ErrSnapshotRequired)
}

func TestNewRollbackPoint_UniqueIDs(t *testing.T) {
	snapshot := json.RawMessage(`{}`)

	p1, err := NewRollbackPoint("api.example.com", snapshot)
	require.NoError(t, err)
	p2, err := NewRollbackPoint("api.example.com", snapshot)
	require.NoError(t, err)

	assert.NotEqual(t, p1.ID, p2.ID)
}

// =============================================================================
// Health Result Tests
// =============================================================================

func TestHealthResult_LastAttempt(t *testing.T) {
	result := HealthResult{
		Target: "api.example.com",
		Attempts: []HealthAttempt{
			{Attempt: 0, State: HealthUnhealthy},
			{Attempt: 1, State: HealthHealthy},
		},
		Healthy: true,
	}

	last, ok := result.LastAttempt()
	require.True(t, ok)
	assert.Equal(t, 1, last.Attempt)
	assert.Equal(t, HealthHealthy, last.State)
}

func TestHealthResult_LastAttempt_Empty(t *testing.T) {
	_, ok := HealthResult{}.LastAttempt()
	assert.False(t, ok)
}
