package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Session Creation Tests
// =============================================================================

func TestNewSession_ValidInput(t *testing.T) {
	session, err := NewSession("api.example.com", EnvStaging)
	require.NoError(t, err)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "api.example.com", session.Target)
	assert.Equal(t, EnvStaging, session.Environment)
	assert.Equal(t, StateInitialize, session.State)
	assert.Equal(t, SessionPending, session.Status)
	assert.Empty(t, session.Phases)
	assert.NotZero(t, session.StartedAt)
	assert.Nil(t, session.FinishedAt)
}

func TestNewSession_EmptyTarget(t *testing.T) {
	_, err := NewSession("", EnvStaging)
	assert.ErrorIs(t, err, ErrTargetRequired)
}

func TestNewSession_InvalidEnvironment(t *testing.T) {
	_, err := NewSession("api.example.com", Environment("qa"))
	assert.ErrorIs(t, err, ErrInvalidEnvironment)
}

func TestParseEnvironment(t *testing.T) {
	env, err := ParseEnvironment("production")
	require.NoError(t, err)
	assert.Equal(t, EnvProduction, env)

	_, err = ParseEnvironment("prod")
	assert.ErrorIs(t, err, ErrInvalidEnvironment)
}

// =============================================================================
// State Transition Tests
// =============================================================================

func TestSession_Transition_FullLifecycle(t *testing.T) {
	session := createRunningSession(t)

	for _, to := range []SessionState{StateValidate, StatePrepare, StateDeploy, StateVerify, StateMonitor, StateCompleted} {
		require.NoError(t, session.Transition(to))
		assert.Equal(t, to, session.State)
	}

	assert.Equal(t, SessionSucceeded, session.Status)
	assert.True(t, session.Terminal())
	require.NotNil(t, session.FinishedAt)
}

func TestSession_Transition_SkippingPhaseRejected(t *testing.T) {
	session := createRunningSession(t)

	err := session.Transition(StateDeploy)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateInitialize, session.State)
}

func TestSession_Transition_BackwardRejected(t *testing.T) {
	session := createSessionAt(t, StateDeploy)

	err := session.Transition(StatePrepare)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSession_Transition_TerminalIsImmutable(t *testing.T) {
	session := createRunningSession(t)
	require.NoError(t, session.TransitionToFailed("boom"))

	assert.ErrorIs(t, session.Transition(StateValidate), ErrSessionTerminal)
	assert.ErrorIs(t, session.TransitionToFailed("again"), ErrSessionTerminal)
	assert.ErrorIs(t, session.RecordPhase(PhaseResult{Phase: PhaseInitialize}), ErrSessionTerminal)
}

func TestSession_TransitionToFailed_RecordsMessage(t *testing.T) {
	session := createSessionAt(t, StateDeploy)

	require.NoError(t, session.TransitionToFailed("platform unreachable"))

	assert.Equal(t, StateFailed, session.State)
	assert.Equal(t, SessionFailed, session.Status)
	assert.Equal(t, "platform unreachable", session.ErrorMessage)
	require.NotNil(t, session.FinishedAt)
}

func TestSession_VerifyFailure_RolledBackStatus(t *testing.T) {
	session := createSessionAt(t, StateVerify)

	session.RecordRollback(nil)
	require.NoError(t, session.Transition(StateRolledBack))
	require.NoError(t, session.TransitionToFailed("health check never passed"))

	assert.Equal(t, StateFailed, session.State)
	assert.Equal(t, SessionRolledBack, session.Status)
	assert.True(t, session.RollbackRan)
	assert.Empty(t, session.RollbackError)
}

func TestSession_VerifyFailure_RollbackAlsoFailed(t *testing.T) {
	session := createSessionAt(t, StateVerify)

	session.RecordRollback(assert.AnError)
	require.NoError(t, session.Transition(StateRolledBack))
	require.NoError(t, session.TransitionToFailed("health check never passed"))

	// A failed revert must surface as failed, never as rolled_back.
	assert.Equal(t, SessionFailed, session.Status)
	assert.True(t, session.RollbackRan)
	assert.NotEmpty(t, session.RollbackError)
}

func TestSession_MonitorCannotFailTheRun(t *testing.T) {
	session := createSessionAt(t, StateMonitor)

	err := session.TransitionToFailed("alerting setup failed")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, session.Transition(StateCompleted))
	assert.Equal(t, SessionSucceeded, session.Status)
}

func TestValidateTransition_AllValid(t *testing.T) {
	valid := []struct {
		from SessionState
		to   SessionState
	}{
		{StateInitialize, StateValidate},
		{StateInitialize, StateFailed},
		{StateValidate, StatePrepare},
		{StateValidate, StateFailed},
		{StatePrepare, StateDeploy},
		{StatePrepare, StateFailed},
		{StateDeploy, StateVerify},
		{StateDeploy, StateFailed},
		{StateVerify, StateMonitor},
		{StateVerify, StateRolledBack},
		{StateMonitor, StateCompleted},
		{StateRolledBack, StateFailed},
	}

	for _, tc := range valid {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.NoError(t, ValidateTransition(tc.from, tc.to))
		})
	}
}

func TestValidateTransition_AllInvalid(t *testing.T) {
	invalid := []struct {
		from SessionState
		to   SessionState
	}{
		{StateInitialize, StateDeploy},
		{StateVerify, StateFailed},
		{StateVerify, StateCompleted},
		{StateMonitor, StateFailed},
		{StateMonitor, StateRolledBack},
		{StateDeploy, StatePrepare},
		{StateCompleted, StateInitialize},
		{StateFailed, StateInitialize},
		{StateRolledBack, StateVerify},
	}

	for _, tc := range invalid {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.ErrorIs(t, ValidateTransition(tc.from, tc.to), ErrInvalidTransition)
		})
	}
}

// =============================================================================
// Phase History Tests
// =============================================================================

func TestSession_RecordPhase_AppendsInOrder(t *testing.T) {
	session := createRunningSession(t)

	for _, p := range PhaseSequence() {
		require.NoError(t, session.RecordPhase(PhaseResult{Phase: p, Status: PhaseOK, Duration: time.Millisecond}))
	}

	require.Len(t, session.Phases, 6)
	for i, p := range PhaseSequence() {
		assert.Equal(t, p, session.Phases[i].Phase)
		assert.NotZero(t, session.Phases[i].RecordedAt)
	}
}

func TestSession_RecordPhase_DuplicateRejected(t *testing.T) {
	session := createRunningSession(t)

	require.NoError(t, session.RecordPhase(PhaseResult{Phase: PhaseInitialize, Status: PhaseOK}))
	err := session.RecordPhase(PhaseResult{Phase: PhaseInitialize, Status: PhaseOK})
	assert.ErrorIs(t, err, ErrPhaseOutOfOrder)
	assert.Len(t, session.Phases, 1)
}

func TestSession_RecordPhase_OutOfOrderRejected(t *testing.T) {
	session := createRunningSession(t)

	require.NoError(t, session.RecordPhase(PhaseResult{Phase: PhaseDeploy, Status: PhaseOK}))
	err := session.RecordPhase(PhaseResult{Phase: PhaseValidate, Status: PhaseOK}) // backwards
	assert.ErrorIs(t, err, ErrPhaseOutOfOrder)
}

func TestSession_RecordPhase_UnknownPhase(t *testing.T) {
	session := createRunningSession(t)

	err := session.RecordPhase(PhaseResult{Phase: Phase("teardown")})
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestSession_RecordPhase_KeepsSuppliedTimestamp(t *testing.T) {
	session := createRunningSession(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, session.RecordPhase(PhaseResult{Phase: PhaseInitialize, Status: PhaseOK, RecordedAt: at}))
	assert.Equal(t, at, session.Phases[0].RecordedAt)
}

func TestSession_CurrentPhase(t *testing.T) {
	session := createSessionAt(t, StateDeploy)

	phase, ok := session.CurrentPhase()
	require.True(t, ok)
	assert.Equal(t, PhaseDeploy, phase)

	require.NoError(t, session.Transition(StateVerify))
	require.NoError(t, session.Transition(StateRolledBack))
	_, ok = session.CurrentPhase()
	assert.False(t, ok)
}

func TestPhaseSequence_Order(t *testing.T) {
	seq := PhaseSequence()
	assert.Equal(t, []Phase{PhaseInitialize, PhaseValidate, PhasePrepare, PhaseDeploy, PhaseVerify, PhaseMonitor}, seq)
}

// =============================================================================
// Test Helpers
// =============================================================================

func createRunningSession(t *testing.T) *DeploymentSession {
	t.Helper()
	session, err := NewSession("api.example.com", EnvProduction)
	require.NoError(t, err)
	return session
}

func createSessionAt(t *testing.T, state SessionState) *DeploymentSession {
	t.Helper()
	session := createRunningSession(t)
	for _, to := range []SessionState{StateValidate, StatePrepare, StateDeploy, StateVerify, StateMonitor} {
		if session.State == state {
			break
		}
		require.NoError(t, session.Transition(to))
	}
	require.Equal(t, state, session.State)
	return session
}
