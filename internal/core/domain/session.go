// Package domain holds the pure data model for deployment rollouts.
// Following ADR-002: Values as Boundaries - types here carry no I/O and
// are created, transitioned, and recorded by the shell packages.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Session Errors
// =============================================================================

var (
	ErrInvalidTransition  = errors.New("invalid session state transition")
	ErrSessionTerminal    = errors.New("session is already terminal")
	ErrUnknownPhase       = errors.New("unknown lifecycle phase")
	ErrPhaseOutOfOrder    = errors.New("phase result out of order")
	ErrTargetRequired     = errors.New("target identifier is required")
	ErrInvalidEnvironment = errors.New("invalid environment")
)

// =============================================================================
// Environment
// =============================================================================

// Environment identifies which tier of the platform a rollout addresses.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ParseEnvironment validates and normalizes an environment name.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return Environment(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, s)
	}
}

// =============================================================================
// Lifecycle Phases
// =============================================================================

// Phase is one named stage of a deployment's lifecycle.
type Phase string

const (
	PhaseInitialize Phase = "initialize"
	PhaseValidate   Phase = "validate"
	PhasePrepare    Phase = "prepare"
	PhaseDeploy     Phase = "deploy"
	PhaseVerify     Phase = "verify"
	PhaseMonitor    Phase = "monitor"
)

// phaseIndex maps each phase to its position in the lifecycle sequence.
var phaseIndex = map[Phase]int{
	PhaseInitialize: 0,
	PhaseValidate:   1,
	PhasePrepare:    2,
	PhaseDeploy:     3,
	PhaseVerify:     4,
	PhaseMonitor:    5,
}

// PhaseSequence returns the lifecycle phases in execution order.
func PhaseSequence() []Phase {
	return []Phase{PhaseInitialize, PhaseValidate, PhasePrepare, PhaseDeploy, PhaseVerify, PhaseMonitor}
}

// =============================================================================
// Phase Results
// =============================================================================

// PhaseStatus grades a single phase execution.
type PhaseStatus string

const (
	PhaseOK      PhaseStatus = "ok"
	PhaseWarning PhaseStatus = "warning"
	PhaseError   PhaseStatus = "error"
)

// PhaseResult records one phase execution. Results are write-once: once
// appended to a session's history they are never mutated.
type PhaseResult struct {
	Phase      Phase          `json:"phase"`
	Status     PhaseStatus    `json:"status"`
	Duration   time.Duration  `json:"duration"`
	Detail     map[string]any `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// =============================================================================
// Session Status
// =============================================================================

// SessionStatus is the coarse terminal status of an orchestration run.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionSucceeded  SessionStatus = "succeeded"
	SessionFailed     SessionStatus = "failed"
	SessionRolledBack SessionStatus = "rolled_back"
)

// =============================================================================
// Deployment Session
// =============================================================================

// DeploymentSession is one orchestration run against a single target.
// It is owned exclusively by the orchestrator that created it and is
// immutable once a terminal state is reached.
type DeploymentSession struct {
	ID            string        `json:"id"`
	Target        string        `json:"target"`
	Environment   Environment   `json:"environment"`
	State         SessionState  `json:"state"`
	Status        SessionStatus `json:"status"`
	Phases        []PhaseResult `json:"phases,omitempty"`
	RollbackRan   bool          `json:"rollback_ran,omitempty"`
	RollbackError string        `json:"rollback_error,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// NewSession creates a session for a single target rollout.
func NewSession(target string, env Environment) (*DeploymentSession, error) {
	if target == "" {
		return nil, ErrTargetRequired
	}
	if _, err := ParseEnvironment(string(env)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &DeploymentSession{
		ID:          uuid.New().String(),
		Target:      target,
		Environment: env,
		State:       StateInitialize,
		Status:      SessionPending,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewRejectedSession builds an already-failed session for a target that
// could not begin its lifecycle at all, so multi-target rollouts still get
// one session per planned target.
func NewRejectedSession(target string, env Environment, reason string) *DeploymentSession {
	if target == "" {
		target = "(unknown)"
	}
	now := time.Now().UTC()
	finished := now
	return &DeploymentSession{
		ID:           uuid.New().String(),
		Target:       target,
		Environment:  env,
		State:        StateFailed,
		Status:       SessionFailed,
		ErrorMessage: reason,
		StartedAt:    now,
		UpdatedAt:    now,
		FinishedAt:   &finished,
	}
}

// Transition attempts to move the session to a new state.
func (s *DeploymentSession) Transition(to SessionState) error {
	if s.Terminal() {
		return ErrSessionTerminal
	}
	if err := ValidateTransition(s.State, to); err != nil {
		return err
	}

	s.State = to
	s.UpdatedAt = time.Now().UTC()

	switch to {
	case StateCompleted:
		s.finish(SessionSucceeded)
	case StateFailed:
		// A failure after a clean revert terminates as rolled_back so
		// operators can tell "reverted to known-good" from "left broken".
		if s.RollbackRan && s.RollbackError == "" {
			s.finish(SessionRolledBack)
		} else {
			s.finish(SessionFailed)
		}
	}

	return nil
}

// TransitionToFailed moves the session to Failed, recording the error message.
func (s *DeploymentSession) TransitionToFailed(errorMessage string) error {
	if s.Terminal() {
		return ErrSessionTerminal
	}
	s.ErrorMessage = errorMessage
	return s.Transition(StateFailed)
}

// RecordPhase appends one phase result to the session history. Each phase
// appears at most once per session, strictly in lifecycle order.
func (s *DeploymentSession) RecordPhase(result PhaseResult) error {
	if s.Terminal() {
		return ErrSessionTerminal
	}
	idx, ok := phaseIndex[result.Phase]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, result.Phase)
	}
	if n := len(s.Phases); n > 0 {
		if last := phaseIndex[s.Phases[n-1].Phase]; idx <= last {
			return fmt.Errorf("%w: %s after %s", ErrPhaseOutOfOrder, result.Phase, s.Phases[n-1].Phase)
		}
	}

	if result.RecordedAt.IsZero() {
		result.RecordedAt = time.Now().UTC()
	}
	s.Phases = append(s.Phases, result)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordRollback notes that a revert was attempted for this session.
func (s *DeploymentSession) RecordRollback(err error) {
	s.RollbackRan = true
	if err != nil {
		s.RollbackError = err.Error()
	}
	s.UpdatedAt = time.Now().UTC()
}

// Terminal reports whether the session reached a final state.
func (s *DeploymentSession) Terminal() bool {
	return s.State == StateCompleted || s.State == StateFailed
}

// FailedPhase returns the phase whose error ended the run, if any.
func (s *DeploymentSession) FailedPhase() (Phase, bool) {
	for i := len(s.Phases) - 1; i >= 0; i-- {
		if s.Phases[i].Status == PhaseError {
			return s.Phases[i].Phase, true
		}
	}
	return "", false
}

// CurrentPhase returns the lifecycle phase the session is executing.
// The second return is false in recovery and terminal states.
func (s *DeploymentSession) CurrentPhase() (Phase, bool) {
	p := Phase(s.State)
	_, ok := phaseIndex[p]
	return p, ok
}

func (s *DeploymentSession) finish(status SessionStatus) {
	s.Status = status
	now := time.Now().UTC()
	s.FinishedAt = &now
}

// =============================================================================
// State Machine
// =============================================================================

// SessionState is a node in the orchestration state machine: the six
// lifecycle phases plus two terminal states and one recovery state.
type SessionState string

const (
	StateInitialize SessionState = SessionState(PhaseInitialize)
	StateValidate   SessionState = SessionState(PhaseValidate)
	StatePrepare    SessionState = SessionState(PhasePrepare)
	StateDeploy     SessionState = SessionState(PhaseDeploy)
	StateVerify     SessionState = SessionState(PhaseVerify)
	StateMonitor    SessionState = SessionState(PhaseMonitor)
	StateCompleted  SessionState = "completed"
	StateRolledBack SessionState = "rolled_back"
	StateFailed     SessionState = "failed"
)

// validTransitions defines the allowed state transitions. Phases advance
// strictly forward; the only escape is the Verify -> RolledBack recovery
// path. Monitor never fails the run, so its sole successor is Completed.
var validTransitions = map[SessionState][]SessionState{
	StateInitialize: {StateValidate, StateFailed},
	StateValidate:   {StatePrepare, StateFailed},
	StatePrepare:    {StateDeploy, StateFailed},
	StateDeploy:     {StateVerify, StateFailed},
	StateVerify:     {StateMonitor, StateRolledBack},
	StateMonitor:    {StateCompleted},
	StateRolledBack: {StateFailed},
	StateCompleted:  {}, // Terminal state
	StateFailed:     {}, // Terminal state
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to SessionState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// StateFor returns the state machine node for a lifecycle phase.
func StateFor(p Phase) SessionState {
	return SessionState(p)
}
