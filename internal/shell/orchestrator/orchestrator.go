// Package orchestrator drives one deployment session through the lifecycle
// state machine: initialize, validate, prepare, deploy, verify, monitor.
// Each phase runs under the resilience policy; verification failures take
// the rollback path; monitoring trouble degrades to a warning instead of
// failing a shipped release.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/core/fault"
	"github.com/artpar/shipway/internal/shell/events"
	"github.com/artpar/shipway/internal/shell/health"
	"github.com/artpar/shipway/internal/shell/resilience"
	"github.com/artpar/shipway/internal/shell/rollback"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Deployer performs the platform-specific work behind each lifecycle phase.
// The detail maps it returns are recorded verbatim on the phase results.
type Deployer interface {
	Initialize(ctx context.Context, target domain.Target) (map[string]any, error)
	Validate(ctx context.Context, target domain.Target) (map[string]any, error)

	// Prepare returns the opaque snapshot that a later rollback replays,
	// plus the usual detail map.
	Prepare(ctx context.Context, target domain.Target) (json.RawMessage, map[string]any, error)

	Deploy(ctx context.Context, target domain.Target) (map[string]any, error)
	Monitor(ctx context.Context, target domain.Target) (map[string]any, error)

	// HealthTarget builds the URL the verify phase probes.
	HealthTarget(target domain.Target) string

	// CheckHealth probes a URL once; it has the health.Check shape.
	CheckHealth(ctx context.Context, url string) (healthy bool, detail string, err error)
}

// SessionStore persists sessions and their phase history as they progress.
type SessionStore interface {
	CreateSession(ctx context.Context, session *domain.DeploymentSession) error
	UpdateSession(ctx context.Context, session *domain.DeploymentSession) error
	AppendPhaseResult(ctx context.Context, sessionID string, result domain.PhaseResult) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the orchestrator knobs.
type Config struct {
	// PhaseTimeout bounds each phase end to end, retries included.
	PhaseTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PhaseTimeout: 10 * time.Minute}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator executes deployment sessions. It is stateless across runs
// and safe for concurrent targets; shared state (circuit breakers, the
// store, rollback points) lives in the injected collaborators.
type Orchestrator struct {
	deployer Deployer
	store    SessionStore
	executor *resilience.Executor
	monitor  *health.Monitor
	rollback *rollback.Manager
	events   events.Sink
	config   Config
	logger   *slog.Logger
}

// New wires an orchestrator. The events sink may be nil.
func New(
	deployer Deployer,
	store SessionStore,
	executor *resilience.Executor,
	monitor *health.Monitor,
	rollbackMgr *rollback.Manager,
	sink events.Sink,
	config Config,
	logger *slog.Logger,
) *Orchestrator {
	if config.PhaseTimeout <= 0 {
		config.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		deployer: deployer,
		store:    store,
		executor: executor,
		monitor:  monitor,
		rollback: rollbackMgr,
		events:   sink,
		config:   config,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Run executes the full lifecycle for one target and always returns the
// session. A failed deployment is a recorded outcome, not an error: callers
// inspect the session's status. Run owns the session exclusively until it
// returns.
func (o *Orchestrator) Run(ctx context.Context, target domain.Target) *domain.DeploymentSession {
	session, err := domain.NewSession(target.ID, target.Environment)
	if err != nil {
		o.logger.Error("target rejected", "target", target.ID, "error", err)
		session = domain.NewRejectedSession(target.ID, target.Environment, err.Error())
		session.ErrorKind = string(fault.KindPermanent)
		return session
	}

	logger := o.logger.With("session", session.ID, "target", target.ID)
	logger.Info("session started", "environment", target.Environment)
	activeSessions.Inc()
	defer activeSessions.Dec()

	if err := o.store.CreateSession(ctx, session); err != nil {
		// Without a session row nothing downstream is observable; refuse to
		// deploy blind.
		logger.Error("create session", "error", err)
		session.ErrorKind = string(fault.KindOf(err))
		if terr := session.TransitionToFailed("persist session: " + err.Error()); terr != nil {
			logger.Error("fail session", "error", terr)
		}
		return session
	}

	o.publish(events.Event{
		Type:      events.TypeSessionStarted,
		SessionID: session.ID,
		Target:    target.ID,
		Status:    string(session.State),
	})

	o.execute(ctx, session, target)
	o.persist(ctx, session)

	sessionsTotal.WithLabelValues(string(session.Status)).Inc()
	logger.Info("session finished",
		"status", session.Status,
		"rollback_ran", session.RollbackRan,
		"phases", len(session.Phases))
	o.publish(events.Event{
		Type:      events.TypeSessionFinished,
		SessionID: session.ID,
		Target:    target.ID,
		Status:    string(session.Status),
		Detail:    session.ErrorMessage,
	})

	return session
}

// execute walks the lifecycle. It mutates the session and returns when the
// session is terminal or ready for its final transition.
func (o *Orchestrator) execute(ctx context.Context, session *domain.DeploymentSession, target domain.Target) {
	if !o.runPhase(ctx, session, target, domain.PhaseInitialize, func(ctx context.Context) (map[string]any, error) {
		return o.deployer.Initialize(ctx, target)
	}) {
		return
	}

	if !o.runPhase(ctx, session, target, domain.PhaseValidate, func(ctx context.Context) (map[string]any, error) {
		return o.deployer.Validate(ctx, target)
	}) {
		return
	}

	// The rollback point is recorded inside the prepare phase: the snapshot
	// must be durable before deploy mutates the target, and a snapshot that
	// cannot be saved fails prepare rather than risking an unrevertible
	// deploy.
	if !o.runPhase(ctx, session, target, domain.PhasePrepare, func(ctx context.Context) (map[string]any, error) {
		snapshot, detail, err := o.deployer.Prepare(ctx, target)
		if err != nil {
			return detail, err
		}
		point, err := o.rollback.RecordPoint(ctx, target.ID, snapshot)
		if err != nil {
			return detail, err
		}
		if detail == nil {
			detail = make(map[string]any)
		}
		detail["rollback_point"] = point.ID
		return detail, nil
	}) {
		return
	}

	if !o.runPhase(ctx, session, target, domain.PhaseDeploy, func(ctx context.Context) (map[string]any, error) {
		return o.deployer.Deploy(ctx, target)
	}) {
		return
	}

	if !o.runVerify(ctx, session, target) {
		return
	}

	o.runMonitor(ctx, session, target)

	if err := session.Transition(domain.StateCompleted); err != nil {
		o.logger.Error("complete session", "session", session.ID, "error", err)
	}
}

// =============================================================================
// Phase Execution
// =============================================================================

// phaseWork produces the detail map recorded on a successful phase result.
type phaseWork func(ctx context.Context) (map[string]any, error)

// runPhase executes one fatal-on-failure phase under the resilience policy
// and advances the state machine. It reports whether the lifecycle may
// continue.
func (o *Orchestrator) runPhase(ctx context.Context, session *domain.DeploymentSession, target domain.Target, phase domain.Phase, work phaseWork) bool {
	o.publish(events.Event{
		Type:      events.TypePhaseStarted,
		SessionID: session.ID,
		Target:    target.ID,
		Phase:     phase,
	})

	started := time.Now()
	phaseCtx, cancel := context.WithTimeout(ctx, o.config.PhaseTimeout)
	defer cancel()

	outcome, err := o.executor.Execute(phaseCtx, opID(phase, target), func(ctx context.Context) (any, error) {
		detail, err := work(ctx)
		if err != nil {
			return nil, err
		}
		return detail, nil
	}, resilience.CallOptions{})

	result := domain.PhaseResult{
		Phase:    phase,
		Duration: time.Since(started),
	}
	if err != nil {
		result.Status = domain.PhaseError
		result.Error = err.Error()
	} else {
		result.Status = domain.PhaseOK
		if detail, ok := outcome.Value.(map[string]any); ok && len(detail) > 0 {
			result.Detail = detail
		}
	}
	o.record(ctx, session, result)

	phaseDuration.WithLabelValues(string(phase), string(result.Status)).Observe(result.Duration.Seconds())
	o.publish(events.Event{
		Type:      events.TypePhaseFinished,
		SessionID: session.ID,
		Target:    target.ID,
		Phase:     phase,
		Status:    string(result.Status),
		Detail:    result.Error,
	})

	if err != nil {
		o.logger.Warn("phase failed",
			"session", session.ID,
			"target", target.ID,
			"phase", phase,
			"kind", fault.KindOf(err),
			"error", err)
		session.ErrorKind = string(fault.KindOf(err))
		if terr := session.TransitionToFailed(err.Error()); terr != nil {
			o.logger.Error("fail session", "session", session.ID, "error", terr)
		}
		o.persist(ctx, session)
		return false
	}

	o.advance(ctx, session, phase)
	return true
}

// runVerify gates the rollout on the target actually becoming healthy. The
// health monitor owns the retry budget here - wrapping it in the executor
// would multiply two retry loops - and a verification failure takes the
// rollback path instead of failing in place.
func (o *Orchestrator) runVerify(ctx context.Context, session *domain.DeploymentSession, target domain.Target) bool {
	o.publish(events.Event{
		Type:      events.TypePhaseStarted,
		SessionID: session.ID,
		Target:    target.ID,
		Phase:     domain.PhaseVerify,
	})

	started := time.Now()
	url := o.deployer.HealthTarget(target)

	phaseCtx, cancel := context.WithTimeout(ctx, o.config.PhaseTimeout)
	defer cancel()

	healthResult, err := o.monitor.WaitUntilHealthy(phaseCtx, url, o.deployer.CheckHealth)

	result := domain.PhaseResult{
		Phase:    domain.PhaseVerify,
		Duration: time.Since(started),
		Detail:   map[string]any{"url": url},
	}
	if healthResult != nil {
		result.Detail["probes"] = len(healthResult.Attempts)
		if last, ok := healthResult.LastAttempt(); ok && last.Detail != "" {
			result.Detail["last_probe"] = last.Detail
		}
	}

	if err == nil {
		result.Status = domain.PhaseOK
		o.record(ctx, session, result)
		phaseDuration.WithLabelValues(string(domain.PhaseVerify), string(result.Status)).Observe(result.Duration.Seconds())
		o.publish(events.Event{
			Type:      events.TypePhaseFinished,
			SessionID: session.ID,
			Target:    target.ID,
			Phase:     domain.PhaseVerify,
			Status:    string(domain.PhaseOK),
		})
		o.advance(ctx, session, domain.PhaseVerify)
		return true
	}

	result.Status = domain.PhaseError
	result.Error = err.Error()
	o.record(ctx, session, result)
	phaseDuration.WithLabelValues(string(domain.PhaseVerify), string(result.Status)).Observe(result.Duration.Seconds())
	o.publish(events.Event{
		Type:      events.TypePhaseFinished,
		SessionID: session.ID,
		Target:    target.ID,
		Phase:     domain.PhaseVerify,
		Status:    string(domain.PhaseError),
		Detail:    result.Error,
	})

	o.logger.Warn("verification failed, rolling back",
		"session", session.ID,
		"target", target.ID,
		"error", err)
	o.revert(ctx, session, target)

	session.ErrorKind = string(fault.KindOf(err))
	if terr := session.TransitionToFailed(err.Error()); terr != nil {
		o.logger.Error("fail session", "session", session.ID, "error", terr)
	}
	o.persist(ctx, session)
	return false
}

// revert runs the rollback and records its outcome on the session. The
// parent context is used on purpose: the phase budget may already be spent,
// and an unattempted revert is worse than a slow one.
func (o *Orchestrator) revert(ctx context.Context, session *domain.DeploymentSession, target domain.Target) {
	o.publish(events.Event{
		Type:      events.TypeRollbackStarted,
		SessionID: session.ID,
		Target:    target.ID,
	})

	rollbackResult, err := o.rollback.Rollback(ctx, target.ID)
	session.RecordRollback(err)

	status := "reverted"
	detail := ""
	if err != nil {
		status = "failed"
		detail = err.Error()
		o.logger.Error("rollback failed",
			"session", session.ID,
			"target", target.ID,
			"error", err)
	} else {
		o.logger.Info("rollback succeeded",
			"session", session.ID,
			"target", target.ID,
			"point", rollbackResult.PointID)
	}

	if terr := session.Transition(domain.StateRolledBack); terr != nil {
		o.logger.Error("mark rolled back", "session", session.ID, "error", terr)
	}
	o.publish(events.Event{
		Type:      events.TypeRollbackFinished,
		SessionID: session.ID,
		Target:    target.ID,
		Status:    status,
		Detail:    detail,
	})
}

// runMonitor is the one phase that cannot fail the session: a shipped,
// verified release beats perfect telemetry. Failures degrade to a warning
// result via the executor's fallback path.
func (o *Orchestrator) runMonitor(ctx context.Context, session *domain.DeploymentSession, target domain.Target) {
	o.publish(events.Event{
		Type:      events.TypePhaseStarted,
		SessionID: session.ID,
		Target:    target.ID,
		Phase:     domain.PhaseMonitor,
	})

	started := time.Now()
	phaseCtx, cancel := context.WithTimeout(ctx, o.config.PhaseTimeout)
	defer cancel()

	// Attempts run sequentially, so capturing the last error here is safe.
	var lastErr error
	outcome, err := o.executor.Execute(phaseCtx, opID(domain.PhaseMonitor, target), func(ctx context.Context) (any, error) {
		detail, err := o.deployer.Monitor(ctx, target)
		if err != nil {
			lastErr = err
			return nil, err
		}
		return detail, nil
	}, resilience.CallOptions{Degrade: true})

	result := domain.PhaseResult{
		Phase:    domain.PhaseMonitor,
		Duration: time.Since(started),
	}
	switch {
	case err != nil:
		result.Status = domain.PhaseWarning
		result.Error = err.Error()
	case outcome.Degraded:
		result.Status = domain.PhaseWarning
		result.Detail = map[string]any{"degraded": true}
		if lastErr != nil {
			result.Error = lastErr.Error()
		}
		o.logger.Warn("monitoring degraded",
			"session", session.ID,
			"target", target.ID,
			"error", lastErr)
	default:
		result.Status = domain.PhaseOK
		if detail, ok := outcome.Value.(map[string]any); ok && len(detail) > 0 {
			result.Detail = detail
		}
	}
	o.record(ctx, session, result)

	phaseDuration.WithLabelValues(string(domain.PhaseMonitor), string(result.Status)).Observe(result.Duration.Seconds())
	o.publish(events.Event{
		Type:      events.TypePhaseFinished,
		SessionID: session.ID,
		Target:    target.ID,
		Phase:     domain.PhaseMonitor,
		Status:    string(result.Status),
		Detail:    result.Error,
	})
}

// =============================================================================
// Bookkeeping
// =============================================================================

// opID gives every phase of every target its own circuit-breaker identity.
func opID(phase domain.Phase, target domain.Target) string {
	return string(phase) + ":" + target.ID
}

// record appends the result to the session history and persists both. Store
// trouble is logged, not propagated: the in-memory session stays the source
// of truth for the caller.
func (o *Orchestrator) record(ctx context.Context, session *domain.DeploymentSession, result domain.PhaseResult) {
	if err := session.RecordPhase(result); err != nil {
		o.logger.Error("record phase",
			"session", session.ID,
			"phase", result.Phase,
			"error", err)
		return
	}
	if err := o.store.AppendPhaseResult(ctx, session.ID, session.Phases[len(session.Phases)-1]); err != nil {
		o.logger.Error("persist phase result",
			"session", session.ID,
			"phase", result.Phase,
			"error", err)
	}
	o.persist(ctx, session)
}

// advance moves the session into the state that follows a finished phase.
func (o *Orchestrator) advance(ctx context.Context, session *domain.DeploymentSession, phase domain.Phase) {
	if err := session.Transition(nextState(phase)); err != nil {
		o.logger.Error("advance session",
			"session", session.ID,
			"phase", phase,
			"error", err)
	}
	o.persist(ctx, session)
}

// nextState maps a finished phase to its successor in the state machine.
func nextState(phase domain.Phase) domain.SessionState {
	sequence := domain.PhaseSequence()
	for i, p := range sequence {
		if p != phase {
			continue
		}
		if i+1 < len(sequence) {
			return domain.StateFor(sequence[i+1])
		}
		return domain.StateCompleted
	}
	return domain.StateFailed
}

func (o *Orchestrator) persist(ctx context.Context, session *domain.DeploymentSession) {
	if err := o.store.UpdateSession(ctx, session); err != nil {
		o.logger.Error("persist session", "session", session.ID, "error", err)
	}
}

func (o *Orchestrator) publish(event events.Event) {
	if o.events == nil {
		return
	}
	o.events.Publish(event)
}
