package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/shipway/internal/core/domain"
	"github.com/artpar/shipway/internal/shell/events"
)

// ErrNotStarted is returned by Launch before Start or after Stop.
var ErrNotStarted = errors.New("rollout service not started")

// =============================================================================
// Rollout Service
// =============================================================================

// RolloutStore persists rollout records across their lifecycle.
type RolloutStore interface {
	CreateRollout(ctx context.Context, rollout *domain.Rollout) error
	UpdateRollout(ctx context.Context, rollout *domain.Rollout) error
}

// Service launches rollouts asynchronously. Launch returns as soon as the
// rollout record is durable; the plan itself executes on the service's own
// lifetime context so API request cancellation never aborts a rollout.
type Service struct {
	coordinator *Coordinator
	store       RolloutStore
	sink        events.Sink
	logger      *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a rollout service. The sink may be nil.
func NewService(coordinator *Coordinator, store RolloutStore, sink events.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		coordinator: coordinator,
		store:       store,
		sink:        sink,
		logger:      logger.With("component", "rollout_service"),
	}
}

// Start makes the service accept launches. The context bounds every rollout
// the service will ever run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("rollout service already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("rollout service started")
	return nil
}

// Stop refuses new launches and waits for in-flight rollouts to finish.
// In-flight targets run to their natural end, so Stop can take up to the
// per-target timeout.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("rollout service stopped")
}

// Launch validates the plan, records the rollout as running, and executes
// it in the background. The returned rollout carries the ID callers poll.
func (s *Service) Launch(ctx context.Context, plan domain.RolloutPlan) (*domain.Rollout, error) {
	rollout, err := domain.NewRollout(plan)
	if err != nil {
		return nil, err
	}

	// Reserve the slot before persisting so a Stop racing this launch
	// waits for the rollout to reach a terminal state instead of leaving
	// a record stuck at running.
	s.mu.Lock()
	if s.ctx == nil || s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if err := s.store.CreateRollout(ctx, rollout); err != nil {
		s.wg.Done()
		return nil, fmt.Errorf("create rollout: %w", err)
	}

	s.publish(events.Event{
		Type:      events.TypeRolloutStarted,
		RolloutID: rollout.ID,
		Status:    string(rollout.Status),
		Detail:    fmt.Sprintf("%d targets, strategy %s", len(plan.Targets), plan.Strategy),
	})
	s.logger.Info("rollout launched", "rollout_id", rollout.ID, "plan", plan.Name)

	go func() {
		defer s.wg.Done()
		s.run(rollout)
	}()

	return rollout, nil
}

// run executes the plan and records the terminal rollout state.
func (s *Service) run(rollout *domain.Rollout) {
	result, err := s.coordinator.Deploy(s.ctx, rollout.Plan)
	if err != nil {
		// Deploy only errors on plan validation, which Launch already did.
		// Treat it as a rollout with zero outcomes.
		s.logger.Error("rollout aborted", "rollout_id", rollout.ID, "error", err)
		aborted := domain.Aggregate(rollout.Plan.Name, nil, rollout.StartedAt, time.Now().UTC())
		result = &aborted
	}
	rollout.Finish(*result)

	// The service context may already be cancelled during shutdown; the
	// terminal state still has to land.
	if err := s.store.UpdateRollout(context.WithoutCancel(s.ctx), rollout); err != nil {
		s.logger.Error("persist rollout", "rollout_id", rollout.ID, "error", err)
	}

	s.publish(events.Event{
		Type:      events.TypeRolloutFinished,
		RolloutID: rollout.ID,
		Status:    string(rollout.Status),
		Detail: fmt.Sprintf("%d succeeded, %d failed, %d skipped",
			result.Succeeded, result.Failed, result.Skipped),
	})
}

func (s *Service) publish(event events.Event) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(event)
}
