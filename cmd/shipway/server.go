package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/artpar/shipway/internal/core/plan"
	"github.com/artpar/shipway/internal/shell/api"
	"github.com/artpar/shipway/internal/shell/coordinator"
	"github.com/artpar/shipway/internal/shell/events"
	"github.com/artpar/shipway/internal/shell/health"
	"github.com/artpar/shipway/internal/shell/orchestrator"
	"github.com/artpar/shipway/internal/shell/platform"
	"github.com/artpar/shipway/internal/shell/pool"
	"github.com/artpar/shipway/internal/shell/resilience"
	"github.com/artpar/shipway/internal/shell/rollback"
	"github.com/artpar/shipway/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitPoolError       = 3
	ExitHTTPServerError = 4
	ExitRolloutError    = 5
)

// =============================================================================
// Server
// =============================================================================

// Server represents the Shipway application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	pool       *pool.Pool
	bus        *events.Bus
	rollouts   *coordinator.Service
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to the control store
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Create the per-target resource pool
	dataPool := pool.New(pool.NewSQLiteConnector(cfg.Pool.DataDir), pool.Config{
		MaxPoolSize:    cfg.Pool.MaxSize,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		PollInterval:   cfg.Pool.PollInterval,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		QueryTimeout:   cfg.Pool.QueryTimeout,
		TxTimeout:      cfg.Pool.TxTimeout,
		SweepInterval:  cfg.Pool.SweepInterval,
	}, logger)

	// Create the resilience executor shared by every platform call
	executor := resilience.NewExecutor(resilience.Config{
		MaxRetries:     cfg.Resilience.MaxRetries,
		BaseDelay:      cfg.Resilience.BaseDelay,
		CapDelay:       cfg.Resilience.CapDelay,
		AttemptTimeout: cfg.Resilience.AttemptTimeout,
		Circuit: resilience.CircuitConfig{
			FailureThreshold: cfg.Resilience.CircuitThreshold,
			OpenTimeout:      cfg.Resilience.CircuitTimeout,
		},
	}, logger)

	// Create the health monitor for post-deploy verification
	monitor := health.NewMonitor(health.Config{
		MaxAttempts:  cfg.Health.MaxAttempts,
		BaseDelay:    cfg.Health.BaseDelay,
		CapDelay:     cfg.Health.CapDelay,
		Deadline:     cfg.Health.Deadline,
		CheckTimeout: cfg.Health.CheckTimeout,
	}, logger)

	// Create the platform adapters: the deploy CLI and the control-plane API
	invoker := platform.NewExecInvoker(cfg.Platform.DeployBinary, cfg.Platform.WorkDir, logger)
	apiClient := platform.NewHTTPAPIClient(platform.APIConfig{
		BaseURL:           cfg.Platform.APIURL,
		APIKey:            cfg.Platform.APIKey,
		Timeout:           cfg.Platform.APITimeout,
		RequestsPerSecond: cfg.Platform.RequestsPerSecond,
		Burst:             cfg.Platform.Burst,
	}, logger)
	deployer := platform.NewDeployer(invoker, apiClient, dataPool, platform.DeployerConfig{
		HealthScheme:      cfg.Platform.HealthScheme,
		DefaultHealthPath: cfg.Platform.DefaultHealthPath,
	}, logger)

	// Create the event bus unless streaming is disabled. A nil bus is safe
	// everywhere downstream; publishes become no-ops.
	var bus *events.Bus
	if cfg.Events.Enabled {
		bus = events.NewBus(logger)
	} else {
		logger.Info("event stream disabled")
	}

	// Wire rollback and the session orchestrator
	rollbackMgr := rollback.NewManager(s, deployer, executor, logger)
	orch := orchestrator.New(deployer, s, executor, monitor, rollbackMgr, bus, orchestrator.Config{
		PhaseTimeout: cfg.Orchestrator.PhaseTimeout,
	}, logger)

	// Wire the multi-target coordinator and its rollout service
	coord := coordinator.New(orch, coordinator.Config{
		MaxConcurrent: cfg.Rollout.MaxConcurrent,
		TargetTimeout: cfg.Rollout.TargetTimeout,
	}, logger)
	rollouts := coordinator.NewService(coord, s, bus, logger)

	// Create HTTP handler
	handler := api.NewHandler(s, rollouts, bus, executor, dataPool, logger)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		pool:       dataPool,
		bus:        bus,
		rollouts:   rollouts,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the resource pool sweeper
	if err := s.pool.Start(ctx); err != nil {
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitPoolError,
		}
	}

	// Start accepting rollout launches
	if err := s.rollouts.Start(ctx); err != nil {
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitRolloutError,
		}
	}

	// Launch the startup plan if one is configured
	if s.config.Rollout.PlanPath != "" {
		if err := s.launchPlanFile(ctx, s.config.Rollout.PlanPath); err != nil {
			return &ServerError{
				Op:       "Start",
				Err:      err,
				ExitCode: ExitRolloutError,
			}
		}
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// launchPlanFile reads, parses, and launches a rollout plan from disk.
func (s *Server) launchPlanFile(ctx context.Context, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	rolloutPlan, err := plan.Parse(string(content))
	if err != nil {
		return err
	}

	rollout, err := s.rollouts.Launch(ctx, *rolloutPlan)
	if err != nil {
		return err
	}

	s.logger.Info("startup plan launched",
		"plan", rolloutPlan.Name,
		"rollout_id", rollout.ID,
		"targets", len(rolloutPlan.Targets),
	)
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop the rollout service; waits for in-flight rollouts
	s.rollouts.Stop()

	// Close the event bus so stream subscribers drain
	if s.bus != nil {
		s.bus.Close()
	}

	// Stop the pool sweeper and close pooled connections
	s.pool.Stop()
	if err := s.pool.Close(); err != nil {
		s.logger.Error("resource pool close error", "error", err)
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
