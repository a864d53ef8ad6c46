// Package health polls deployment targets until they report healthy.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/shipway/internal/core/backoff"
	"github.com/artpar/shipway/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrUnhealthy is returned when a target never reported healthy within the
// retry budget and deadline.
var ErrUnhealthy = errors.New("target did not become healthy")

// =============================================================================
// Configuration
// =============================================================================

// Config configures the health monitor. The backoff schedule is the same
// algorithm the resilience executor uses, configured independently.
type Config struct {
	// MaxAttempts is the probe budget per wait.
	// Default: 10.
	MaxAttempts int

	// BaseDelay is the wait before the second probe; it doubles per probe.
	// Default: 500ms.
	BaseDelay time.Duration

	// CapDelay bounds the wait between probes.
	// Default: 10 seconds.
	CapDelay time.Duration

	// Deadline is the overall wall-clock budget for one wait.
	// Default: 2 minutes.
	Deadline time.Duration

	// CheckTimeout is the timeout for a single probe.
	// Default: 5 seconds.
	CheckTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  10,
		BaseDelay:    500 * time.Millisecond,
		CapDelay:     10 * time.Second,
		Deadline:     2 * time.Minute,
		CheckTimeout: 5 * time.Second,
	}
}

// =============================================================================
// Checks
// =============================================================================

// Check probes a target once. Detail is free-form diagnostic text (status
// line, body excerpt); err marks a probe that could not run at all.
type Check func(ctx context.Context, target string) (healthy bool, detail string, err error)

// =============================================================================
// Monitor
// =============================================================================

// Monitor repeatedly probes targets with exponential backoff and records
// an ordered attempt log for diagnostics.
type Monitor struct {
	config Config
	logger *slog.Logger
}

// NewMonitor creates a health monitor.
func NewMonitor(config Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.CapDelay <= 0 {
		config.CapDelay = def.CapDelay
	}
	if config.Deadline <= 0 {
		config.Deadline = def.Deadline
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = def.CheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		config: config,
		logger: logger.With("component", "health"),
	}
}

// WaitUntilHealthy polls the target until the check reports healthy,
// the probe budget is exhausted, or the deadline elapses. The returned
// result is never nil and its attempt log is ordered; the log is
// diagnostic only - callers branch on Healthy and the returned error.
func (m *Monitor) WaitUntilHealthy(ctx context.Context, target string, check Check) (*domain.HealthResult, error) {
	schedule := backoff.Schedule{Base: m.config.BaseDelay, Cap: m.config.CapDelay}
	deadline := time.Now().Add(m.config.Deadline)
	start := time.Now()
	result := &domain.HealthResult{Target: target}

	for attempt := 0; attempt < m.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := schedule.DelayFor(attempt - 1)
			if time.Now().Add(delay).After(deadline) {
				break
			}
			if err := backoff.Wait(ctx, delay); err != nil {
				result.Elapsed = time.Since(start)
				return result, err
			}
		}

		record := m.probe(ctx, target, check, attempt)
		result.Attempts = append(result.Attempts, record)
		probesTotal.WithLabelValues(string(record.State)).Inc()

		if record.State == domain.HealthHealthy {
			result.Healthy = true
			result.Elapsed = time.Since(start)
			waitDuration.WithLabelValues("healthy").Observe(result.Elapsed.Seconds())
			return result, nil
		}

		m.logger.Debug("health probe failed",
			"target", target,
			"attempt", attempt,
			"state", record.State,
			"detail", record.Detail)

		if time.Now().After(deadline) {
			break
		}
	}

	result.Elapsed = time.Since(start)
	waitDuration.WithLabelValues("unhealthy").Observe(result.Elapsed.Seconds())
	return result, fmt.Errorf("%w: %s after %d probes", ErrUnhealthy, target, len(result.Attempts))
}

// probe runs one check under the per-probe timeout.
func (m *Monitor) probe(ctx context.Context, target string, check Check, attempt int) domain.HealthAttempt {
	cctx, cancel := context.WithTimeout(ctx, m.config.CheckTimeout)
	defer cancel()

	began := time.Now()
	healthy, detail, err := check(cctx, target)

	record := domain.HealthAttempt{
		Attempt:   attempt,
		Latency:   time.Since(began),
		Detail:    detail,
		CheckedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		record.State = domain.HealthError
		if record.Detail == "" {
			record.Detail = err.Error()
		}
	case healthy:
		record.State = domain.HealthHealthy
	default:
		record.State = domain.HealthUnhealthy
	}
	return record
}
