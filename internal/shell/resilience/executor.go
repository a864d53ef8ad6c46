// Package resilience wraps calls to the external platform with circuit
// breaking, bounded retry with exponential backoff, and graceful
// degradation.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/shipway/internal/core/backoff"
	"github.com/artpar/shipway/internal/core/fault"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the executor-wide defaults. Individual calls can override
// them through CallOptions.
type Config struct {
	// MaxRetries is the number of extra attempts after the first failure.
	MaxRetries int

	// BaseDelay is the delay before the first retry; it doubles per retry.
	BaseDelay time.Duration

	// CapDelay bounds every retry delay.
	CapDelay time.Duration

	// AttemptTimeout is the deadline applied to each individual attempt.
	// An attempt that exceeds it counts as a failure.
	AttemptTimeout time.Duration

	// Circuit configures the per-operation breakers.
	Circuit CircuitConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      backoff.DefaultBase,
		CapDelay:       backoff.DefaultCap,
		AttemptTimeout: 30 * time.Second,
		Circuit:        DefaultCircuitConfig(),
	}
}

// =============================================================================
// Call Types
// =============================================================================

// Work is one unit of work against the external platform. It must respect
// ctx: every attempt runs under a per-attempt deadline.
type Work func(ctx context.Context) (any, error)

// Fallback supplies the degraded result used when retries are exhausted or
// the circuit is open. Func takes precedence over Value when both are set.
type Fallback struct {
	Value any
	Func  func(ctx context.Context) (any, error)
}

// CallOptions tune a single Execute call. Zero fields inherit the
// executor's Config; a negative MaxRetries forces a single attempt.
type CallOptions struct {
	MaxRetries     int
	BaseDelay      time.Duration
	CapDelay       time.Duration
	AttemptTimeout time.Duration

	// Degrade enables graceful degradation: instead of propagating an
	// exhausted or refused call, Execute returns a degraded Outcome built
	// from Fallback.
	Degrade  bool
	Fallback *Fallback
}

// Outcome is the result of one Execute call. Degraded marks a fallback
// result so callers can always tell it apart from a genuine success.
type Outcome struct {
	Value    any
	Degraded bool
	Attempts int
	Elapsed  time.Duration
}

// NewOperationID builds a synthetic operation id for one-off units of work
// that have no stable identity, so they never share circuit state with
// unrelated calls.
func NewOperationID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

// =============================================================================
// Executor
// =============================================================================

// Executor runs units of work under the engine's resilience policy. It owns
// the circuit breaker records; callers share one executor so that circuit
// state is shared across concurrent targets.
type Executor struct {
	config   Config
	circuits *CircuitBreakers
	logger   *slog.Logger
}

// NewExecutor creates an executor with the given defaults.
func NewExecutor(config Config, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.CapDelay <= 0 {
		config.CapDelay = def.CapDelay
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		config:   config,
		circuits: NewCircuitBreakers(config.Circuit),
		logger:   logger.With("component", "resilience"),
	}
}

// Circuits exposes the breaker store for the status API.
func (e *Executor) Circuits() *CircuitBreakers {
	return e.circuits
}

// Execute runs work under the resilience policy for the given operation id:
// the circuit is consulted first, then work runs up to MaxRetries+1 times
// with exponential backoff between attempts. Permanent and rollback faults
// abort the retry loop immediately. Execute mutates nothing but circuit
// state and never invokes work while the operation's circuit is open.
func (e *Executor) Execute(ctx context.Context, opID string, work Work, opts CallOptions) (*Outcome, error) {
	opts = e.withDefaults(opts)
	start := time.Now()

	if !e.circuits.Allow(opID) {
		executeTotal.WithLabelValues(resultCircuitOpen).Inc()
		if opts.Degrade {
			e.logger.Warn("circuit open, degrading", "operation", opID)
			return e.degrade(ctx, opts, 0, start)
		}
		return nil, fault.CircuitOpen(opID)
	}

	schedule := backoff.Schedule{Base: opts.BaseDelay, Cap: opts.CapDelay}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := schedule.DelayFor(attempt - 1)
			e.logger.Debug("retrying operation",
				"operation", opID,
				"attempt", attempt,
				"delay", delay)
			if err := backoff.Wait(ctx, delay); err != nil {
				lastErr = err
				break
			}
			// The breaker may have been tripped by a concurrent caller
			// while we slept.
			if !e.circuits.Allow(opID) {
				executeTotal.WithLabelValues(resultCircuitOpen).Inc()
				if opts.Degrade {
					return e.degrade(ctx, opts, attempts, start)
				}
				return nil, fault.CircuitOpen(opID)
			}
		}

		value, err := e.attempt(ctx, work, opts.AttemptTimeout)
		attempts++
		if err == nil {
			e.circuits.RecordSuccess(opID)
			executeTotal.WithLabelValues(resultSuccess).Inc()
			executeDuration.WithLabelValues(resultSuccess).Observe(time.Since(start).Seconds())
			return &Outcome{Value: value, Attempts: attempts, Elapsed: time.Since(start)}, nil
		}

		lastErr = err
		if state := e.circuits.RecordFailure(opID); state == CircuitOpen {
			e.logger.Warn("circuit opened",
				"operation", opID,
				"error", err)
		}

		if !fault.IsRetryable(err) {
			e.logger.Debug("non-retryable failure",
				"operation", opID,
				"kind", fault.KindOf(err),
				"error", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	executeTotal.WithLabelValues(resultFailure).Inc()
	executeDuration.WithLabelValues(resultFailure).Observe(time.Since(start).Seconds())

	if opts.Degrade {
		e.logger.Warn("attempts exhausted, degrading",
			"operation", opID,
			"attempts", attempts,
			"error", lastErr)
		return e.degrade(ctx, opts, attempts, start)
	}
	return nil, lastErr
}

// attempt runs work once under the per-attempt deadline.
func (e *Executor) attempt(ctx context.Context, work Work, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return work(ctx)
}

// degrade builds the fallback outcome. A failing fallback function does not
// resurrect the call: the outcome stays degraded with a nil value.
func (e *Executor) degrade(ctx context.Context, opts CallOptions, attempts int, start time.Time) (*Outcome, error) {
	out := &Outcome{Degraded: true, Attempts: attempts}

	if fb := opts.Fallback; fb != nil {
		switch {
		case fb.Func != nil:
			value, err := fb.Func(ctx)
			if err != nil {
				e.logger.Warn("fallback function failed", "error", err)
			} else {
				out.Value = value
			}
		default:
			out.Value = fb.Value
		}
	}

	executeTotal.WithLabelValues(resultDegraded).Inc()
	out.Elapsed = time.Since(start)
	return out, nil
}

func (e *Executor) withDefaults(opts CallOptions) CallOptions {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = e.config.MaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = e.config.BaseDelay
	}
	if opts.CapDelay <= 0 {
		opts.CapDelay = e.config.CapDelay
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = e.config.AttemptTimeout
	}
	return opts
}
