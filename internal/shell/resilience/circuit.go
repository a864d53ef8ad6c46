package resilience

import (
	"sync"
	"time"
)

// =============================================================================
// Circuit State
// =============================================================================

// CircuitState is the breaker position for one operation id.
type CircuitState string

const (
	// CircuitClosed is normal operation - calls pass through.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen means too many consecutive failures - calls are refused.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows a probe call through after the cool-down.
	CircuitHalfOpen CircuitState = "half-open"
)

// =============================================================================
// Circuit Configuration
// =============================================================================

// CircuitConfig configures breaker behavior for every operation id.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// OpenTimeout is how long the circuit refuses calls before allowing
	// a half-open probe.
	OpenTimeout time.Duration
}

// DefaultCircuitConfig returns sensible defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// =============================================================================
// Circuit Status
// =============================================================================

// CircuitStatus is a point-in-time view of one operation's breaker.
type CircuitStatus struct {
	Operation           string       `json:"operation"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailure         *time.Time   `json:"last_failure,omitempty"`
}

// =============================================================================
// Circuit Breakers
// =============================================================================

// circuit is one operation's breaker record. The state is derived, never
// stored: open while consecutive failures have reached the threshold and
// the last failure is younger than the cool-down; half-open the moment the
// cool-down elapses; closed once any success resets the counter.
type circuit struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

func (c *circuit) state(config CircuitConfig, now time.Time) CircuitState {
	if c.failures < config.FailureThreshold {
		return CircuitClosed
	}
	if now.Sub(c.lastFailure) < config.OpenTimeout {
		return CircuitOpen
	}
	return CircuitHalfOpen
}

// CircuitBreakers tracks breaker records keyed by operation id. Records are
// created lazily and live for the process lifetime unless explicitly reset.
// Each record is guarded by its own lock so concurrent targets never race
// on the same counter.
type CircuitBreakers struct {
	config CircuitConfig

	mu   sync.RWMutex // guards the map, not the records
	byOp map[string]*circuit
}

// NewCircuitBreakers creates the keyed breaker store.
func NewCircuitBreakers(config CircuitConfig) *CircuitBreakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitConfig().FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultCircuitConfig().OpenTimeout
	}

	return &CircuitBreakers{
		config: config,
		byOp:   make(map[string]*circuit),
	}
}

// Allow reports whether a call for this operation may proceed. Both closed
// and half-open circuits let the call through; only open refuses.
func (b *CircuitBreakers) Allow(opID string) bool {
	return b.State(opID) != CircuitOpen
}

// State returns the current breaker position for an operation id.
func (b *CircuitBreakers) State(opID string) CircuitState {
	c := b.get(opID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(b.config, time.Now())
}

// RecordSuccess resets the consecutive failure counter. A success while
// half-open closes the circuit. Returns the resulting state.
func (b *CircuitBreakers) RecordSuccess(opID string) CircuitState {
	c := b.get(opID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failures >= b.config.FailureThreshold {
		circuitTransitions.WithLabelValues(string(CircuitClosed)).Inc()
	}
	c.failures = 0
	return c.state(b.config, time.Now())
}

// RecordFailure bumps the consecutive failure counter and stamps the
// failure time. A failure while half-open re-opens the circuit for a
// fresh cool-down. Returns the resulting state.
func (b *CircuitBreakers) RecordFailure(opID string) CircuitState {
	c := b.get(opID)
	c.mu.Lock()
	defer c.mu.Unlock()

	wasTripped := c.failures >= b.config.FailureThreshold
	c.failures++
	c.lastFailure = time.Now()

	state := c.state(b.config, time.Now())
	if state == CircuitOpen && !wasTripped {
		circuitTransitions.WithLabelValues(string(CircuitOpen)).Inc()
	}
	return state
}

// Reset clears the breaker record for an operation id.
func (b *CircuitBreakers) Reset(opID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byOp, opID)
}

// Snapshot returns the status of every tracked operation, for the status
// API and diagnostics.
func (b *CircuitBreakers) Snapshot() []CircuitStatus {
	b.mu.RLock()
	ops := make([]string, 0, len(b.byOp))
	for op := range b.byOp {
		ops = append(ops, op)
	}
	b.mu.RUnlock()

	now := time.Now()
	statuses := make([]CircuitStatus, 0, len(ops))
	for _, op := range ops {
		c := b.get(op)
		c.mu.Lock()
		status := CircuitStatus{
			Operation:           op,
			State:               c.state(b.config, now),
			ConsecutiveFailures: c.failures,
		}
		if !c.lastFailure.IsZero() {
			last := c.lastFailure
			status.LastFailure = &last
		}
		c.mu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

func (b *CircuitBreakers) get(opID string) *circuit {
	b.mu.RLock()
	c, ok := b.byOp[opID]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.byOp[opID]; ok {
		return c
	}
	c = &circuit{}
	b.byOp[opID] = c
	return c
}
