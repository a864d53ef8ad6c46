// Package pool manages bounded sets of reusable connections to named
// backing resources.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/shipway/internal/core/backoff"
	"github.com/artpar/shipway/internal/core/fault"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrPoolExhausted is returned when no connection became free within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("resource pool exhausted")

	// ErrPoolClosed is returned for operations against a closed pool.
	ErrPoolClosed = errors.New("resource pool is closed")

	// ErrUnknownConnection is returned when releasing a connection the
	// pool does not own.
	ErrUnknownConnection = errors.New("connection does not belong to pool")

	// ErrNotAcquired is returned when releasing a connection that is not
	// marked in-use (a double release).
	ErrNotAcquired = errors.New("connection is not acquired")
)

// =============================================================================
// Connections
// =============================================================================

// Conn is one live connection to a backing resource.
type Conn interface {
	Close() error
}

// Connector dials new connections for a named resource.
type Connector interface {
	Open(ctx context.Context, resource string) (Conn, error)
}

// PooledConnection is one pooled entry. The in-use flag and last-used time
// are owned by the pool and guarded by the per-resource lock; the flag
// strictly alternates acquire/release so an entry is never handed to two
// callers at once.
type PooledConnection struct {
	ID        string
	Resource  string
	Conn      Conn
	CreatedAt time.Time

	lastUsed time.Time
	inUse    bool
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the pool. Zero fields fall back to defaults.
type Config struct {
	// MaxPoolSize bounds the entries per resource name.
	MaxPoolSize int

	// IdleTimeout is the age-since-last-use beyond which an entry is
	// unusable: acquire replaces it and the sweeper evicts it.
	IdleTimeout time.Duration

	// PollInterval is the fixed wait between acquire polls while the
	// pool is saturated.
	PollInterval time.Duration

	// AcquireTimeout bounds Acquire when the caller passes no timeout.
	AcquireTimeout time.Duration

	// QueryTimeout bounds each Query call.
	QueryTimeout time.Duration

	// TxTimeout is the overall budget of a Transaction call, apportioned
	// across sub-operations by TxTimeoutStrategy.
	TxTimeout time.Duration

	// TxTimeoutStrategy apportions TxTimeout across sub-operations.
	// Nil means EvenSplit.
	TxTimeoutStrategy TimeoutStrategy

	// SweepInterval is the period of the background expiry sweeper.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:    10,
		IdleTimeout:    5 * time.Minute,
		PollInterval:   50 * time.Millisecond,
		AcquireTimeout: 10 * time.Second,
		QueryTimeout:   10 * time.Second,
		TxTimeout:      30 * time.Second,
		SweepInterval:  time.Minute,
	}
}

// =============================================================================
// Resource Pool
// =============================================================================

// Pool hands out pooled connections per resource name. Entries are created
// lazily up to MaxPoolSize, reused while fresh, and reclaimed when idle
// beyond IdleTimeout. Each resource has its own lock so concurrent targets
// never contend on unrelated resources.
type Pool struct {
	config    Config
	connector Connector
	logger    *slog.Logger

	mu        sync.RWMutex // guards the map and the closed flag
	resources map[string]*resourcePool
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// resourcePool is the entry list for one resource name.
type resourcePool struct {
	mu      sync.Mutex
	entries []*PooledConnection
	dialing int // reserved capacity for in-flight dials
}

// New creates a pool backed by the given connector.
func New(connector Connector, config Config, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if config.MaxPoolSize <= 0 {
		config.MaxPoolSize = def.MaxPoolSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = def.AcquireTimeout
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = def.QueryTimeout
	}
	if config.TxTimeout <= 0 {
		config.TxTimeout = def.TxTimeout
	}
	if config.TxTimeoutStrategy == nil {
		config.TxTimeoutStrategy = EvenSplit
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		config:    config,
		connector: connector,
		logger:    logger.With("component", "pool"),
		resources: make(map[string]*resourcePool),
	}
}

// Acquire returns a free connection for the resource, dialing a new one
// when the pool has capacity. While saturated it polls at a fixed interval
// until a connection frees up or the timeout elapses, then fails with
// ErrPoolExhausted. A zero timeout uses the configured AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, resource string, timeout time.Duration) (*PooledConnection, error) {
	if timeout <= 0 {
		timeout = p.config.AcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	start := time.Now()

	for {
		if p.isClosed() {
			return nil, ErrPoolClosed
		}

		entry, err := p.acquireOnce(ctx, resource)
		if err != nil {
			acquireTotal.WithLabelValues(resource, "error").Inc()
			return nil, err
		}
		if entry != nil {
			acquireWait.WithLabelValues(resource).Observe(time.Since(start).Seconds())
			p.updateGauges(resource)
			return entry, nil
		}

		if time.Now().After(deadline) {
			acquireTotal.WithLabelValues(resource, "exhausted").Inc()
			return nil, fault.Capacity(
				fmt.Sprintf("acquire:%s", resource),
				fmt.Errorf("%w: no free connection within %s", ErrPoolExhausted, timeout),
			)
		}
		if err := backoff.Wait(ctx, p.config.PollInterval); err != nil {
			return nil, err
		}
	}
}

// acquireOnce makes one pass over the resource's entries. It returns a nil
// entry when the pool is full and every entry is busy.
func (p *Pool) acquireOnce(ctx context.Context, resource string) (*PooledConnection, error) {
	rp := p.resource(resource)
	now := time.Now()

	rp.mu.Lock()

	// Reuse the first free entry that is still fresh.
	for _, e := range rp.entries {
		if !e.inUse && now.Sub(e.lastUsed) < p.config.IdleTimeout {
			e.inUse = true
			e.lastUsed = now
			rp.mu.Unlock()
			acquireTotal.WithLabelValues(resource, "reused").Inc()
			return e, nil
		}
	}

	// Expired free entries are unusable: drop them to make room.
	var evicted []*PooledConnection
	kept := rp.entries[:0]
	for _, e := range rp.entries {
		if !e.inUse && now.Sub(e.lastUsed) >= p.config.IdleTimeout {
			evicted = append(evicted, e)
			continue
		}
		kept = append(kept, e)
	}
	rp.entries = kept

	if len(rp.entries)+rp.dialing >= p.config.MaxPoolSize {
		rp.mu.Unlock()
		p.closeEvicted(resource, evicted)
		return nil, nil
	}

	// Reserve the slot before dialing so concurrent acquires cannot
	// overshoot MaxPoolSize.
	rp.dialing++
	rp.mu.Unlock()
	p.closeEvicted(resource, evicted)

	conn, err := p.connector.Open(ctx, resource)

	rp.mu.Lock()
	rp.dialing--
	if err != nil {
		rp.mu.Unlock()
		return nil, fmt.Errorf("open connection to %s: %w", resource, err)
	}

	entry := &PooledConnection{
		ID:        uuid.New().String(),
		Resource:  resource,
		Conn:      conn,
		CreatedAt: now,
		lastUsed:  now,
		inUse:     true,
	}
	rp.entries = append(rp.entries, entry)
	rp.mu.Unlock()

	acquireTotal.WithLabelValues(resource, "dialed").Inc()
	return entry, nil
}

// Release marks the connection free and stamps its last-used time. It never
// removes the entry; removal only happens on idle expiry. Releasing into a
// closed pool is a no-op so callers can unwind during shutdown.
func (p *Pool) Release(resource string, conn *PooledConnection) error {
	if p.isClosed() {
		return nil
	}
	rp := p.resource(resource)

	rp.mu.Lock()
	defer func() {
		rp.mu.Unlock()
		p.updateGauges(resource)
	}()

	for _, e := range rp.entries {
		if e == conn {
			if !e.inUse {
				return fmt.Errorf("%w: %s", ErrNotAcquired, e.ID)
			}
			e.inUse = false
			e.lastUsed = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrUnknownConnection, resource, conn.ID)
}

// Sweep evicts idle-expired free entries across all resources and returns
// the number of evictions. The sweeper goroutine calls this periodically;
// it is safe to call directly.
func (p *Pool) Sweep() int {
	p.mu.RLock()
	names := make([]string, 0, len(p.resources))
	for name := range p.resources {
		names = append(names, name)
	}
	p.mu.RUnlock()

	now := time.Now()
	total := 0
	for _, name := range names {
		rp := p.resource(name)

		rp.mu.Lock()
		var evicted []*PooledConnection
		kept := rp.entries[:0]
		for _, e := range rp.entries {
			if !e.inUse && now.Sub(e.lastUsed) >= p.config.IdleTimeout {
				evicted = append(evicted, e)
				continue
			}
			kept = append(kept, e)
		}
		rp.entries = kept
		rp.mu.Unlock()

		p.closeEvicted(name, evicted)
		p.updateGauges(name)
		total += len(evicted)
	}
	return total
}

// Start launches the background expiry sweeper.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.sweepLoop(ctx)

	p.logger.Info("pool sweeper started", "interval", p.config.SweepInterval)
	return nil
}

// Stop halts the sweeper and waits for it to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				p.logger.Debug("evicted idle connections", "count", n)
			}
		}
	}
}

// Close stops the sweeper, closes every connection, and rejects further
// acquires. In-flight releases still succeed so callers can unwind.
func (p *Pool) Close() error {
	p.Stop()

	p.mu.Lock()
	p.closed = true
	resources := p.resources
	p.resources = make(map[string]*resourcePool)
	p.mu.Unlock()

	var firstErr error
	for name, rp := range resources {
		rp.mu.Lock()
		for _, e := range rp.entries {
			if err := e.Conn.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close connection %s/%s: %w", name, e.ID, err)
			}
		}
		rp.entries = nil
		rp.mu.Unlock()
	}
	return firstErr
}

// =============================================================================
// Introspection
// =============================================================================

// ResourceStats is a point-in-time view of one resource's pool.
type ResourceStats struct {
	Resource string `json:"resource"`
	Total    int    `json:"total"`
	InUse    int    `json:"in_use"`
	Idle     int    `json:"idle"`
}

// Stats returns per-resource pool statistics for the status API.
func (p *Pool) Stats() []ResourceStats {
	p.mu.RLock()
	names := make([]string, 0, len(p.resources))
	for name := range p.resources {
		names = append(names, name)
	}
	p.mu.RUnlock()

	stats := make([]ResourceStats, 0, len(names))
	for _, name := range names {
		stats = append(stats, p.resourceStats(name))
	}
	return stats
}

func (p *Pool) resourceStats(resource string) ResourceStats {
	rp := p.resource(resource)

	rp.mu.Lock()
	defer rp.mu.Unlock()

	s := ResourceStats{Resource: resource, Total: len(rp.entries)}
	for _, e := range rp.entries {
		if e.inUse {
			s.InUse++
		}
	}
	s.Idle = s.Total - s.InUse
	return s
}

func (p *Pool) updateGauges(resource string) {
	s := p.resourceStats(resource)
	poolConnections.WithLabelValues(resource, "in_use").Set(float64(s.InUse))
	poolConnections.WithLabelValues(resource, "idle").Set(float64(s.Idle))
}

func (p *Pool) closeEvicted(resource string, evicted []*PooledConnection) {
	for _, e := range evicted {
		if err := e.Conn.Close(); err != nil {
			p.logger.Warn("close evicted connection",
				"resource", resource,
				"connection", e.ID,
				"error", err)
		}
		evictionsTotal.WithLabelValues(resource).Inc()
	}
}

func (p *Pool) resource(name string) *resourcePool {
	p.mu.RLock()
	rp, ok := p.resources[name]
	p.mu.RUnlock()
	if ok {
		return rp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.resources[name]; ok {
		return rp
	}
	rp = &resourcePool{}
	p.resources[name] = rp
	return rp
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
