package pool

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Timeout Strategies
// =============================================================================

// TimeoutStrategy apportions a transaction's overall budget across its
// sub-operations. It receives the total budget, the operation count, and
// the index of the operation about to run.
type TimeoutStrategy func(total time.Duration, ops, index int) time.Duration

// EvenSplit divides the budget evenly across sub-operations regardless of
// their individual cost. This mirrors the historical behavior; callers with
// uneven operations should supply their own strategy.
func EvenSplit(total time.Duration, ops, index int) time.Duration {
	if ops <= 0 {
		return total
	}
	return total / time.Duration(ops)
}

// FrontLoaded gives the first operation half the budget and splits the rest
// evenly, for transactions that begin with an expensive statement.
func FrontLoaded(total time.Duration, ops, index int) time.Duration {
	if ops <= 1 {
		return total
	}
	if index == 0 {
		return total / 2
	}
	return total / 2 / time.Duration(ops-1)
}

// =============================================================================
// Query
// =============================================================================

// Op is one unit of work against an acquired connection.
type Op func(ctx context.Context, conn Conn) (any, error)

// Query acquires exactly one connection, runs op under the configured query
// timeout, and always releases the connection - on success, failure, and
// timeout - before returning.
func (p *Pool) Query(ctx context.Context, resource string, op Op) (any, error) {
	entry, err := p.Acquire(ctx, resource, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Release(resource, entry); err != nil {
			p.logger.Warn("release connection", "resource", resource, "error", err)
		}
	}()

	qctx, cancel := context.WithTimeout(ctx, p.config.QueryTimeout)
	defer cancel()

	value, err := op(qctx, entry.Conn)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", resource, err)
	}
	return value, nil
}

// =============================================================================
// Transaction
// =============================================================================

// TxResult reports a best-effort ordered transaction: the results of the
// sub-operations that completed and the index of the one that failed.
type TxResult struct {
	Results     []any `json:"results"`
	Completed   int   `json:"completed"`
	FailedIndex int   `json:"failed_index"` // -1 when every op succeeded
}

// Transaction runs ops in order against one acquired connection. The first
// failure aborts the remaining sequence and fails the whole call, reporting
// the failing index and the partial results.
//
// There is no atomic rollback at the data-store level: completed operations
// stay applied. Durable consistency comes from the application-level
// rollback snapshots, not from this call.
func (p *Pool) Transaction(ctx context.Context, resource string, ops []Op) (*TxResult, error) {
	result := &TxResult{FailedIndex: -1}
	if len(ops) == 0 {
		return result, nil
	}

	entry, err := p.Acquire(ctx, resource, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Release(resource, entry); err != nil {
			p.logger.Warn("release connection", "resource", resource, "error", err)
		}
	}()

	for i, op := range ops {
		budget := p.config.TxTimeoutStrategy(p.config.TxTimeout, len(ops), i)
		octx, cancel := context.WithTimeout(ctx, budget)
		value, err := op(octx, entry.Conn)
		cancel()

		if err != nil {
			result.FailedIndex = i
			return result, fmt.Errorf("transaction %s: op %d of %d: %w", resource, i+1, len(ops), err)
		}
		result.Results = append(result.Results, value)
		result.Completed++
	}
	return result, nil
}
