// Package fault classifies engine errors into the retry taxonomy shared by
// the resilience executor, the resource pool, and the platform adapters.
package fault

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Kinds
// =============================================================================

// Kind buckets an error by how the engine should react to it.
type Kind string

const (
	// KindTransient covers network timeouts, connection resets, rate
	// limits, and 5xx responses. Retried up to the configured budget and
	// counted toward the circuit-breaker threshold.
	KindTransient Kind = "transient"

	// KindCapacity covers pool exhaustion and waits that timed out. Not
	// retried by the pool itself; retry policy belongs to the caller.
	KindCapacity Kind = "capacity"

	// KindPermanent covers validation and configuration errors. Never
	// retried; reported verbatim.
	KindPermanent Kind = "permanent"

	// KindCircuitOpen means the engine refused to even try the call.
	KindCircuitOpen Kind = "circuit_open"

	// KindRollback marks a failed revert. Always fatal, never degraded.
	KindRollback Kind = "rollback"
)

// =============================================================================
// Fault Error
// =============================================================================

// Error wraps a failure with its taxonomy kind and the operation that
// produced it.
type Error struct {
	Kind    Kind
	Op      string // operation id that failed (e.g., "deploy:api.example.com")
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err, Message: errMessage(err)}
}

// Capacity wraps err as a pool-capacity failure.
func Capacity(op string, err error) *Error {
	return &Error{Kind: KindCapacity, Op: op, Err: err, Message: errMessage(err)}
}

// Permanent wraps err as a terminal, never-retried failure.
func Permanent(op string, err error) *Error {
	return &Error{Kind: KindPermanent, Op: op, Err: err, Message: errMessage(err)}
}

// CircuitOpen builds the refusal returned when a circuit is open.
func CircuitOpen(op string) *Error {
	return &Error{Kind: KindCircuitOpen, Op: op, Message: "circuit breaker is open"}
}

// Rollback wraps err as a failed revert.
func Rollback(op string, err error) *Error {
	return &Error{Kind: KindRollback, Op: op, Err: err, Message: errMessage(err)}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// Classification
// =============================================================================

// KindOf extracts the taxonomy kind from err. Unclassified errors,
// including context deadline and cancellation errors, default to
// transient: they count as failed attempts, and the engine would rather
// retry an unknown failure than give up on a recoverable one.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the resilience executor may run the
// operation again after this error.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindCapacity:
		return true
	default:
		return false
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
