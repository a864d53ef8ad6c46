// Package backoff computes the exponential retry delay schedule shared by
// the resilience executor and the health monitor.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultBase is the delay before the first retry.
	DefaultBase = 100 * time.Millisecond

	// DefaultCap bounds every computed delay.
	DefaultCap = 30 * time.Second

	// DefaultJitterFraction is the upper bound of the random jitter as a
	// fraction of the exponential delay.
	DefaultJitterFraction = 0.1
)

// =============================================================================
// Schedule
// =============================================================================

// Schedule computes the delay before each retry: the base delay doubled
// per attempt, plus a random jitter in [0, JitterFraction x exponential),
// capped at Cap. Zero fields fall back to the package defaults.
type Schedule struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64
}

// New returns a schedule with defaults filled in for zero fields.
func New(base, cap time.Duration) Schedule {
	s := Schedule{Base: base, Cap: cap}
	return s.normalized()
}

// DelayFor returns the delay to wait before retry n (0-indexed).
func (s Schedule) DelayFor(retry int) time.Duration {
	s = s.normalized()
	if retry < 0 {
		retry = 0
	}

	// Once the doubled delay reaches the cap, jitter cannot matter.
	exp := float64(s.Base)
	for i := 0; i < retry && exp < float64(s.Cap); i++ {
		exp *= 2
	}
	if exp >= float64(s.Cap) {
		return s.Cap
	}

	jitter := rand.Float64() * s.JitterFraction * exp
	if d := time.Duration(exp + jitter); d < s.Cap {
		return d
	}
	return s.Cap
}

func (s Schedule) normalized() Schedule {
	if s.Base <= 0 {
		s.Base = DefaultBase
	}
	if s.Cap <= 0 {
		s.Cap = DefaultCap
	}
	if s.JitterFraction <= 0 {
		s.JitterFraction = DefaultJitterFraction
	}
	return s
}

// =============================================================================
// Waiting
// =============================================================================

// Wait blocks for d or until ctx is done, whichever comes first. It returns
// ctx.Err() when the context ended the wait.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
