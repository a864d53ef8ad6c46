package domain

import "time"

// =============================================================================
// Health States
// =============================================================================

// HealthState classifies a single probe of a target endpoint.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthError     HealthState = "error"
)

// =============================================================================
// Health Attempts
// =============================================================================

// HealthAttempt is one probe of a target endpoint.
type HealthAttempt struct {
	Attempt   int           `json:"attempt"`
	State     HealthState   `json:"state"`
	Latency   time.Duration `json:"latency"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// =============================================================================
// Health Result
// =============================================================================

// HealthResult is the outcome of waiting for a target to become healthy.
// The attempt log is diagnostic only; control flow depends solely on Healthy.
type HealthResult struct {
	Target   string          `json:"target"`
	Healthy  bool            `json:"healthy"`
	Attempts []HealthAttempt `json:"attempts,omitempty"`
	Elapsed  time.Duration   `json:"elapsed"`
}

// LastAttempt returns the final probe, if any probes ran.
func (r HealthResult) LastAttempt() (HealthAttempt, bool) {
	if len(r.Attempts) == 0 {
		return HealthAttempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}
