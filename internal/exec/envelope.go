package exec

import (
	"strings"
	"time"
)

// Status is the terminal disposition of one execution attempt.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusNonzero    Status = "nonzero-exit"
	StatusTimeout    Status = "timeout"
	StatusBlocked    Status = "blocked"
	StatusSpawnError Status = "spawn-error"
	StatusCancelled  Status = "cancelled"
	StatusRejected   Status = "rejected"
	StatusThrottled  Status = "throttled"
)

// Envelope is the immutable record of one execution attempt. Every attempt
// produces exactly one envelope, including attempts that never spawned a
// process (blocked, rejected, throttled).
type Envelope struct {
	ID        string    `json:"id"`
	ActionID  string    `json:"action_id,omitempty"`
	Argv      []string  `json:"argv"`
	Dir       string    `json:"dir,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    Status    `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	RiskTier  string    `json:"risk_tier,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (e Envelope) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

func (e Envelope) Ran() bool {
	switch e.Status {
	case StatusSuccess, StatusNonzero, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// TruncationMarker terminates any stream that was cut.
const TruncationMarker = "\n[...truncated...]\n"

// Truncate caps s at max bytes, appending the truncation marker. It is
// idempotent: a stream already ending in the marker is returned unchanged.
func Truncate(s string, max int) (string, bool) {
	if strings.HasSuffix(s, TruncationMarker) {
		return s, true
	}
	if max <= 0 || len(s) <= max {
		return s, false
	}
	return s[:max] + TruncationMarker, true
}
