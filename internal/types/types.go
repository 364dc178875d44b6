// Package types provides shared types, states, and errors for the voting fleet.
package types

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a fleet instance.
type State int

// Instance lifecycle states.
const (
	StateIdle State = iota
	StateLaunching
	StateVoting
	StateCooldown
	StateRetryBackoff
	StatePaused
	StateExcluded
	StateTerminated
)

// String returns the human-readable state name used in snapshots and logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateVoting:
		return "voting"
	case StateCooldown:
		return "cooldown"
	case StateRetryBackoff:
		return "retry_backoff"
	case StatePaused:
		return "paused"
	case StateExcluded:
		return "excluded"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Attempt status values persisted in the vote log.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Failure types persisted in the vote log. The set is closed; proxy_conflict
// is reserved and currently handled with the technical retry policy.
const (
	FailureNone              = ""
	FailureIPCooldown        = "ip_cooldown"
	FailureTechnical         = "technical"
	FailureLoginRequired     = "login_required"
	FailureGlobalHourlyLimit = "global_hourly_limit"
	FailureProxyConflict     = "proxy_conflict"
)

// InstanceName returns the stable display name for an instance id. It is
// also the session directory name, so it must never change format.
func InstanceName(id int) string {
	return fmt.Sprintf("instance_%d", id)
}

// AttemptReport is everything a browser worker observed during one attempt.
// The instance loop turns it into a vote log entry; the worker itself never
// writes logs or touches persistent state.
type AttemptReport struct {
	Outcome       Outcome
	InitialCount  *int
	FinalCount    *int
	ClickAttempts int
	TimeOfClick   time.Time // zero if no click happened
	ErrorMessage  string
	BrowserClosed bool
	ProxyIP       string
	SessionToken  string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// CountDelta returns final minus initial when both counter reads succeeded.
func (r *AttemptReport) CountDelta() (int, bool) {
	if r.InitialCount == nil || r.FinalCount == nil {
		return 0, false
	}
	return *r.FinalCount - *r.InitialCount, true
}
