package types

import "fmt"

// OutcomeKind enumerates the closed set of attempt outcomes. Workers never
// return raw errors across the instance boundary; every attempt ends in
// exactly one of these.
type OutcomeKind int

const (
	// OutcomeSuccess means the displayed counter advanced by one.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeSuccessUnverified means the click looked successful but the
	// counter was unreadable, so the increment could not be verified.
	OutcomeSuccessUnverified
	// OutcomeInstanceCooldown means the page reported a per-instance
	// "already voted" wait. Only this instance is affected.
	OutcomeInstanceCooldown
	// OutcomeGlobalHourlyLimit means the page reported the site-wide
	// hourly ban. The whole fleet pauses until the next full hour.
	OutcomeGlobalHourlyLimit
	// OutcomeTechnical covers transient failures: transport errors,
	// missing selectors, ambiguous pages.
	OutcomeTechnical
	// OutcomeNavigationError is a technical failure during open/navigate.
	// It additionally counts toward consecutive init failures.
	OutcomeNavigationError
	// OutcomeLoginRequired means the session lost its login. Terminal for
	// the instance until process restart.
	OutcomeLoginRequired
	// OutcomeLaunchLockTimeout means no launch slot became available.
	// Treated as technical but never counted as an init failure.
	OutcomeLaunchLockTimeout
	// OutcomeProxyConflict is reserved; mapped to the technical policy.
	OutcomeProxyConflict
)

// String returns the snake_case outcome name used in logs and events.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSuccessUnverified:
		return "success_unverified"
	case OutcomeInstanceCooldown:
		return "instance_cooldown"
	case OutcomeGlobalHourlyLimit:
		return "global_hourly_limit"
	case OutcomeTechnical:
		return "technical"
	case OutcomeNavigationError:
		return "navigation_error"
	case OutcomeLoginRequired:
		return "login_required"
	case OutcomeLaunchLockTimeout:
		return "launch_lock_timeout"
	case OutcomeProxyConflict:
		return "proxy_conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is a tagged variant: a kind plus the page message that produced it
// (cooldown text, limit text, login button text, or a diagnostic).
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// IsSuccess reports whether the attempt counts as a successful vote.
func (o Outcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeSuccessUnverified
}

// Status returns the vote log status column value.
func (o Outcome) Status() string {
	if o.IsSuccess() {
		return StatusSuccess
	}
	return StatusFailed
}

// FailureType returns the vote log failure_type column value.
func (o Outcome) FailureType() string {
	switch o.Kind {
	case OutcomeSuccess, OutcomeSuccessUnverified:
		return FailureNone
	case OutcomeInstanceCooldown:
		return FailureIPCooldown
	case OutcomeGlobalHourlyLimit:
		return FailureGlobalHourlyLimit
	case OutcomeLoginRequired:
		return FailureLoginRequired
	case OutcomeProxyConflict:
		return FailureProxyConflict
	default:
		// technical, navigation_error, launch_lock_timeout
		return FailureTechnical
	}
}

// CountsAsInitFailure reports whether the outcome increments the instance's
// consecutive init failure counter. Launch lock timeouts explicitly do not:
// they mean another instance held the slot, not that this one is broken.
func (o Outcome) CountsAsInitFailure() bool {
	return o.Kind == OutcomeNavigationError
}
