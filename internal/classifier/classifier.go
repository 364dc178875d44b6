// Package classifier turns the raw observations of one voting attempt into
// an outcome. It is pure: no I/O, no clocks, no randomness. All side effects
// (logging, persistence, fleet signals) happen in the worker and instance
// layers.
package classifier

import (
	"time"

	"github.com/Rorqualx/votefleet-go/internal/patterns"
	"github.com/Rorqualx/votefleet-go/internal/types"
)

// loginFlashWindow bounds how long after browser open a visible login marker
// is treated as a transient flash rather than a lost session. Freshly opened
// pages briefly render the login button while session cookies load.
const loginFlashWindow = 30 * time.Second

// maxDiagnosticLen caps the page excerpt recorded for unclassified failures.
const maxDiagnosticLen = 200

// Input is everything the worker observed during one attempt. Counter values
// are nil when the counter element could not be read on that side.
type Input struct {
	InitialCount *int
	FinalCount   *int
	PageContent  string

	// ButtonStillVisible is true when the vote button remained visible
	// after the final click retry.
	ButtonStillVisible bool

	// WorkerErr is a browser-level failure folded into the classification.
	WorkerErr error

	// LoginMarkerVisible reports whether a login button was visible after
	// the attempt; LoginMarkerText carries its text for the outcome message.
	LoginMarkerVisible bool
	LoginMarkerText    string

	// BrowserAge is how long the browser had been open when the login
	// marker was observed. VoteCount is the instance's verified total.
	// Together they drive the transient-flash safeguard.
	BrowserAge time.Duration
	VoteCount  int

	Patterns *patterns.Set
}

func (in Input) delta() (int, bool) {
	if in.InitialCount == nil || in.FinalCount == nil {
		return 0, false
	}
	return *in.FinalCount - *in.InitialCount, true
}

// Classify maps one attempt's observations to an outcome. First matching
// rule wins; ambiguous pages never escalate to the global hourly limit.
func Classify(in Input) types.Outcome {
	p := in.Patterns

	// A dead browser transport outranks everything: the page state is
	// unknowable, so the attempt is retried as technical.
	if types.IsTransportClosed(in.WorkerErr) {
		return types.Outcome{Kind: types.OutcomeTechnical, Message: "browser transport closed"}
	}

	if delta, ok := in.delta(); ok {
		switch {
		case delta == 1:
			return types.Outcome{Kind: types.OutcomeSuccess}
		case delta > 1:
			// Someone else voted in the same window. Trust a single
			// increment and record the anomaly in the message.
			return types.Outcome{Kind: types.OutcomeSuccess, Message: "counter advanced by more than one"}
		case delta < 0:
			return types.Outcome{Kind: types.OutcomeTechnical, Message: "counter went backwards"}
		}
	} else {
		if msg, ok := p.MatchGlobalLimit(in.PageContent); ok {
			return types.Outcome{Kind: types.OutcomeGlobalHourlyLimit, Message: msg}
		}
		if msg, ok := p.MatchInstanceCooldown(in.PageContent); ok {
			return types.Outcome{Kind: types.OutcomeInstanceCooldown, Message: msg}
		}
	}

	// delta == 0, or counter unreadable with no cooldown text.
	if msg, ok := p.MatchGlobalLimit(in.PageContent); ok {
		return types.Outcome{Kind: types.OutcomeGlobalHourlyLimit, Message: msg}
	}
	if msg, ok := p.MatchInstanceCooldown(in.PageContent); ok {
		return types.Outcome{Kind: types.OutcomeInstanceCooldown, Message: msg}
	}

	if in.LoginMarkerVisible {
		if in.BrowserAge < loginFlashWindow && in.VoteCount > 0 {
			// The login button also flashes on a freshly opened page
			// while session cookies load. An instance that has voted
			// before almost certainly still holds its session.
			return types.Outcome{Kind: types.OutcomeTechnical, Message: "login marker flashed on fresh page"}
		}
		return types.Outcome{Kind: types.OutcomeLoginRequired, Message: in.LoginMarkerText}
	}

	if in.ButtonStillVisible {
		return types.Outcome{Kind: types.OutcomeTechnical, Message: "click failed - overlay"}
	}

	if in.InitialCount == nil && in.FinalCount == nil {
		if _, failed := p.MatchFailure(in.PageContent); !failed && p.MatchSuccessMarker(in.PageContent) {
			return types.Outcome{Kind: types.OutcomeSuccessUnverified, Message: "counter unreadable, success marker present"}
		}
		return types.Outcome{Kind: types.OutcomeTechnical, Message: "unverified, no message"}
	}

	// Counter readable on at least one side but the vote did not register
	// and no known pattern matched. Success markers still rescue the case
	// where only one read failed.
	if in.InitialCount == nil || in.FinalCount == nil {
		if _, failed := p.MatchFailure(in.PageContent); !failed && p.MatchSuccessMarker(in.PageContent) {
			return types.Outcome{Kind: types.OutcomeSuccessUnverified, Message: "counter partially unreadable, success marker present"}
		}
	}

	return types.Outcome{Kind: types.OutcomeTechnical, Message: diagnostic(in)}
}

// diagnostic extracts a short failure hint from the page for the vote log.
func diagnostic(in Input) string {
	if msg, ok := in.Patterns.MatchFailure(in.PageContent); ok {
		return msg
	}
	if in.WorkerErr != nil {
		return truncate(in.WorkerErr.Error(), maxDiagnosticLen)
	}
	return "vote did not register, no failure message found"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
