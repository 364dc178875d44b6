// Package instance implements the per-identity state machine. Each instance
// owns one long-lived voting identity: its proxy session, its browser
// profile, and its place in the retry schedule. The loop delegates actual
// browser work to a worker and persistence to the vote log and session
// store; the fleet scheduler supplies eligibility and pause signals.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/humanize"
	"github.com/Rorqualx/votefleet-go/internal/proxy"
	"github.com/Rorqualx/votefleet-go/internal/security"
	"github.com/Rorqualx/votefleet-go/internal/sessionstore"
	"github.com/Rorqualx/votefleet-go/internal/types"
	"github.com/Rorqualx/votefleet-go/internal/votelog"
	"github.com/Rorqualx/votefleet-go/internal/worker"
)

const (
	// excludedRecheck is how long an excluded instance sleeps between wakeups.
	// Exclusion is terminal until restart; the sleep only keeps the goroutine
	// cheap.
	excludedRecheck = time.Hour

	// launchRetryDelay follows a launch slot timeout. Short because the slot
	// holder is usually done within a minute.
	launchRetryDelay = 30 * time.Second

	// eligibilityRecheck caps how long the loop sleeps before re-asking the
	// scheduler, so global-limit pauses and config-scale waits take effect
	// promptly.
	eligibilityRecheck = 30 * time.Second

	// Back-off bounds after consecutive init failures.
	backoffBase = 30 * time.Second
	backoffMax  = 300 * time.Second
)

// AttemptRunner runs one voting attempt. Implemented by worker.Worker.
type AttemptRunner interface {
	Attempt(ctx context.Context, req worker.Request) types.AttemptReport
}

// LeaseSource provides the instance's proxy lease. Implemented by
// proxy.Allocator.
type LeaseSource interface {
	Acquire(ctx context.Context, id int) (proxy.Lease, error)
}

// Hooks is the slice of the fleet scheduler an instance needs. The scheduler
// implements it; tests use fakes.
type Hooks interface {
	// TimeUntilNextVote returns how long the instance must still wait, 0
	// when eligible now.
	TimeUntilNextVote(id int) time.Duration

	// ReportGlobalLimit tells the scheduler the site-wide hourly ban was
	// detected. The scheduler records it and pauses the fleet.
	ReportGlobalLimit(id int, voteCount int, proxyIP, sessionToken, message string)
}

// Params are the instance-level scheduling knobs, taken from config.
type Params struct {
	TargetURL           string
	RetryDelayTechnical time.Duration
	RetryDelayCooldown  time.Duration
	MaxInitFailures     int
}

// Snapshot is a point-in-time copy of an instance's state for the adapter,
// TUI, and scheduler decisions.
type Snapshot struct {
	ID                      int       `json:"id"`
	Name                    string    `json:"name"`
	State                   string    `json:"state"`
	ProxyIP                 string    `json:"proxy_ip"`
	SessionToken            string    `json:"session_token"`
	LastSuccessAt           time.Time `json:"last_success_at"`
	LastAttemptAt           time.Time `json:"last_attempt_at"`
	VoteCount               int       `json:"vote_count"`
	ConsecutiveInitFailures int       `json:"consecutive_init_failures"`
	LastOutcome             string    `json:"last_outcome"`
	LastOutcomeMessage      string    `json:"last_outcome_message,omitempty"`
	BrowserOpenedAt         time.Time `json:"browser_opened_at,omitempty"`
	Paused                  bool      `json:"paused"`
}

// Instance is one fleet member's state machine.
type Instance struct {
	id     int
	params Params
	runner AttemptRunner
	leases LeaseSource
	hooks  Hooks
	votes  *votelog.Log
	store  *sessionstore.Store

	mu                      sync.Mutex
	state                   types.State
	proxyIP                 string
	sessionToken            string
	lastSuccessAt           time.Time
	lastAttemptAt           time.Time
	voteCount               int
	consecutiveInitFailures int
	lastOutcome             types.Outcome
	browserOpenedAt         time.Time
	paused                  bool
	resumeCh                chan struct{}
}

// New creates an idle instance.
func New(id int, params Params, runner AttemptRunner, leases LeaseSource, hooks Hooks, votes *votelog.Log, store *sessionstore.Store) *Instance {
	if params.MaxInitFailures < 1 {
		params.MaxInitFailures = 5
	}
	return &Instance{
		id:     id,
		params: params,
		runner: runner,
		leases: leases,
		hooks:  hooks,
		votes:  votes,
		store:  store,
		state:  types.StateIdle,
	}
}

// ID returns the instance id.
func (i *Instance) ID() int { return i.id }

// Restore seeds state from a persisted session record at startup.
func (i *Instance) Restore(rec *sessionstore.Record) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.proxyIP = rec.ProxyIP
	i.sessionToken = rec.SessionToken
	i.voteCount = rec.VoteCount
	if rec.LastSuccessAt.After(i.lastSuccessAt) {
		i.lastSuccessAt = rec.LastSuccessAt
		if i.lastSuccessAt.After(i.lastAttemptAt) {
			i.lastAttemptAt = i.lastSuccessAt
		}
	}
}

// ReplaySuccess advances last_success_at from a replayed vote log row. The
// log is authoritative for success times; replay is idempotent.
func (i *Instance) ReplaySuccess(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if at.After(i.lastSuccessAt) {
		i.lastSuccessAt = at
		if at.After(i.lastAttemptAt) {
			i.lastAttemptAt = at
		}
	}
}

// Snapshot returns a copy of the current state.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		ID:                      i.id,
		Name:                    types.InstanceName(i.id),
		State:                   i.state.String(),
		ProxyIP:                 i.proxyIP,
		SessionToken:            security.RedactToken(i.sessionToken),
		LastSuccessAt:           i.lastSuccessAt,
		LastAttemptAt:           i.lastAttemptAt,
		VoteCount:               i.voteCount,
		ConsecutiveInitFailures: i.consecutiveInitFailures,
		LastOutcome:             i.lastOutcome.Kind.String(),
		LastOutcomeMessage:      i.lastOutcome.Message,
		BrowserOpenedAt:         i.browserOpenedAt,
		Paused:                  i.paused,
	}
}

// State returns the current lifecycle state.
func (i *Instance) State() types.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// LastAttemptAt returns when the last attempt finished (zero if never).
func (i *Instance) LastAttemptAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastAttemptAt
}

// LastSuccessAt returns when the last verified success happened.
func (i *Instance) LastSuccessAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastSuccessAt
}

// LastOutcome returns the last attempt's outcome.
func (i *Instance) LastOutcome() types.Outcome {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastOutcome
}

// VoteCount returns the verified vote total.
func (i *Instance) VoteCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.voteCount
}

// Excluded reports whether the instance is terminally excluded.
func (i *Instance) Excluded() bool {
	return i.State() == types.StateExcluded
}

// Attempting reports whether an attempt is in flight right now.
func (i *Instance) Attempting() bool {
	s := i.State()
	return s == types.StateLaunching || s == types.StateVoting
}

// Pause parks the instance after its current attempt. Idempotent.
func (i *Instance) Pause() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.paused || i.state == types.StateExcluded {
		return
	}
	i.paused = true
	i.resumeCh = make(chan struct{})
	log.Info().Int("instance_id", i.id).Msg("Instance paused")
}

// Resume releases a paused instance. Idempotent.
func (i *Instance) Resume() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.paused {
		return
	}
	i.paused = false
	i.consecutiveInitFailures = 0
	close(i.resumeCh)
	i.resumeCh = nil
	log.Info().Int("instance_id", i.id).Msg("Instance resumed")
}

// Paused reports whether the instance is parked.
func (i *Instance) Paused() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.paused
}

// Run drives the state machine until ctx is canceled. One goroutine per
// instance; the caller joins it.
func (i *Instance) Run(ctx context.Context) {
	log.Debug().Int("instance_id", i.id).Msg("Instance loop started")
	defer func() {
		i.setState(types.StateTerminated)
		log.Debug().Int("instance_id", i.id).Msg("Instance loop stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if i.State() == types.StateExcluded {
			if !humanize.SleepWithContext(ctx, excludedRecheck) {
				return
			}
			continue
		}

		if !i.waitWhilePaused(ctx) {
			return
		}

		if wait := i.hooks.TimeUntilNextVote(i.id); wait > 0 {
			i.setWaitingState()
			if !humanize.SleepWithContext(ctx, minDuration(wait, eligibilityRecheck)) {
				return
			}
			continue
		}

		extraSleep := i.attemptOnce(ctx)
		if extraSleep > 0 {
			if !humanize.SleepWithContext(ctx, extraSleep) {
				return
			}
		}
	}
}

// waitWhilePaused blocks until the instance is resumed or ctx ends. Returns
// false when the loop should exit.
func (i *Instance) waitWhilePaused(ctx context.Context) bool {
	for {
		i.mu.Lock()
		if !i.paused {
			i.mu.Unlock()
			return true
		}
		i.state = types.StatePaused
		ch := i.resumeCh
		i.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// attemptOnce runs one attempt end to end and returns any extra sleep the
// outcome demands beyond the scheduler's normal eligibility wait.
func (i *Instance) attemptOnce(ctx context.Context) time.Duration {
	i.setState(types.StateLaunching)

	lease, err := i.leases.Acquire(ctx, i.id)
	if err != nil {
		log.Warn().Err(err).Int("instance_id", i.id).Msg("Proxy lease acquisition failed")
		i.applyOutcome(types.AttemptReport{
			Outcome:      types.Outcome{Kind: types.OutcomeTechnical, Message: "proxy allocation failed"},
			ErrorMessage: err.Error(),
			StartedAt:    time.Now(),
			FinishedAt:   time.Now(),
		})
		return 0
	}

	storageDir, err := i.store.StorageStatePath(i.id)
	if err != nil {
		log.Warn().Err(err).Int("instance_id", i.id).Msg("Browser profile dir unavailable")
		i.applyOutcome(types.AttemptReport{
			Outcome:      types.Outcome{Kind: types.OutcomeTechnical, Message: "browser profile dir unavailable"},
			ErrorMessage: err.Error(),
			StartedAt:    time.Now(),
			FinishedAt:   time.Now(),
		})
		return 0
	}

	i.mu.Lock()
	if lease.ObservedIP != "" {
		i.proxyIP = lease.ObservedIP
	}
	if lease.SessionToken != "" {
		i.sessionToken = lease.SessionToken
	}
	voteCount := i.voteCount
	i.state = types.StateVoting
	i.mu.Unlock()

	report := i.runner.Attempt(ctx, worker.Request{
		InstanceID:    i.id,
		TargetURL:     i.params.TargetURL,
		Lease:         lease,
		StorageDir:    storageDir,
		VoteCount:     voteCount,
		OnBrowserOpen: i.noteBrowserOpen,
	})

	i.mu.Lock()
	i.browserOpenedAt = time.Time{}
	i.mu.Unlock()

	return i.applyOutcome(report)
}

// noteBrowserOpen runs when the worker has a live browser for this instance:
// record when it opened and clear the init-failure streak, which only counts
// failures to reach a working page.
func (i *Instance) noteBrowserOpen(openedAt time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.browserOpenedAt = openedAt
	i.consecutiveInitFailures = 0
}

// applyOutcome updates state, persists the attempt, and reports fleet-wide
// signals. Returns any extra sleep before the next eligibility check.
func (i *Instance) applyOutcome(report types.AttemptReport) time.Duration {
	now := time.Now()
	outcome := report.Outcome

	i.mu.Lock()
	i.lastAttemptAt = now
	i.lastOutcome = outcome

	var extra time.Duration
	switch outcome.Kind {
	case types.OutcomeSuccess, types.OutcomeSuccessUnverified:
		i.voteCount++
		i.lastSuccessAt = now
		i.consecutiveInitFailures = 0
		i.state = types.StateCooldown
	case types.OutcomeInstanceCooldown:
		i.state = types.StateCooldown
	case types.OutcomeGlobalHourlyLimit:
		i.state = types.StateCooldown
	case types.OutcomeLoginRequired:
		i.state = types.StateExcluded
	case types.OutcomeLaunchLockTimeout:
		i.state = types.StateRetryBackoff
		extra = launchRetryDelay
	case types.OutcomeNavigationError:
		i.consecutiveInitFailures++
		i.state = types.StateRetryBackoff
		extra = initFailureBackoff(i.consecutiveInitFailures)
	default: // technical, proxy_conflict
		i.state = types.StateRetryBackoff
		extra = initFailureBackoff(i.consecutiveInitFailures)
	}

	voteCount := i.voteCount
	proxyIP := i.proxyIP
	sessionToken := i.sessionToken
	initFailures := i.consecutiveInitFailures
	autoPause := outcome.Kind == types.OutcomeNavigationError && initFailures >= i.params.MaxInitFailures
	i.mu.Unlock()

	logEvent := log.Info()
	if !outcome.IsSuccess() {
		logEvent = log.Warn()
	}
	logEvent.
		Int("instance_id", i.id).
		Str("outcome", outcome.Kind.String()).
		Int("vote_count", voteCount).
		Int("click_attempts", report.ClickAttempts).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Attempt finished")

	if outcome.IsSuccess() {
		rec := sessionstore.Record{
			InstanceID:    i.id,
			ProxyIP:       proxyIP,
			SessionToken:  sessionToken,
			LastSuccessAt: now,
			VoteCount:     voteCount,
			SavedAt:       now,
		}
		if err := i.store.Save(i.id, rec); err != nil {
			log.Error().Err(err).Int("instance_id", i.id).Msg("Session record save failed")
		}
	}

	if err := i.votes.AppendAttempt(i.buildEntry(now, report, proxyIP, sessionToken)); err != nil {
		log.Error().Err(err).Int("instance_id", i.id).Msg("Vote log append failed")
	}

	if outcome.Kind == types.OutcomeGlobalHourlyLimit {
		i.hooks.ReportGlobalLimit(i.id, voteCount, proxyIP, sessionToken, outcome.Message)
	}

	if outcome.Kind == types.OutcomeLoginRequired {
		log.Error().
			Int("instance_id", i.id).
			Str("button_text", outcome.Message).
			Msg("Session lost its login, excluding instance until restart")
	}

	if autoPause {
		log.Error().
			Int("instance_id", i.id).
			Int("failures", initFailures).
			Msg("Too many consecutive init failures, pausing instance")
		i.Pause()
	}

	return extra
}

// buildEntry assembles the 17-column vote log row for one attempt.
func (i *Instance) buildEntry(now time.Time, report types.AttemptReport, proxyIP, sessionToken string) votelog.Entry {
	outcome := report.Outcome
	e := votelog.Entry{
		Timestamp:     now,
		InstanceID:    i.id,
		InstanceName:  types.InstanceName(i.id),
		TimeOfClick:   report.TimeOfClick,
		Status:        outcome.Status(),
		VotingURL:     i.params.TargetURL,
		FailureType:   outcome.FailureType(),
		InitialCount:  report.InitialCount,
		FinalCount:    report.FinalCount,
		ProxyIP:       proxyIP,
		SessionToken:  sessionToken,
		ClickAttempts: report.ClickAttempts,
		ErrorMessage:  report.ErrorMessage,
		BrowserClosed: report.BrowserClosed,
	}
	if delta, ok := report.CountDelta(); ok {
		e.CountChange = &delta
	}

	switch outcome.Kind {
	case types.OutcomeInstanceCooldown, types.OutcomeGlobalHourlyLimit:
		e.CooldownMessage = outcome.Message
	case types.OutcomeSuccessUnverified:
		e.FailureReason = "success unverified: " + outcome.Message
	case types.OutcomeSuccess:
		if outcome.Message != "" {
			e.FailureReason = outcome.Message
		}
	case types.OutcomeLaunchLockTimeout:
		e.FailureReason = "launch_lock_timeout"
	default:
		e.FailureReason = outcome.Message
	}
	return e
}

// setWaitingState labels the instance for snapshots while it waits its turn.
func (i *Instance) setWaitingState() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == types.StateVoting || i.state == types.StateLaunching {
		return
	}
	switch i.lastOutcome.Kind {
	case types.OutcomeTechnical, types.OutcomeNavigationError, types.OutcomeLaunchLockTimeout, types.OutcomeProxyConflict:
		i.state = types.StateRetryBackoff
	default:
		i.state = types.StateCooldown
	}
}

func (i *Instance) setState(s types.State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

// initFailureBackoff returns the additional sleep after repeated init
// failures: 30s, 60s, 120s, 240s, capped at 300s. Zero failures means no
// extra sleep.
func initFailureBackoff(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	shift := failures - 1
	if shift > 4 {
		shift = 4
	}
	d := backoffBase << uint(shift)
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
