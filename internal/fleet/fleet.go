// Package fleet schedules the voting instances against shared constraints:
// the browser launch budget, the site-wide hourly limit, per-instance
// cooldowns, and the janitor that reaps stray browsers. It owns no browser
// logic itself; instances delegate attempts to workers and the scheduler
// only decides who may run when.
package fleet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/Rorqualx/votefleet-go/internal/instance"
	"github.com/Rorqualx/votefleet-go/internal/metrics"
	"github.com/Rorqualx/votefleet-go/internal/sessionstore"
	"github.com/Rorqualx/votefleet-go/internal/types"
	"github.com/Rorqualx/votefleet-go/internal/votelog"
)

// globalCloseAge is how long the global limit must have been active before
// the janitor starts reaping idle browsers.
const globalCloseAge = 60 * time.Second

// Options are the scheduler-level knobs, taken from config.
type Options struct {
	InstanceCount       int
	LaunchBudget        int
	LaunchTimeout       time.Duration
	ScanInterval        time.Duration
	JanitorInterval     time.Duration
	RetryDelayTechnical time.Duration
	RetryDelayCooldown  time.Duration

	InstanceParams instance.Params
}

// Gate is the launch-concurrency gate handed to workers. Capacity is the
// launch budget; Acquire waits at most LaunchTimeout for a slot.
type Gate struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// Acquire blocks for a launch slot. The returned release is idempotent.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		metrics.ObserveLaunchGateWait(time.Since(started))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.ErrLaunchGateTimeout
	}
	metrics.ObserveLaunchGateWait(time.Since(started))

	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}, nil
}

// Scheduler coordinates the whole fleet. It implements instance.Hooks.
type Scheduler struct {
	opts     Options
	votes    *votelog.Log
	store    *sessionstore.Store
	gate     *Gate
	registry *Registry

	mu        sync.Mutex
	instances map[int]*instance.Instance
	ids       []int

	limitMu        sync.Mutex
	limitActive    bool
	limitStartedAt time.Time
	reactivationAt time.Time

	stopCh  chan struct{}
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler with an empty fleet. Populate builds the
// instances; Start launches them.
func New(opts Options, votes *votelog.Log, store *sessionstore.Store) *Scheduler {
	if opts.LaunchBudget < 1 {
		opts.LaunchBudget = 1
	}
	return &Scheduler{
		opts:  opts,
		votes: votes,
		store: store,
		gate: &Gate{
			sem:     semaphore.NewWeighted(int64(opts.LaunchBudget)),
			timeout: opts.LaunchTimeout,
		},
		registry:  NewRegistry(),
		instances: make(map[int]*instance.Instance),
		stopCh:    make(chan struct{}),
	}
}

// Gate returns the launch gate for worker construction.
func (s *Scheduler) Gate() *Gate { return s.gate }

// Registry returns the browser registry for worker construction.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Start launches every instance loop and the scheduler's background
// goroutines. Populate must have run first.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	ids := append([]int(nil), s.ids...)
	s.mu.Unlock()

	for _, id := range ids {
		inst := s.instanceByID(id)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			inst.Run(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scanLoop()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitorLoop()
	}()

	log.Info().
		Int("instances", len(ids)).
		Int("launch_budget", s.opts.LaunchBudget).
		Dur("scan_interval", s.opts.ScanInterval).
		Msg("Fleet scheduler started")
}

// Stop halts the fleet: instance loops finish their current attempt, every
// held browser closes in parallel, and all goroutines are joined.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Shutdown grace period expired with goroutines still running")
	}

	if err := s.registry.CloseAll(ctx); err != nil {
		log.Warn().Err(err).Msg("Browser cleanup failed during shutdown")
	}
	log.Info().Msg("Fleet scheduler stopped")
}

// TimeUntilNextVote returns how long an instance must wait before its next
// attempt. During the global hourly limit all instances report the same
// countdown to reactivation. Otherwise the retry policy of the last outcome
// and the regular success cooldown both apply, and the later one wins.
// Launch-slot timeouts carry no delay here (the instance loop sleeps briefly
// and retries), and a past global-limit outcome is governed only by the
// reactivation clock above.
func (s *Scheduler) TimeUntilNextVote(id int) time.Duration {
	now := time.Now()

	s.limitMu.Lock()
	if s.limitActive {
		d := s.reactivationAt.Sub(now)
		s.limitMu.Unlock()
		if d < 0 {
			d = 0
		}
		return d
	}
	s.limitMu.Unlock()

	inst := s.instanceByID(id)
	if inst == nil {
		return 0
	}

	var until time.Time
	lastAttempt := inst.LastAttemptAt()
	if !lastAttempt.IsZero() {
		switch inst.LastOutcome().Kind {
		case types.OutcomeTechnical, types.OutcomeNavigationError, types.OutcomeProxyConflict:
			until = lastAttempt.Add(s.opts.RetryDelayTechnical)
		case types.OutcomeInstanceCooldown:
			until = lastAttempt.Add(s.opts.RetryDelayCooldown)
		}
	}
	if lastSuccess := inst.LastSuccessAt(); !lastSuccess.IsZero() {
		if t := lastSuccess.Add(s.opts.RetryDelayCooldown); t.After(until) {
			until = t
		}
	}

	if until.IsZero() {
		return 0
	}
	d := until.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

// ReportGlobalLimit handles a site-wide hourly-limit detection: record it,
// arm the reactivation clock at the next full hour, and pause every
// non-excluded instance. Current attempts finish on their own.
func (s *Scheduler) ReportGlobalLimit(id, voteCount int, proxyIP, sessionToken, message string) {
	now := time.Now()

	s.limitMu.Lock()
	newlyActive := !s.limitActive
	if newlyActive {
		s.limitActive = true
		s.limitStartedAt = now
		s.reactivationAt = ceilToNextFullHour(now)
	}
	reactivation := s.reactivationAt
	s.limitMu.Unlock()

	if err := s.votes.AppendHourlyLimit(votelog.HourlyLimitEntry{
		DetectedAt:   now,
		InstanceID:   id,
		InstanceName: types.InstanceName(id),
		VoteCount:    &voteCount,
		ProxyIP:      proxyIP,
		SessionToken: sessionToken,
		Message:      message,
		FailureType:  types.FailureGlobalHourlyLimit,
	}); err != nil {
		log.Error().Err(err).Msg("Hourly-limit record append failed")
	}

	if newlyActive {
		log.Warn().
			Int("reported_by", id).
			Time("reactivation_at", reactivation).
			Str("message", message).
			Msg("Global hourly limit detected, pausing fleet")
		s.pauseAll()
	}
}

// GlobalLimit returns the current limit-mode state.
func (s *Scheduler) GlobalLimit() (active bool, startedAt, reactivationAt time.Time) {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	return s.limitActive, s.limitStartedAt, s.reactivationAt
}

func (s *Scheduler) pauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if !inst.Excluded() {
			inst.Pause()
		}
	}
}

// scanLoop runs the periodic pass: expire the global limit and drip-resume
// paused instances.
func (s *Scheduler) scanLoop() {
	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.scanPass(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// scanPass expires the global flag when its hour is up and unpauses at most
// ONE eligible instance. The one-per-pass drip staggers browser launches so
// a resume never produces a thundering herd.
func (s *Scheduler) scanPass(now time.Time) {
	s.limitMu.Lock()
	if s.limitActive && !now.Before(s.reactivationAt) {
		s.limitActive = false
		log.Info().
			Dur("paused_for", now.Sub(s.limitStartedAt)).
			Msg("Global hourly limit expired, resuming fleet one instance per pass")
	}
	active := s.limitActive
	s.limitMu.Unlock()

	s.updateFleetMetrics(active)

	if active {
		return
	}

	s.mu.Lock()
	ids := append([]int(nil), s.ids...)
	s.mu.Unlock()

	for _, id := range ids {
		inst := s.instanceByID(id)
		if inst == nil || inst.Excluded() || !inst.Paused() {
			continue
		}
		if s.TimeUntilNextVote(id) > 0 {
			continue
		}
		inst.Resume()
		return
	}
}

// janitorLoop periodically reaps browsers that should not be open: held by a
// failed instance, or idle while the global limit has been active a while.
func (s *Scheduler) janitorLoop() {
	ticker := time.NewTicker(s.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.janitorPass(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) janitorPass(now time.Time) {
	limitActive, limitStarted, _ := s.GlobalLimit()
	limitAged := limitActive && now.Sub(limitStarted) >= globalCloseAge

	for _, open := range s.registry.List() {
		inst := s.instanceByID(open.InstanceID)
		if inst == nil {
			log.Warn().Int("instance_id", open.InstanceID).Msg("Janitor closing unowned browser")
			_ = s.registry.Close(open.InstanceID)
			continue
		}

		state := inst.State()
		failedState := state == types.StateRetryBackoff || state == types.StateExcluded || inst.Paused()
		idleDuringLimit := limitAged && !inst.Attempting()

		if failedState || idleDuringLimit {
			log.Info().
				Int("instance_id", open.InstanceID).
				Str("state", state.String()).
				Bool("global_limit", limitActive).
				Dur("open_for", now.Sub(open.OpenedAt)).
				Msg("Janitor closing browser")
			_ = s.registry.Close(open.InstanceID)
		}
	}
}

func (s *Scheduler) updateFleetMetrics(limitActive bool) {
	var paused, excluded int
	s.mu.Lock()
	for _, inst := range s.instances {
		if inst.Excluded() {
			excluded++
		} else if inst.Paused() {
			paused++
		}
	}
	s.mu.Unlock()
	metrics.UpdateFleet(s.registry.Count(), paused, excluded, limitActive)
}

func (s *Scheduler) instanceByID(id int) *instance.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[id]
}

func (s *Scheduler) sortedIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append([]int(nil), s.ids...)
	sort.Ints(ids)
	return ids
}

// ceilToNextFullHour returns the first top-of-hour strictly after t.
func ceilToNextFullHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}
