// Package stats tracks fleet-level attempt counters and computes offline
// analytics over the vote log.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/Rorqualx/votefleet-go/internal/votelog"
)

// Tracker accumulates attempt counters for the lifetime of the process. It is
// safe for concurrent use by all instance loops.
type Tracker struct {
	mu sync.RWMutex

	startedAt       time.Time
	attempts        int64
	successes       int64
	byOutcome       map[string]int64
	totalDuration   time.Duration
	lastAttemptAt   time.Time
	lastSuccessAt   time.Time
	lastOutcome     string
	globalLimitHits int64
}

// NewTracker creates an empty tracker anchored at now.
func NewTracker() *Tracker {
	return &Tracker{
		startedAt: time.Now(),
		byOutcome: make(map[string]int64),
	}
}

// Record folds one finished attempt into the counters.
func (t *Tracker) Record(outcome string, success bool, duration time.Duration) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts++
	t.byOutcome[outcome]++
	t.totalDuration += duration
	t.lastAttemptAt = now
	t.lastOutcome = outcome
	if success {
		t.successes++
		t.lastSuccessAt = now
	}
	if outcome == "global_hourly_limit" {
		t.globalLimitHits++
	}
}

// Snapshot is a JSON-serializable copy of the counters.
type Snapshot struct {
	StartedAt       time.Time        `json:"started_at"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	Attempts        int64            `json:"attempts"`
	Successes       int64            `json:"successes"`
	SuccessRate     float64          `json:"success_rate"`
	ByOutcome       map[string]int64 `json:"by_outcome"`
	AvgDurationMs   int64            `json:"avg_duration_ms"`
	AttemptsPerHour float64          `json:"attempts_per_hour"`
	LastAttemptAt   time.Time        `json:"last_attempt_at,omitempty"`
	LastSuccessAt   time.Time        `json:"last_success_at,omitempty"`
	LastOutcome     string           `json:"last_outcome,omitempty"`
	GlobalLimitHits int64            `json:"global_limit_hits"`
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	uptime := time.Since(t.startedAt)

	snap := Snapshot{
		StartedAt:       t.startedAt,
		UptimeSeconds:   int64(uptime.Seconds()),
		Attempts:        t.attempts,
		Successes:       t.successes,
		ByOutcome:       make(map[string]int64, len(t.byOutcome)),
		LastAttemptAt:   t.lastAttemptAt,
		LastSuccessAt:   t.lastSuccessAt,
		LastOutcome:     t.lastOutcome,
		GlobalLimitHits: t.globalLimitHits,
	}
	for k, v := range t.byOutcome {
		snap.ByOutcome[k] = v
	}
	if t.attempts > 0 {
		snap.SuccessRate = float64(t.successes) / float64(t.attempts)
		snap.AvgDurationMs = t.totalDuration.Milliseconds() / t.attempts
	}
	if hours := uptime.Hours(); hours > 0 {
		snap.AttemptsPerHour = float64(t.attempts) / hours
	}
	return snap
}

// InstanceReport summarizes one instance's attempts inside the window.
type InstanceReport struct {
	InstanceID    int       `json:"instance_id"`
	InstanceName  string    `json:"instance_name"`
	Attempts      int       `json:"attempts"`
	Successes     int       `json:"successes"`
	SuccessRate   float64   `json:"success_rate"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// Report is the offline analytics result over a vote log window.
type Report struct {
	WindowStart   time.Time        `json:"window_start"`
	WindowEnd     time.Time        `json:"window_end"`
	Attempts      int              `json:"attempts"`
	Successes     int              `json:"successes"`
	SuccessRate   float64          `json:"success_rate"`
	ByFailureType map[string]int   `json:"by_failure_type,omitempty"`
	Instances     []InstanceReport `json:"instances"`
}

// Analyze summarizes vote log entries whose timestamp falls inside the last
// window before end. Entries outside the window are ignored.
func Analyze(entries []votelog.Entry, window time.Duration, end time.Time) Report {
	start := end.Add(-window)
	report := Report{
		WindowStart:   start,
		WindowEnd:     end,
		ByFailureType: make(map[string]int),
	}

	perInstance := make(map[int]*InstanceReport)

	for _, e := range entries {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}

		report.Attempts++
		inst := perInstance[e.InstanceID]
		if inst == nil {
			inst = &InstanceReport{InstanceID: e.InstanceID, InstanceName: e.InstanceName}
			perInstance[e.InstanceID] = inst
		}
		inst.Attempts++

		if e.Status == "success" {
			report.Successes++
			inst.Successes++
			if e.Timestamp.After(inst.LastSuccessAt) {
				inst.LastSuccessAt = e.Timestamp
			}
			continue
		}
		if e.FailureType != "" {
			report.ByFailureType[e.FailureType]++
		}
	}

	if report.Attempts > 0 {
		report.SuccessRate = float64(report.Successes) / float64(report.Attempts)
	}

	for _, inst := range perInstance {
		if inst.Attempts > 0 {
			inst.SuccessRate = float64(inst.Successes) / float64(inst.Attempts)
		}
		report.Instances = append(report.Instances, *inst)
	}
	sort.Slice(report.Instances, func(i, j int) bool {
		return report.Instances[i].InstanceID < report.Instances[j].InstanceID
	})

	return report
}
