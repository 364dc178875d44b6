package fleet

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/instance"
	"github.com/Rorqualx/votefleet-go/internal/types"
)

// restartSettleDelay is how long a restart waits after closing every browser
// before clearing the limit flag, so Chrome processes fully exit.
const restartSettleDelay = 2 * time.Second

// InstanceView is one instance's snapshot plus scheduler-derived timing.
type InstanceView struct {
	instance.Snapshot
	NextVoteIn time.Duration `json:"next_vote_in"`
}

// FleetSnapshot is the whole fleet at one point in time, for the TUI and
// control surfaces.
type FleetSnapshot struct {
	TakenAt             time.Time      `json:"taken_at"`
	GlobalLimitActive   bool           `json:"global_limit_active"`
	GlobalLimitSince    time.Time      `json:"global_limit_since,omitempty"`
	ReactivationAt      time.Time      `json:"reactivation_at,omitempty"`
	OpenBrowsers        []OpenBrowser  `json:"open_browsers"`
	Instances           []InstanceView `json:"instances"`
	TotalVotes          int            `json:"total_votes"`
	PausedInstances     int            `json:"paused_instances"`
	ExcludedInstances   int            `json:"excluded_instances"`
	AttemptingInstances int            `json:"attempting_instances"`
}

// Snapshot assembles the current fleet view, instances sorted by id.
func (s *Scheduler) Snapshot() FleetSnapshot {
	active, since, reactivation := s.GlobalLimit()

	snap := FleetSnapshot{
		TakenAt:           time.Now(),
		GlobalLimitActive: active,
		OpenBrowsers:      s.registry.List(),
	}
	if active {
		snap.GlobalLimitSince = since
		snap.ReactivationAt = reactivation
	}

	for _, id := range s.sortedIDs() {
		inst := s.instanceByID(id)
		if inst == nil {
			continue
		}
		view := InstanceView{
			Snapshot:   inst.Snapshot(),
			NextVoteIn: s.TimeUntilNextVote(id),
		}
		snap.Instances = append(snap.Instances, view)
		snap.TotalVotes += view.VoteCount
		if inst.Excluded() {
			snap.ExcludedInstances++
		} else if view.Paused {
			snap.PausedInstances++
		}
		if inst.Attempting() {
			snap.AttemptingInstances++
		}
	}
	return snap
}

// Restart brings the fleet back to a cold-ish start without touching
// persistence: pause everything, close every browser, clear the limit flag,
// and let the scan pass drip the instances back in.
func (s *Scheduler) Restart(ctx context.Context) error {
	log.Info().Msg("Fleet restart requested")
	s.pauseAll()

	if err := s.registry.CloseAll(ctx); err != nil {
		return err
	}

	select {
	case <-time.After(restartSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.limitMu.Lock()
	s.limitActive = false
	s.limitMu.Unlock()

	log.Info().Msg("Fleet restart complete, instances resume one per scan pass")
	return nil
}

// ForceCloseBrowser closes one instance's browser on demand.
func (s *Scheduler) ForceCloseBrowser(id int) error {
	if s.instanceByID(id) == nil {
		return types.ErrInstanceNotFound
	}
	log.Info().Int("instance_id", id).Msg("Force-closing browser")
	return s.registry.Close(id)
}

// ListLoginRequired returns the ids of instances excluded for a lost login.
func (s *Scheduler) ListLoginRequired() []int {
	var out []int
	for _, id := range s.sortedIDs() {
		if inst := s.instanceByID(id); inst != nil && inst.Excluded() {
			out = append(out, id)
		}
	}
	return out
}

// ListOpenBrowsers returns the currently held browsers.
func (s *Scheduler) ListOpenBrowsers() []OpenBrowser {
	return s.registry.List()
}
