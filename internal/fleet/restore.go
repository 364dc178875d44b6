package fleet

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/votefleet-go/internal/instance"
	"github.com/Rorqualx/votefleet-go/internal/types"
)

// Populate builds the fleet's instances: one per configured slot plus one per
// persisted session record beyond that range. Session records seed proxy
// identity and vote counts; the vote log is replayed on top because it is the
// authoritative source of success times. Every instance starts paused so the
// scan pass launches them one at a time.
func (s *Scheduler) Populate(runner instance.AttemptRunner, leases instance.LeaseSource) error {
	records, err := s.store.LoadAll()
	if err != nil {
		return err
	}

	wanted := make(map[int]bool, s.opts.InstanceCount)
	for id := 1; id <= s.opts.InstanceCount; id++ {
		wanted[id] = true
	}
	for _, rec := range records {
		wanted[rec.InstanceID] = true
	}

	s.mu.Lock()
	for id := range wanted {
		inst := instance.New(id, s.opts.InstanceParams, runner, leases, s, s.votes, s.store)
		inst.Pause()
		s.instances[id] = inst
		s.ids = append(s.ids, id)
	}
	sort.Ints(s.ids)
	s.mu.Unlock()

	restored := 0
	for _, rec := range records {
		rec := rec
		if inst := s.instanceByID(rec.InstanceID); inst != nil {
			inst.Restore(&rec)
			restored++
		}
	}

	replayed, err := s.replayVoteLog()
	if err != nil {
		// A damaged log should not block startup; the fleet just loses some
		// success-time precision.
		log.Warn().Err(err).Msg("Vote log replay failed, continuing with session records only")
	}

	log.Info().
		Int("instances", len(wanted)).
		Int("session_records", restored).
		Int("replayed_successes", replayed).
		Msg("Fleet populated")
	return nil
}

// replayVoteLog re-derives each instance's last success time from the
// persisted vote log. Replay is idempotent and only moves times forward.
func (s *Scheduler) replayVoteLog() (int, error) {
	entries, err := s.votes.ReadAll()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		if e.Status != types.StatusSuccess {
			continue
		}
		if inst := s.instanceByID(e.InstanceID); inst != nil {
			inst.ReplaySuccess(e.Timestamp)
			replayed++
		}
	}
	return replayed, nil
}
