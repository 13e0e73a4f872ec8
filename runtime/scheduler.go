package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/agentdesk/agentd/approval"
	"github.com/agentdesk/agentd/memory"
)

// Scheduler runs the background maintenance sweeps: importance decay and
// eviction over every agent's memory, and expiry of stale approvals.
type Scheduler struct {
	store  *memory.Store
	gate   *approval.Gate
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewScheduler wires the sweeps onto cron schedules. Schedules accept cron
// expressions or @every descriptors.
func NewScheduler(store *memory.Store, gate *approval.Gate, decaySchedule, expirySchedule string, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		store:  store,
		gate:   gate,
		cron:   cron.New(),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}

	if _, err := s.cron.AddFunc(decaySchedule, s.sweepMemory); err != nil {
		return nil, fmt.Errorf("invalid decay schedule %q: %w", decaySchedule, err)
	}
	if _, err := s.cron.AddFunc(expirySchedule, s.expireApprovals); err != nil {
		return nil, fmt.Errorf("invalid expiry schedule %q: %w", expirySchedule, err)
	}
	return s, nil
}

// Start begins the maintenance jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info().Msg("Starting maintenance scheduler")
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight sweeps, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Gave up waiting for maintenance jobs to finish")
	}
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// sweepMemory decays importance and enforces the per-agent ceiling.
func (s *Scheduler) sweepMemory() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	agentIDs, err := s.store.AgentIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list agents for memory sweep")
		return
	}

	for _, agentID := range agentIDs {
		decayed, err := s.store.DecayImportance(ctx, agentID)
		if err != nil {
			s.logger.Error().Err(err).Str("agent_id", agentID).Msg("Importance decay failed")
			continue
		}
		evicted, err := s.store.EnforceCeiling(ctx, agentID)
		if err != nil {
			s.logger.Error().Err(err).Str("agent_id", agentID).Msg("Eviction sweep failed")
			continue
		}
		if decayed > 0 || len(evicted) > 0 {
			s.logger.Info().
				Str("agent_id", agentID).
				Int64("decayed", decayed).
				Int("evicted", len(evicted)).
				Msg("Memory sweep completed")
		}
	}
}

// expireApprovals marks stale pending approvals expired.
func (s *Scheduler) expireApprovals() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := s.gate.ExpireStale(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Approval expiry sweep failed")
		return
	}
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("Expired stale approvals")
	}
}
