package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prospecthq/prospectd/index"
	"github.com/prospecthq/prospectd/session"
)

// Scheduler drives the periodic jobs: rebuilding the prospect index from
// the listings file and sweeping idle sessions.
type Scheduler struct {
	builder       *index.Builder
	listingsPath  string
	rebuildExpr   string
	sessions      *session.Manager
	sweepInterval time.Duration
	logger        zerolog.Logger
}

// NewScheduler creates a Scheduler. builder and listingsPath may be empty
// to disable rebuilds; sessions may be nil to disable sweeps.
func NewScheduler(builder *index.Builder, listingsPath, rebuildSchedule string, sessions *session.Manager, sweepInterval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		builder:       builder,
		listingsPath:  listingsPath,
		sessions:      sessions,
		sweepInterval: sweepInterval,
		logger:        logger.With().Str("component", "scheduler").Logger(),
	}
	if builder != nil && listingsPath != "" {
		if _, err := ParseSchedule(rebuildSchedule); err != nil {
			return nil, fmt.Errorf("invalid rebuild schedule: %w", err)
		}
		s.rebuildExpr = rebuildSchedule
	}
	if sessions != nil && sweepInterval <= 0 {
		s.sweepInterval = time.Minute
	}
	return s, nil
}

// Start runs the scheduler until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("Starting scheduler")

	var rebuildCh <-chan time.Time
	var rebuildTimer *time.Timer
	if s.rebuildExpr != "" {
		next := s.nextRebuild()
		rebuildTimer = time.NewTimer(time.Until(next))
		defer rebuildTimer.Stop()
		rebuildCh = rebuildTimer.C
		s.logger.Info().Time("next_rebuild", next).Msg("Index rebuild scheduled")
	}

	var sweepCh <-chan time.Time
	if s.sessions != nil {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		sweepCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped: context cancelled")
			return
		case <-rebuildCh:
			s.rebuildIndex(ctx)
			next := s.nextRebuild()
			rebuildTimer.Reset(time.Until(next))
			s.logger.Info().Time("next_rebuild", next).Msg("Index rebuild scheduled")
		case <-sweepCh:
			s.sweepSessions(ctx)
		}
	}
}

// nextRebuild cannot fail; the expression was validated in NewScheduler.
func (s *Scheduler) nextRebuild() time.Time {
	next, _ := ComputeNextWake(s.rebuildExpr, time.Now())
	return next
}

// rebuildIndex rebuilds the prospect index from the listings file.
func (s *Scheduler) rebuildIndex(ctx context.Context) {
	s.logger.Info().Str("path", s.listingsPath).Msg("Rebuilding index")

	runCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()

	count, err := s.builder.BuildFromFile(runCtx, s.listingsPath)
	if err != nil {
		s.logger.Error().Err(err).Msg("Index rebuild failed")
		return
	}
	s.logger.Info().Int("records", count).Msg("Index rebuild completed")
}

// sweepSessions expires sessions idle past their TTL.
func (s *Scheduler) sweepSessions(ctx context.Context) {
	n, err := s.sessions.ExpireIdle(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Session sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("Session sweep completed")
	}
}
