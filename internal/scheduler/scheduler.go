// Package scheduler runs background maintenance for the audit store.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sustenet/sustenet/internal/util"
)

// Pruner deletes audit rows older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	store     Pruner
	interval  time.Duration
	retention time.Duration
	logger    zerolog.Logger
}

// NewScheduler prunes store every interval, keeping retentionDays of history.
// A non-positive retention keeps everything.
func NewScheduler(store Pruner, interval time.Duration, retentionDays int) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		store:     store,
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    util.ComponentLogger("scheduler"),
	}
}

// Start prunes once immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.retention <= 0 {
		s.logger.Info().Msg("audit retention disabled, scheduler idle")
		<-ctx.Done()
		return
	}

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runPrune(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.runPrune(ctx)
		}
	}
}

// runPrune performs one pass over the audit store.
func (s *Scheduler) runPrune(ctx context.Context) {
	deleted, err := s.store.Prune(ctx, s.retention)
	if err != nil {
		s.logger.Warn().Err(err).Msg("audit prune failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted_rows", deleted).Msg("audit prune completed")
	}
}
