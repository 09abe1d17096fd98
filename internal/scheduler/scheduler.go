// Package scheduler runs the daily audit log maintenance.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/events"
)

// AuditStore is the part of the handshake log the scheduler maintains.
type AuditStore interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CountByOutcome(ctx context.Context) (map[events.Outcome]int, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg   config.DatabaseConfig
	store AuditStore
	now   func() time.Time
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, store AuditStore) *Scheduler {
	return &Scheduler{
		cfg:   cfg.ApplicationData.Database,
		store: store,
		now:   time.Now,
	}
}

// Start runs the retention loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.cfg.RetentionDays > 0 {
		go s.runRetentionLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runRetentionLoop(ctx context.Context) {
	for {
		nextRun := nextRunAt(s.cfg.CleanupTime, s.now())
		sleepDuration := time.Until(nextRun)
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("audit retention scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunRetention(ctx)
		}
	}
}

// RunRetention deletes audit records older than the retention period and logs
// a summary of what is left.
func (s *Scheduler) RunRetention(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	removed, err := s.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("audit retention failed")
		return 0, err
	}

	summary := log.Info().
		Int64("removed", removed).
		Int("retention_days", s.cfg.RetentionDays)
	if counts, err := s.store.CountByOutcome(ctx); err == nil {
		for outcome, n := range counts {
			summary = summary.Int(string(outcome), n)
		}
	}
	summary.Msg("audit retention completed")

	return removed, nil
}

// nextRunAt returns the next occurrence of the HH:MM clock time after now.
// Unparseable values fall back to 04:00.
func nextRunAt(clock string, now time.Time) time.Time {
	hour, minute := 4, 0
	parts := strings.Split(clock, ":")
	if len(parts) >= 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
