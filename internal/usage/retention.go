package usage

import (
	"context"
	"time"

	"github.com/movin10/talktime/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler prunes old usage records once a day. Rollover keeps
// live records correct on its own; this only bounds store growth from
// guests who never return.
type RetentionScheduler struct {
	store         storage.UsageStore
	retentionDays int
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewRetentionScheduler creates a scheduler pruning records older than
// retentionDays from the given store.
func NewRetentionScheduler(store storage.UsageStore, retentionDays int, logger zerolog.Logger) *RetentionScheduler {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &RetentionScheduler{
		store:         store,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "retention-scheduler").Logger(),
		stopChan:      make(chan struct{}),
	}
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Int("retention_days", rs.retentionDays).
		Msg("Usage retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Usage retention scheduler stopped")
}

func (rs *RetentionScheduler) run() {
	for {
		nextRun := rs.nextMidnight()
		waitDuration := time.Until(nextRun)

		rs.logger.Info().
			Time("next_run", nextRun).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next retention sweep")

		select {
		case <-time.After(waitDuration):
			rs.sweep()
		case <-rs.stopChan:
			return
		}
	}
}

func (rs *RetentionScheduler) nextMidnight() time.Time {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return midnight.AddDate(0, 0, 1)
}

func (rs *RetentionScheduler) sweep() {
	cutoff := time.Now().AddDate(0, 0, -rs.retentionDays).Format(storage.DateLayout)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := rs.store.DeleteRecordsBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to prune old usage records")
		return
	}

	rs.logger.Info().
		Int("records_deleted", deleted).
		Str("cutoff_date", cutoff).
		Msg("Retention sweep complete")
}
