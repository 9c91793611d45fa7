package server

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bastion-ai/bastion/internal/store"
)

// RetentionJob prunes interactions (and their quarantine transcripts)
// older than the configured window on a cron schedule.
type RetentionJob struct {
	cron   *cron.Cron
	store  *store.Store
	maxAge time.Duration
	logger zerolog.Logger
}

// NewRetentionJob schedules pruning of records older than maxAgeDays.
// Returns nil when maxAgeDays is zero (retention disabled).
func NewRetentionJob(st *store.Store, maxAgeDays int, schedule string, logger zerolog.Logger) (*RetentionJob, error) {
	if maxAgeDays <= 0 {
		return nil, nil
	}
	job := &RetentionJob{
		cron:   cron.New(),
		store:  st,
		maxAge: time.Duration(maxAgeDays) * 24 * time.Hour,
		logger: logger,
	}
	if _, err := job.cron.AddFunc(schedule, job.run); err != nil {
		return nil, err
	}
	return job, nil
}

// Start begins the schedule and runs one sweep immediately so a
// long-stopped instance catches up on startup.
func (j *RetentionJob) Start() {
	go j.run()
	j.cron.Start()
}

// Stop stops the schedule; a sweep in progress completes.
func (j *RetentionJob) Stop() {
	j.cron.Stop()
}

func (j *RetentionJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.maxAge)
	pruned, err := j.store.PruneBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error().Err(err).Msg("retention_sweep_failed")
		return
	}
	if pruned > 0 {
		j.logger.Info().Int64("pruned", pruned).Time("cutoff", cutoff).Msg("retention_sweep_completed")
	}
}
