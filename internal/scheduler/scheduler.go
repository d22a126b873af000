/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config holds the cron expressions for each job. An empty expression disables the job.
type Config struct {
	MoneyDropExpirySchedule  string
	IdempotencyPurgeSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger
	config Config
}

// NewScheduler creates a new scheduler instance. A job still running when its next
// tick fires is skipped rather than run twice.
func NewScheduler(jobs *Jobs, logger *zap.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns how many jobs
// were registered.
func (s *Scheduler) Start() int {
	registered := 0
	for _, job := range []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: moneyDropExpiryJob, schedule: s.config.MoneyDropExpirySchedule, run: s.jobs.ProcessMoneyDropExpiry},
		{name: idempotencyPurgeJob, schedule: s.config.IdempotencyPurgeSchedule, run: s.jobs.PurgeClaimIdempotency},
	} {
		if job.schedule == "" {
			s.logger.Info("scheduled job disabled", zap.String("job", job.name))
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			s.logger.Error("failed to schedule job", zap.String("job", job.name), zap.String("schedule", job.schedule), zap.Error(err))
			continue
		}
		registered++
		s.logger.Info("scheduled job", zap.String("job", job.name), zap.String("schedule", job.schedule))
	}

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler. The returned context is done once
// running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
