package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

// Submitter queues a job for execution.
type Submitter interface {
	Submit(jobID string) error
	IsActive(jobID string) bool
}

// Scheduler periodically hands jobs to the pool:
//   - SCHEDULED jobs whose start time has passed are started,
//   - RUNNING jobs that no worker holds are resumed (after a restart, or
//     when the status was changed outside this process),
//   - RUNNING jobs in INCREMENTAL_SYNC get a pass every Interval.
type Scheduler struct {
	jobs      store.JobStore
	pool      Submitter
	broadcast func(ctx context.Context, job *model.Job)
	Interval  time.Duration
	Tick      time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler creates a scheduler running incremental passes every
// interval.
func NewScheduler(jobs store.JobStore, pool Submitter, e *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	s := &Scheduler{
		jobs:     jobs,
		pool:     pool,
		Interval: interval,
		Tick:     30 * time.Second,
		logger:   logger,
		now:      time.Now,
	}
	if e != nil {
		s.broadcast = e.publish
	}
	return s
}

// Run ticks until ctx is cancelled. The first pass runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scheduling pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.startScheduled(ctx)
	s.resumeRunning(ctx)
}

func (s *Scheduler) startScheduled(ctx context.Context) {
	jobs, err := s.jobs.ListJobs(ctx, store.JobFilter{Status: model.StatusScheduled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", "error", err)
		return
	}
	now := s.now()
	for _, j := range jobs {
		if j.ScheduledAt == nil || j.ScheduledAt.After(now) {
			continue
		}
		updated, err := s.jobs.UpdateJob(ctx, j.ID, func(j *model.Job) error {
			return j.Apply(model.OpStart, now)
		})
		if err != nil {
			s.logger.Warn("failed to start scheduled job", "job_id", j.ID, "error", err)
			continue
		}
		s.logger.Info("scheduled job started", "job_id", j.ID)
		if s.broadcast != nil {
			s.broadcast(ctx, updated)
		}
		s.submit(j.ID)
	}
}

func (s *Scheduler) resumeRunning(ctx context.Context) {
	jobs, err := s.jobs.ListJobs(ctx, store.JobFilter{Status: model.StatusRunning})
	if err != nil {
		s.logger.Error("failed to list running jobs", "error", err)
		return
	}
	now := s.now()
	for _, j := range jobs {
		if s.pool.IsActive(j.ID) || !s.due(&j, now) {
			continue
		}
		s.submit(j.ID)
	}
}

// due reports whether a RUNNING job that no worker holds needs a pass.
func (s *Scheduler) due(j *model.Job, now time.Time) bool {
	if j.Phase != model.PhaseIncrementalSync || j.GoLiveRequested {
		return true
	}
	return j.LastSyncAt == nil || now.Sub(*j.LastSyncAt) >= s.Interval
}

func (s *Scheduler) submit(jobID string) {
	err := s.pool.Submit(jobID)
	switch {
	case err == nil:
		s.logger.Debug("job submitted", "job_id", jobID)
	case errors.Is(err, ErrAlreadyActive):
	default:
		s.logger.Warn("failed to submit job", "job_id", jobID, "error", err)
	}
}
