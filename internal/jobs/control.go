package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailmove/internal/engine"
	"github.com/Martian-dev/mailmove/internal/model"
)

const (
	opSync    model.Operation = "sync"
	opGoLive  model.Operation = "go live"
	opRestart model.Operation = "restart"
)

var logMessages = map[model.Operation]string{
	model.OpStart:  "Job started",
	model.OpPause:  "Job paused",
	model.OpResume: "Job resumed",
	model.OpCancel: "Job cancelled",
	model.OpRetry:  "Job retried",
}

// Start moves a DRAFT or SCHEDULED job to RUNNING and submits it.
func (s *Service) Start(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, model.OpStart)
}

// Pause stops a RUNNING job at its next page boundary.
func (s *Service) Pause(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, model.OpPause)
}

// Resume continues a PAUSED job in the phase it was in.
func (s *Service) Resume(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, model.OpResume)
}

// Cancel ends a job that has not finished yet.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, model.OpCancel)
}

// Retry clears the error of a FAILED job and runs it again from its
// checkpoints.
func (s *Service) Retry(ctx context.Context, id string) (*model.Job, error) {
	return s.transition(ctx, id, model.OpRetry)
}

func (s *Service) transition(ctx context.Context, id string, op model.Operation) (*model.Job, error) {
	var before model.Job
	job, err := s.store.UpdateJob(ctx, id, func(j *model.Job) error {
		before = *j
		return j.Apply(op, s.now())
	})
	if err != nil {
		return nil, err
	}

	if job.Status == model.StatusRunning {
		if err := s.submit(id); err != nil {
			return nil, s.revert(ctx, id, &before, err)
		}
	}

	s.logger.Info("job status changed", "job_id", id, "op", op, "from", before.Status, "to", job.Status)
	s.record(ctx, id, model.LogInfo, logMessages[op])
	s.publish(ctx, job)
	return job, nil
}

// submit hands a job to the pool. A job still held by a worker is run
// again by that worker once its current pass returns, so a resume that
// races the end of a pass is picked up without waiting for the scheduler.
func (s *Service) submit(id string) error {
	if s.pool == nil {
		return nil
	}
	if err := s.pool.Submit(id); err != nil && !errors.Is(err, engine.ErrAlreadyActive) {
		return err
	}
	return nil
}

// revert restores the status fields the rejected operation changed.
func (s *Service) revert(ctx context.Context, id string, before *model.Job, cause error) error {
	_, err := s.store.UpdateJob(ctx, id, func(j *model.Job) error {
		j.Status = before.Status
		j.StartedAt = before.StartedAt
		j.LastError = before.LastError
		return nil
	})
	if err != nil {
		s.logger.Error("failed to revert job status", "job_id", id, "error", err)
	}
	return fmt.Errorf("submit job: %w", cause)
}

// TriggerIncrementalSync queues an incremental pass of a RUNNING job that
// finished its initial sync.
func (s *Service) TriggerIncrementalSync(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := requireIncremental(job, opSync); err != nil {
		return err
	}
	if err := s.submit(id); err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	s.logger.Info("incremental sync triggered", "job_id", id)
	return nil
}

// TriggerGoLive asks the engine to run the final pass, verify and complete
// the job. The phase change itself is made by the engine.
func (s *Service) TriggerGoLive(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.UpdateJob(ctx, id, func(j *model.Job) error {
		if err := requireIncremental(j, opGoLive); err != nil {
			return err
		}
		j.GoLiveRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.submit(id); err != nil {
		// the scheduler submits jobs with a pending go-live request
		s.logger.Warn("go live queued for scheduler", "job_id", id, "error", err)
	}
	s.logger.Info("go live requested", "job_id", id)
	s.record(ctx, id, model.LogInfo, "Go live requested")
	return job, nil
}

func requireIncremental(j *model.Job, op model.Operation) error {
	if j.Status != model.StatusRunning {
		return &model.TransitionError{Op: op, From: j.Status}
	}
	if j.Phase != model.PhaseIncrementalSync {
		return fmt.Errorf("%w: phase is %s", ErrInvalidPhase, j.Phase)
	}
	return nil
}

// RestartDataType clears the checkpoint of one data type and zeroes its
// counters so its bulk copy starts over on the next run. Items recorded as
// migrated are still skipped.
func (s *Service) RestartDataType(ctx context.Context, id string, dt model.DataType) (*model.Job, error) {
	job, err := s.checkpoints.Clear(ctx, id, dt, func(j *model.Job) error {
		switch {
		case j.Status == model.StatusRunning:
			return ErrJobRunning
		case j.Status == model.StatusCompleted:
			return &model.TransitionError{Op: opRestart, From: j.Status}
		case !j.DataTypes.Enabled(dt):
			return fmt.Errorf("%w: %s", ErrDataTypeDisabled, dt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("data type restarted", "job_id", id, "data_type", dt)
	if err := s.store.AppendLog(ctx, &model.MigrationLog{
		JobID: id, Level: model.LogInfo, DataType: dt, Message: "Data type restarted",
	}); err != nil {
		s.logger.Warn("failed to append job log", "job_id", id, "error", err)
	}
	s.publish(ctx, job)
	return job, nil
}
