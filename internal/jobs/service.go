// Package jobs is the control surface of migration jobs: creation,
// status operations, progress and logs. Every status change is a single
// atomic read-modify-write on the store, and an illegal request leaves the
// job untouched.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailmove/internal/checkpoint"
	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/engine"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

var (
	// ErrInvalidTransition matches every rejected status operation.
	ErrInvalidTransition = model.ErrInvalidTransition
	ErrSameAccount       = errors.New("source and target account must differ")
	ErrAccountUnusable   = errors.New("account is not connected")
	ErrJobRunning        = errors.New("job is running")
	ErrInvalidPhase      = errors.New("job is not in incremental sync")
	ErrDataTypeDisabled  = errors.New("data type not enabled for job")
	ErrInvalidInput      = errors.New("invalid input")
	ErrAccountInUse      = errors.New("account is used by an active job")
)

// Service implements the job control operations.
type Service struct {
	store       store.Store
	checkpoints *checkpoint.Service
	registry    *connector.Registry
	pool        engine.Submitter
	broadcaster engine.Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a service. pool may be nil, in which case status changes are
// only recorded and a running scheduler picks the jobs up. reg may be nil
// when no provider is reachable, e.g. from the CLI.
func New(st store.Store, reg *connector.Registry, pool engine.Submitter, b engine.Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:       st,
		checkpoints: checkpoint.New(st),
		registry:    reg,
		pool:        pool,
		broadcaster: b,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateRequest describes a new job.
type CreateRequest struct {
	Name            string
	Description     string
	SourceAccountID string
	TargetAccountID string
	DataTypes       model.DataTypeSet
	ScheduledAt     *time.Time
}

// Create validates the request and stores a DRAFT job, or a SCHEDULED one
// when a start time is given.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Job, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if req.SourceAccountID == req.TargetAccountID {
		return nil, ErrSameAccount
	}
	now := s.now()
	for _, id := range []string{req.SourceAccountID, req.TargetAccountID} {
		acct, err := s.store.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if !acct.Usable(now) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrAccountUnusable, acct.Email, acct.Status)
		}
	}

	types := req.DataTypes
	if types.Empty() {
		types = model.AllDataTypesEnabled()
	}
	job := &model.Job{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Description:     req.Description,
		SourceAccountID: req.SourceAccountID,
		TargetAccountID: req.TargetAccountID,
		DataTypes:       types,
		Phase:           model.PhaseInitialSync,
		Status:          model.StatusDraft,
	}
	if req.ScheduledAt != nil {
		at := *req.ScheduledAt
		job.ScheduledAt = &at
		job.Status = model.StatusScheduled
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job created", "job_id", job.ID, "status", job.Status, "data_types", types.List())
	s.record(ctx, job.ID, model.LogInfo, "Job created")
	return job, nil
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs, optionally only those in status.
func (s *Service) List(ctx context.Context, status model.Status) ([]model.Job, error) {
	return s.store.ListJobs(ctx, store.JobFilter{Status: status})
}

// Delete removes a job that is not running, together with its checkpoints,
// ledger and logs.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == model.StatusRunning || (s.pool != nil && s.pool.IsActive(id)) {
		return ErrJobRunning
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job deleted", "job_id", id)
	return nil
}

// Progress returns the current progress snapshot.
func (s *Service) Progress(ctx context.Context, id string) (model.Progress, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return model.Progress{}, err
	}
	return job.Progress(s.now()), nil
}

// Logs returns the newest log entries of a job.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]model.MigrationLog, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id, limit)
}

// Checkpoints returns the resumability state of every data type.
func (s *Service) Checkpoints(ctx context.Context, id string) ([]model.Checkpoint, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.checkpoints.List(ctx, id)
}

func (s *Service) publish(ctx context.Context, job *model.Job) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Publish(ctx, job.ID, job.Progress(s.now())); err != nil {
		s.logger.Warn("failed to publish progress", "job_id", job.ID, "error", err)
	}
}

func (s *Service) record(ctx context.Context, jobID string, level model.LogLevel, msg string) {
	if err := s.store.AppendLog(ctx, &model.MigrationLog{JobID: jobID, Level: level, Message: msg}); err != nil {
		s.logger.Warn("failed to append job log", "job_id", jobID, "error", err)
	}
}
