// Package engine drives migration jobs through their phases. A job runs on
// one pool worker at a time; within a job the data types are migrated one
// after another. Every decision is taken on state re-read from the store,
// so a pause or cancel requested elsewhere is seen before the next page.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailmove/internal/checkpoint"
	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

// errStopped reports that the job left RUNNING while a loop was active.
var errStopped = errors.New("job no longer running")

// Broadcaster receives progress snapshots. Publishing is fire and forget:
// a failure is logged and never affects the migration.
type Broadcaster interface {
	Publish(ctx context.Context, jobID string, p model.Progress) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, jobID string, p model.Progress) error

func (f BroadcasterFunc) Publish(ctx context.Context, jobID string, p model.Progress) error {
	return f(ctx, jobID, p)
}

// Config tunes the engine.
type Config struct {
	BatchSize        int
	ProgressEvery    int
	VerifyTolerance  float64
	PropagateDeletes bool
	Retry            connector.RetryPolicy
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		ProgressEvery:   10,
		VerifyTolerance: 0.01,
		Retry:           connector.DefaultRetryPolicy,
	}
}

// Engine executes migration jobs.
type Engine struct {
	store       store.Store
	checkpoints *checkpoint.Service
	registry    *connector.Registry
	broadcaster Broadcaster
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an engine. A nil broadcaster disables progress pushes.
func New(st store.Store, reg *connector.Registry, b Broadcaster, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = def.ProgressEvery
	}
	if cfg.VerifyTolerance <= 0 {
		cfg.VerifyTolerance = def.VerifyTolerance
	}
	if b == nil {
		b = BroadcasterFunc(func(context.Context, string, model.Progress) error { return nil })
	}
	return &Engine{
		store:       st,
		checkpoints: checkpoint.New(st),
		registry:    reg,
		broadcaster: b,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// run is the per execution context shared by the phase functions.
type run struct {
	jobID  string
	source *model.Account
	target *model.Account
	logger *slog.Logger
}

// RunJob advances the job as far as its current phase allows. It returns
// nil when the job was stopped by an operator or completed a pass; fatal
// data type errors mark the job FAILED and are returned.
func (e *Engine) RunJob(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatusRunning {
		e.logger.Debug("job not running, skipping", "job_id", jobID, "status", job.Status)
		return nil
	}

	r, err := e.prepare(ctx, job)
	if err != nil {
		return e.fail(ctx, jobID, "", err)
	}

	err = e.advance(ctx, r, job)
	switch {
	case err == nil, errors.Is(err, errStopped):
		return nil
	case ctx.Err() != nil:
		// Shutdown: the job stays RUNNING and is picked up again on restart.
		r.logger.Info("job interrupted", "error", err)
		return nil
	}
	return err
}

func (e *Engine) prepare(ctx context.Context, job *model.Job) (*run, error) {
	src, err := e.store.GetAccount(ctx, job.SourceAccountID)
	if err != nil {
		return nil, fmt.Errorf("load source account: %w", err)
	}
	dst, err := e.store.GetAccount(ctx, job.TargetAccountID)
	if err != nil {
		return nil, fmt.Errorf("load target account: %w", err)
	}
	return &run{
		jobID:  job.ID,
		source: src,
		target: dst,
		logger: e.logger.With("job_id", job.ID, "source", src.Provider, "target", dst.Provider),
	}, nil
}

func (e *Engine) advance(ctx context.Context, r *run, job *model.Job) error {
	switch job.Phase {
	case model.PhaseInitialSync:
		if err := e.initialSync(ctx, r, job); err != nil {
			return err
		}
		job, err := e.store.GetJob(ctx, r.jobID)
		if err != nil {
			return err
		}
		if job.GoLiveRequested {
			return e.goLive(ctx, r, job)
		}
		return nil
	case model.PhaseIncrementalSync:
		if job.GoLiveRequested {
			return e.goLive(ctx, r, job)
		}
		return e.incrementalSync(ctx, r, job)
	case model.PhaseGoLive:
		return e.goLive(ctx, r, job)
	}
	return nil
}

// initialSync bulk copies every enabled data type whose checkpoint is not
// complete yet and then moves the job to INCREMENTAL_SYNC.
func (e *Engine) initialSync(ctx context.Context, r *run, job *model.Job) error {
	for _, dt := range job.DataTypes.List() {
		done, err := e.checkpoints.IsInitialSyncComplete(ctx, r.jobID, dt)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		p, err := e.pipeline(dt, r)
		if err != nil {
			return e.fail(ctx, r.jobID, dt, err)
		}
		if err := p.bulkCopy(ctx, e, r); err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return err
			}
			return e.fail(ctx, r.jobID, dt, err)
		}
	}

	now := e.now()
	updated, err := e.store.UpdateJob(ctx, r.jobID, func(j *model.Job) error {
		if j.Status != model.StatusRunning {
			return errStopped
		}
		j.LastSyncAt = &now
		return j.AdvancePhase(model.PhaseIncrementalSync)
	})
	if err != nil {
		return err
	}
	r.logger.Info("initial sync complete", "progress", updated.ProgressPercent)
	e.record(ctx, r.jobID, model.LogInfo, "", "Initial sync completed", withCount(updated.Emails.Migrated+updated.Contacts.Migrated+updated.Events.Migrated))
	e.publish(ctx, updated)
	return nil
}

// incrementalSync applies the changes reported since the stored cursors of
// every enabled data type.
func (e *Engine) incrementalSync(ctx context.Context, r *run, job *model.Job) error {
	for _, dt := range job.DataTypes.List() {
		if err := e.ensureRunning(ctx, r.jobID); err != nil {
			return err
		}
		p, err := e.pipeline(dt, r)
		if err != nil {
			return e.fail(ctx, r.jobID, dt, err)
		}
		if err := p.incremental(ctx, e, r); err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				return err
			}
			return e.fail(ctx, r.jobID, dt, err)
		}
	}
	return nil
}

// goLive runs a last incremental pass, verifies counts and completes the
// job.
func (e *Engine) goLive(ctx context.Context, r *run, job *model.Job) error {
	if job.Phase != model.PhaseGoLive {
		updated, err := e.store.UpdateJob(ctx, r.jobID, func(j *model.Job) error {
			if j.Status != model.StatusRunning {
				return errStopped
			}
			return j.AdvancePhase(model.PhaseGoLive)
		})
		if err != nil {
			return err
		}
		r.logger.Info("go live started")
		e.record(ctx, r.jobID, model.LogInfo, "", "Go live started")
		e.publish(ctx, updated)
		job = updated
	}

	if err := e.incrementalSync(ctx, r, job); err != nil {
		return err
	}
	e.verify(ctx, r, job)

	done, err := e.store.UpdateJob(ctx, r.jobID, func(j *model.Job) error {
		if j.Status != model.StatusRunning {
			return errStopped
		}
		j.Complete(e.now())
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("job completed")
	e.record(ctx, r.jobID, model.LogInfo, "", "Migration completed")
	e.publish(ctx, done)
	return nil
}

// verify compares source and target counts per enabled data type. A gap
// above the tolerance is logged as a warning and never blocks completion.
func (e *Engine) verify(ctx context.Context, r *run, job *model.Job) {
	for _, dt := range job.DataTypes.List() {
		p, err := e.pipeline(dt, r)
		if err != nil {
			continue
		}
		src, dst, err := p.counts(ctx, e, r)
		if err != nil {
			r.logger.Warn("verification count failed", "data_type", dt, "error", err)
			e.record(ctx, r.jobID, model.LogWarn, dt, "Verification count failed", withError(err))
			continue
		}
		if mismatch(src, dst, e.cfg.VerifyTolerance) {
			msg := fmt.Sprintf("Verification mismatch: source has %d items, target has %d", src, dst)
			r.logger.Warn("verification mismatch", "data_type", dt, "source_count", src, "target_count", dst)
			e.record(ctx, r.jobID, model.LogWarn, dt, msg)
			continue
		}
		r.logger.Info("verification passed", "data_type", dt, "source_count", src, "target_count", dst)
	}
}

func mismatch(src, dst int64, tolerance float64) bool {
	diff := src - dst
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) > tolerance*float64(src)
}

// ensureRunning re-reads the job status.
func (e *Engine) ensureRunning(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatusRunning {
		return errStopped
	}
	return nil
}

// fail marks the job FAILED unless an operator already moved it out of
// RUNNING, and returns cause.
func (e *Engine) fail(ctx context.Context, jobID string, dt model.DataType, cause error) error {
	e.logger.Error("migration failed", "job_id", jobID, "data_type", dt, "error", cause)
	updated, err := e.store.UpdateJob(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.StatusRunning {
			return errStopped
		}
		j.Fail(cause.Error())
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStopped) {
			e.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
		}
		return cause
	}
	e.record(ctx, jobID, model.LogError, dt, "Migration failed", withError(cause))
	e.publish(ctx, updated)
	return cause
}

func (e *Engine) publish(ctx context.Context, job *model.Job) {
	if err := e.broadcaster.Publish(ctx, job.ID, job.Progress(e.now())); err != nil {
		e.logger.Warn("failed to publish progress", "job_id", job.ID, "error", err)
	}
}

type logOption func(*model.MigrationLog)

func withItem(id string) logOption { return func(l *model.MigrationLog) { l.ItemID = id } }

func withCount(n int64) logOption { return func(l *model.MigrationLog) { l.ItemsCount = n } }

func withError(err error) logOption {
	return func(l *model.MigrationLog) { l.ErrorDetails = err.Error() }
}

// record appends a job log entry. Failures are only logged.
func (e *Engine) record(ctx context.Context, jobID string, level model.LogLevel, dt model.DataType, msg string, opts ...logOption) {
	l := &model.MigrationLog{JobID: jobID, Level: level, DataType: dt, Message: msg}
	for _, o := range opts {
		o(l)
	}
	if err := e.store.AppendLog(ctx, l); err != nil {
		e.logger.Warn("failed to append job log", "job_id", jobID, "error", err)
	}
}
