// Package store defines the persistence port shared by the SQLite and
// PostgreSQL backends. Every Update* call is one atomic read-modify-write:
// the callback sees the committed state and its changes are either fully
// written or, when it returns an error, discarded.
package store

import (
	"context"
	"errors"

	"github.com/Martian-dev/mailmove/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("conflict")
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status model.Status
	Limit  int
}

type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus) error
	DeleteAccount(ctx context.Context, id string) error
}

type JobStore interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]model.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	// DeleteJob removes the job with its checkpoints, migrated items and logs.
	DeleteJob(ctx context.Context, id string) error
}

type CheckpointStore interface {
	// GetOrCreateCheckpoint returns the checkpoint of (jobID, dt), creating
	// and persisting an empty one on first access.
	GetOrCreateCheckpoint(ctx context.Context, jobID string, dt model.DataType) (*model.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, jobID string, dt model.DataType, fn func(*model.Checkpoint) error) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]model.Checkpoint, error)
	// UpdateJobAndCheckpoint changes a job and one of its checkpoints in the
	// same transaction.
	UpdateJobAndCheckpoint(ctx context.Context, jobID string, dt model.DataType, fn func(*model.Job, *model.Checkpoint) error) (*model.Job, *model.Checkpoint, error)
}

type ItemStore interface {
	GetItem(ctx context.Context, jobID string, dt model.DataType, sourceID string) (*model.MigratedItem, error)
	SaveItem(ctx context.Context, it *model.MigratedItem) error
	CountItems(ctx context.Context, jobID string, dt model.DataType, status model.ItemStatus) (int64, error)
}

type LogStore interface {
	AppendLog(ctx context.Context, l *model.MigrationLog) error
	// ListLogs returns the newest entries first.
	ListLogs(ctx context.Context, jobID string, limit int) ([]model.MigrationLog, error)
}

// Store is the complete persistence port.
type Store interface {
	AccountStore
	JobStore
	CheckpointStore
	ItemStore
	LogStore
	Close() error
}
