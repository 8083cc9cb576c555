// Package checkpoint keeps every (job, data type) pair resumable. Each
// operation is one atomic write through the store, so a reader never sees
// a half applied update. Writes that move progress change the job's
// counters in the same transaction.
package checkpoint

import (
	"context"
	"time"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

// Service wraps the checkpoint part of the store.
type Service struct {
	store store.CheckpointStore
	now   func() time.Time
}

// New creates a checkpoint service over s.
func New(s store.CheckpointStore) *Service {
	return &Service{store: s, now: time.Now}
}

// GetOrCreate returns the checkpoint of (jobID, dt), persisting an empty
// one on first access.
func (s *Service) GetOrCreate(ctx context.Context, jobID string, dt model.DataType) (*model.Checkpoint, error) {
	return s.store.GetOrCreateCheckpoint(ctx, jobID, dt)
}

// Page is the outcome of one fully processed page of a bulk copy.
type Page struct {
	// NextPageToken is empty on the last page.
	NextPageToken string
	SyncToken     string
	Processed     int64
	LastItemID    string
	Migrated      int64
	Failed        int64
}

// UpdatePageToken commits a page: the token to resume from, the processed
// count and the job's counters for dt. The last page also marks the
// listing complete.
func (s *Service) UpdatePageToken(ctx context.Context, jobID string, dt model.DataType, source model.Provider, p Page) (*model.Job, error) {
	job, _, err := s.store.UpdateJobAndCheckpoint(ctx, jobID, dt, func(j *model.Job, cp *model.Checkpoint) error {
		c := j.Counter(dt)
		c.Migrated += p.Migrated
		c.Failed += p.Failed
		if c.Total < c.Migrated+c.Failed {
			c.Total = c.Migrated + c.Failed
		}
		j.RecomputeProgress()

		cp.PageToken = p.NextPageToken
		cp.ListingComplete = p.NextPageToken == ""
		cp.ProcessedCount += p.Processed
		if p.LastItemID != "" {
			cp.LastItemID = p.LastItemID
		}
		if p.SyncToken != "" {
			cp.SetSyncToken(source, p.SyncToken)
		}
		return nil
	})
	return job, err
}

// UpdateSyncToken stores the incremental cursor in the field used by the
// job's source provider and adds delta to the job's counters for dt. An
// empty token keeps the stored one.
func (s *Service) UpdateSyncToken(ctx context.Context, jobID string, dt model.DataType, source model.Provider, token string, delta model.Counter) (*model.Job, error) {
	now := s.now()
	job, _, err := s.store.UpdateJobAndCheckpoint(ctx, jobID, dt, func(j *model.Job, cp *model.Checkpoint) error {
		c := j.Counter(dt)
		c.Total += delta.Total
		c.Migrated += delta.Migrated
		c.Failed += delta.Failed
		j.RecomputeProgress()
		j.LastSyncAt = &now

		if token != "" {
			cp.SetSyncToken(source, token)
		}
		cp.LastSyncAt = &now
		return nil
	})
	return job, err
}

// MarkInitialSyncComplete sets the completion flag together with the final
// sync token and clears the page token.
func (s *Service) MarkInitialSyncComplete(ctx context.Context, jobID string, dt model.DataType, source model.Provider, token string) error {
	now := s.now()
	_, err := s.store.UpdateCheckpoint(ctx, jobID, dt, func(cp *model.Checkpoint) error {
		cp.ListingComplete = true
		cp.InitialSyncComplete = true
		cp.PageToken = ""
		if token != "" {
			cp.SetSyncToken(source, token)
		}
		cp.LastSyncAt = &now
		return nil
	})
	return err
}

// Clear resets every cursor of the checkpoint and zeroes the job's
// counters for dt. check, when set, sees the job first and can refuse the
// reset; nothing is written then.
func (s *Service) Clear(ctx context.Context, jobID string, dt model.DataType, check func(*model.Job) error) (*model.Job, error) {
	job, _, err := s.store.UpdateJobAndCheckpoint(ctx, jobID, dt, func(j *model.Job, cp *model.Checkpoint) error {
		if check != nil {
			if err := check(j); err != nil {
				return err
			}
		}
		*j.Counter(dt) = model.Counter{}
		j.RecomputeProgress()
		cp.Reset()
		return nil
	})
	return job, err
}

// SyncToken returns the incremental cursor stored for source.
func (s *Service) SyncToken(ctx context.Context, jobID string, dt model.DataType, source model.Provider) (string, error) {
	cp, err := s.store.GetOrCreateCheckpoint(ctx, jobID, dt)
	if err != nil {
		return "", err
	}
	return cp.SyncToken(source), nil
}

// IsInitialSyncComplete reports whether the bulk copy of dt has finished.
func (s *Service) IsInitialSyncComplete(ctx context.Context, jobID string, dt model.DataType) (bool, error) {
	cp, err := s.store.GetOrCreateCheckpoint(ctx, jobID, dt)
	if err != nil {
		return false, err
	}
	return cp.InitialSyncComplete, nil
}

// List returns every checkpoint of a job.
func (s *Service) List(ctx context.Context, jobID string) ([]model.Checkpoint, error) {
	return s.store.ListCheckpoints(ctx, jobID)
}
