package postgres

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Martian-dev/mailmove/internal/model"
)

// GetOrCreateCheckpoint returns the checkpoint of (jobID, dt), inserting an
// empty one on first access.
func (s *Store) GetOrCreateCheckpoint(ctx context.Context, jobID string, dt model.DataType) (*model.Checkpoint, error) {
	return s.getOrCreateCheckpoint(s.db.WithContext(ctx), jobID, dt, false)
}

// UpdateCheckpoint applies fn to the locked checkpoint row.
func (s *Store) UpdateCheckpoint(ctx context.Context, jobID string, dt model.DataType, fn func(*model.Checkpoint) error) (*model.Checkpoint, error) {
	var out *model.Checkpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cp, err := s.getOrCreateCheckpoint(tx, jobID, dt, true)
		if err != nil {
			return err
		}
		if err := fn(cp); err != nil {
			return err
		}
		cp.UpdatedAt = s.now()
		if err := tx.Save(checkpointToRow(cp)).Error; err != nil {
			return translate(err, "checkpoint", jobID)
		}
		out = cp
		return nil
	})
	return out, err
}

// UpdateJobAndCheckpoint applies fn to a job and one of its checkpoints,
// both locked, in a single transaction.
func (s *Store) UpdateJobAndCheckpoint(ctx context.Context, jobID string, dt model.DataType, fn func(*model.Job, *model.Checkpoint) error) (*model.Job, *model.Checkpoint, error) {
	var (
		outJob *model.Job
		outCP  *model.Checkpoint
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := getJob(tx, jobID, true)
		if err != nil {
			return err
		}
		cp, err := s.getOrCreateCheckpoint(tx, jobID, dt, true)
		if err != nil {
			return err
		}
		if err := fn(j, cp); err != nil {
			return err
		}
		now := s.now()
		j.UpdatedAt = now
		cp.UpdatedAt = now
		if err := tx.Save(jobToRow(j)).Error; err != nil {
			return translate(err, "job", jobID)
		}
		if err := tx.Save(checkpointToRow(cp)).Error; err != nil {
			return translate(err, "checkpoint", jobID)
		}
		outJob, outCP = j, cp
		return nil
	})
	return outJob, outCP, err
}

// ListCheckpoints returns every checkpoint of a job.
func (s *Store) ListCheckpoints(ctx context.Context, jobID string) ([]model.Checkpoint, error) {
	var rows []checkpointRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("data_type").Find(&rows).Error; err != nil {
		return nil, translate(err, "checkpoints", jobID)
	}
	out := make([]model.Checkpoint, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].model())
	}
	return out, nil
}

func (s *Store) getOrCreateCheckpoint(db *gorm.DB, jobID string, dt model.DataType, forUpdate bool) (*model.Checkpoint, error) {
	now := s.now()
	fresh := &checkpointRow{ID: uuid.NewString(), JobID: jobID, DataType: string(dt), CreatedAt: now, UpdatedAt: now}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "data_type"}},
		DoNothing: true,
	}).Create(fresh).Error
	if err != nil {
		return nil, translate(err, "checkpoint", jobID)
	}

	q := db
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r checkpointRow
	if err := q.Where("job_id = ? AND data_type = ?", jobID, string(dt)).First(&r).Error; err != nil {
		return nil, translate(err, "checkpoint", jobID+"/"+string(dt))
	}
	return r.model(), nil
}
