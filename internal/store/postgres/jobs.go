package postgres

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	return translate(s.db.WithContext(ctx).Create(jobToRow(j)).Error, "job", j.ID)
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(s.db.WithContext(ctx), id, false)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, translate(err, "jobs", "")
	}
	out := make([]model.Job, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].model())
	}
	return out, nil
}

// UpdateJob applies fn to the locked job row and saves the result.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var out *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := getJob(tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = s.now()
		if err := tx.Save(jobToRow(j)).Error; err != nil {
			return translate(err, "job", id)
		}
		out = j
		return nil
	})
	return out, err
}

// DeleteJob removes a job and everything recorded for it.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&jobRow{})
		if res.Error != nil {
			return translate(res.Error, "job", id)
		}
		if res.RowsAffected == 0 {
			return translate(gorm.ErrRecordNotFound, "job", id)
		}
		for _, m := range []any{&checkpointRow{}, &itemRow{}, &logRow{}} {
			if err := tx.Where("job_id = ?", id).Delete(m).Error; err != nil {
				return translate(err, "job", id)
			}
		}
		return nil
	})
}

func getJob(db *gorm.DB, id string, forUpdate bool) (*model.Job, error) {
	if forUpdate {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var r jobRow
	if err := db.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, translate(err, "job", id)
	}
	return r.model(), nil
}
