package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailmove/internal/model"
)

const defaultLogLimit = 100

// AppendLog persists a job log entry, filling in its id and timestamp when
// they are unset.
func (s *Store) AppendLog(ctx context.Context, l *model.MigrationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	r := &logRow{
		ID: l.ID, JobID: l.JobID, Level: string(l.Level), DataType: string(l.DataType),
		Message: l.Message, ItemID: l.ItemID, ItemsCount: l.ItemsCount,
		ErrorDetails: l.ErrorDetails, CreatedAt: l.CreatedAt,
	}
	return translate(s.db.WithContext(ctx).Create(r).Error, "log", l.ID)
}

// ListLogs returns the newest entries of a job first.
func (s *Store) ListLogs(ctx context.Context, jobID string, limit int) ([]model.MigrationLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	var rows []logRow
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).
		Order("created_at DESC").Order("seq DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, translate(err, "logs", jobID)
	}
	out := make([]model.MigrationLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.MigrationLog{
			ID: r.ID, JobID: r.JobID, Level: model.LogLevel(r.Level), DataType: model.DataType(r.DataType),
			Message: r.Message, ItemID: r.ItemID, ItemsCount: r.ItemsCount,
			ErrorDetails: r.ErrorDetails, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
