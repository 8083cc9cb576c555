package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailmove/internal/model"
)

// AppendLog inserts a migration log entry.
func (s *Store) AppendLog(ctx context.Context, l *model.MigrationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO migration_logs (id, job_id, level, data_type, message, item_id, items_count, error_details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.JobID, l.Level, l.DataType, l.Message, l.ItemID, l.ItemsCount, l.ErrorDetails, toUnix(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

// ListLogs returns up to limit entries of a job, newest first.
func (s *Store) ListLogs(ctx context.Context, jobID string, limit int) ([]model.MigrationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, job_id, level, data_type, message, item_id, items_count, error_details, created_at
		FROM migration_logs WHERE job_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []model.MigrationLog
	for rows.Next() {
		var (
			l         model.MigrationLog
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.DataType, &l.Message, &l.ItemID,
			&l.ItemsCount, &l.ErrorDetails, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.CreatedAt = fromUnix(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}
