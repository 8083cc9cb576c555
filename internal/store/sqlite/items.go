package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailmove/internal/model"
)

// GetItem returns the ledger row of one source item.
func (s *Store) GetItem(ctx context.Context, jobID string, dt model.DataType, sourceID string) (*model.MigratedItem, error) {
	var (
		it        model.MigratedItem
		updatedAt int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT job_id, data_type, source_id, target_id, status, error, updated_at
		FROM migrated_items WHERE job_id = ? AND data_type = ? AND source_id = ?
	`, jobID, dt, sourceID).Scan(&it.JobID, &it.DataType, &it.SourceID, &it.TargetID, &it.Status, &it.Error, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("item", sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	it.UpdatedAt = fromUnix(updatedAt)
	return &it, nil
}

// SaveItem upserts a ledger row. A failed attempt never erases the target
// id of an earlier success.
func (s *Store) SaveItem(ctx context.Context, it *model.MigratedItem) error {
	it.UpdatedAt = s.now()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO migrated_items (job_id, data_type, source_id, target_id, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, data_type, source_id) DO UPDATE SET
			target_id = CASE WHEN excluded.target_id != '' THEN excluded.target_id ELSE migrated_items.target_id END,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, it.JobID, it.DataType, it.SourceID, it.TargetID, it.Status, it.Error, toUnix(it.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// CountItems counts ledger rows with the given status.
func (s *Store) CountItems(ctx context.Context, jobID string, dt model.DataType, status model.ItemStatus) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM migrated_items WHERE job_id = ? AND data_type = ? AND status = ?
	`, jobID, dt, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}
