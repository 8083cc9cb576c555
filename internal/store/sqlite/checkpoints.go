package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailmove/internal/model"
)

const checkpointColumns = `id, job_id, data_type, page_token, history_id, delta_token,
	listing_complete, initial_sync_complete, processed_count, last_item_id, last_sync_at, created_at, updated_at`

// GetOrCreateCheckpoint returns the checkpoint of (jobID, dt), inserting an
// empty one on first access.
func (s *Store) GetOrCreateCheckpoint(ctx context.Context, jobID string, dt model.DataType) (*model.Checkpoint, error) {
	var out *model.Checkpoint
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cp, err := s.getOrCreateCheckpoint(ctx, tx, jobID, dt)
		out = cp
		return err
	})
	return out, err
}

// UpdateCheckpoint applies fn to the checkpoint of (jobID, dt) atomically.
func (s *Store) UpdateCheckpoint(ctx context.Context, jobID string, dt model.DataType, fn func(*model.Checkpoint) error) (*model.Checkpoint, error) {
	var out *model.Checkpoint
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cp, err := s.getOrCreateCheckpoint(ctx, tx, jobID, dt)
		if err != nil {
			return err
		}
		if err := fn(cp); err != nil {
			return err
		}
		cp.UpdatedAt = s.now()
		if err := putCheckpoint(ctx, tx, cp); err != nil {
			return err
		}
		out = cp
		return nil
	})
	return out, err
}

// UpdateJobAndCheckpoint applies fn to a job and one of its checkpoints in
// a single transaction.
func (s *Store) UpdateJobAndCheckpoint(ctx context.Context, jobID string, dt model.DataType, fn func(*model.Job, *model.Checkpoint) error) (*model.Job, *model.Checkpoint, error) {
	var (
		outJob *model.Job
		outCP  *model.Checkpoint
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		cp, err := s.getOrCreateCheckpoint(ctx, tx, jobID, dt)
		if err != nil {
			return err
		}
		if err := fn(j, cp); err != nil {
			return err
		}
		now := s.now()
		j.UpdatedAt = now
		cp.UpdatedAt = now
		if err := putJob(ctx, tx, j); err != nil {
			return err
		}
		if err := putCheckpoint(ctx, tx, cp); err != nil {
			return err
		}
		outJob, outCP = j, cp
		return nil
	})
	return outJob, outCP, err
}

// ListCheckpoints returns every checkpoint of a job.
func (s *Store) ListCheckpoints(ctx context.Context, jobID string) ([]model.Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM sync_checkpoints WHERE job_id = ? ORDER BY data_type
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

func (s *Store) getOrCreateCheckpoint(ctx context.Context, q querier, jobID string, dt model.DataType) (*model.Checkpoint, error) {
	now := toUnix(s.now())
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (id, job_id, data_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, data_type) DO NOTHING
	`, uuid.NewString(), jobID, dt, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	row := q.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM sync_checkpoints WHERE job_id = ? AND data_type = ?
	`, jobID, dt)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("checkpoint", jobID+"/"+string(dt))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func putCheckpoint(ctx context.Context, q querier, cp *model.Checkpoint) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sync_checkpoints SET
			page_token = ?, history_id = ?, delta_token = ?, listing_complete = ?,
			initial_sync_complete = ?, processed_count = ?, last_item_id = ?, last_sync_at = ?, updated_at = ?
		WHERE job_id = ? AND data_type = ?
	`, cp.PageToken, cp.HistoryID, cp.DeltaToken, cp.ListingComplete, cp.InitialSyncComplete,
		cp.ProcessedCount, cp.LastItemID, toNullUnix(cp.LastSyncAt), toUnix(cp.UpdatedAt),
		cp.JobID, cp.DataType)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func scanCheckpoint(sc scanner) (*model.Checkpoint, error) {
	var (
		cp                   model.Checkpoint
		lastSync             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := sc.Scan(&cp.ID, &cp.JobID, &cp.DataType, &cp.PageToken, &cp.HistoryID, &cp.DeltaToken,
		&cp.ListingComplete, &cp.InitialSyncComplete, &cp.ProcessedCount, &cp.LastItemID, &lastSync, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cp.LastSyncAt = fromNullUnix(lastSync)
	cp.CreatedAt = fromUnix(createdAt)
	cp.UpdatedAt = fromUnix(updatedAt)
	return &cp, nil
}
