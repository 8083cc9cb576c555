package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

const jobColumns = `id, name, description, source_account_id, target_account_id, data_types,
	phase, status,
	total_emails, migrated_emails, failed_emails,
	total_contacts, migrated_contacts, failed_contacts,
	total_events, migrated_events, failed_events,
	progress_percent, last_error, go_live_requested,
	scheduled_at, started_at, completed_at, last_sync_at, created_at, updated_at`

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, j *model.Job) error {
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	dataTypes, err := json.Marshal(j.DataTypes)
	if err != nil {
		return fmt.Errorf("failed to encode data types: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO migration_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Name, j.Description, j.SourceAccountID, j.TargetAccountID, string(dataTypes),
		j.Phase, j.Status,
		j.Emails.Total, j.Emails.Migrated, j.Emails.Failed,
		j.Contacts.Total, j.Contacts.Migrated, j.Contacts.Failed,
		j.Events.Total, j.Events.Migrated, j.Events.Failed,
		j.ProgressPercent, j.LastError, j.GoLiveRequested,
		toNullUnix(j.ScheduledAt), toNullUnix(j.StartedAt), toNullUnix(j.CompletedAt), toNullUnix(j.LastSyncAt),
		toUnix(j.CreatedAt), toUnix(j.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", j.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.DB, id)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// UpdateJob applies fn to the current job and persists the result in one
// transaction.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var out *model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = s.now()
		if err := putJob(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

// DeleteJob removes a job and everything recorded for it.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM migration_jobs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("job", id)
		}
		for _, table := range []string{"sync_checkpoints", "migrated_items", "migration_logs"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", table, err)
			}
		}
		return nil
	})
}

func getJob(ctx context.Context, q querier, id string) (*model.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return j, nil
}

func putJob(ctx context.Context, q querier, j *model.Job) error {
	dataTypes, err := json.Marshal(j.DataTypes)
	if err != nil {
		return fmt.Errorf("failed to encode data types: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE migration_jobs SET
			name = ?, description = ?, data_types = ?, phase = ?, status = ?,
			total_emails = ?, migrated_emails = ?, failed_emails = ?,
			total_contacts = ?, migrated_contacts = ?, failed_contacts = ?,
			total_events = ?, migrated_events = ?, failed_events = ?,
			progress_percent = ?, last_error = ?, go_live_requested = ?,
			scheduled_at = ?, started_at = ?, completed_at = ?, last_sync_at = ?,
			updated_at = ?
		WHERE id = ?
	`, j.Name, j.Description, string(dataTypes), j.Phase, j.Status,
		j.Emails.Total, j.Emails.Migrated, j.Emails.Failed,
		j.Contacts.Total, j.Contacts.Migrated, j.Contacts.Failed,
		j.Events.Total, j.Events.Migrated, j.Events.Failed,
		j.ProgressPercent, j.LastError, j.GoLiveRequested,
		toNullUnix(j.ScheduledAt), toNullUnix(j.StartedAt), toNullUnix(j.CompletedAt), toNullUnix(j.LastSyncAt),
		toUnix(j.UpdatedAt), j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

func scanJob(sc scanner) (*model.Job, error) {
	var (
		j                                     model.Job
		dataTypes                             string
		scheduled, started, completed, synced sql.NullInt64
		createdAt, updatedAt                  int64
	)
	err := sc.Scan(&j.ID, &j.Name, &j.Description, &j.SourceAccountID, &j.TargetAccountID, &dataTypes,
		&j.Phase, &j.Status,
		&j.Emails.Total, &j.Emails.Migrated, &j.Emails.Failed,
		&j.Contacts.Total, &j.Contacts.Migrated, &j.Contacts.Failed,
		&j.Events.Total, &j.Events.Migrated, &j.Events.Failed,
		&j.ProgressPercent, &j.LastError, &j.GoLiveRequested,
		&scheduled, &started, &completed, &synced, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataTypes), &j.DataTypes); err != nil {
		return nil, fmt.Errorf("failed to decode data types: %w", err)
	}
	j.ScheduledAt = fromNullUnix(scheduled)
	j.StartedAt = fromNullUnix(started)
	j.CompletedAt = fromNullUnix(completed)
	j.LastSyncAt = fromNullUnix(synced)
	j.CreatedAt = fromUnix(createdAt)
	j.UpdatedAt = fromUnix(updatedAt)
	return &j, nil
}
