package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

const accountColumns = `id, provider, email, display_name, host, port, username, status,
	token_expires_at, created_at, updated_at`

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Provider, a.Email, a.DisplayName, a.Host, a.Port, a.Username, a.Status,
		toNullUnix(a.TokenExpiresAt), toUnix(a.CreatedAt), toUnix(a.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return a, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAccountStatus sets the connection status of an account.
func (s *Store) UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?
	`, status, toUnix(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("account", id)
	}
	return nil
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("account", id)
	}
	return nil
}

func scanAccount(sc scanner) (*model.Account, error) {
	var (
		a         model.Account
		expires   sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := sc.Scan(&a.ID, &a.Provider, &a.Email, &a.DisplayName, &a.Host, &a.Port, &a.Username,
		&a.Status, &expires, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.TokenExpiresAt = fromNullUnix(expires)
	a.CreatedAt = fromUnix(createdAt)
	a.UpdatedAt = fromUnix(updatedAt)
	return &a, nil
}
