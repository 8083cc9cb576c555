package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/Martian-dev/mailmove/internal/model"
)

// CreateAccount inserts a new account.
func (s *Store) CreateAccount(ctx context.Context, a *model.Account) error {
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return translate(s.db.WithContext(ctx).Create(accountToRow(a)).Error, "account", a.ID)
}

// GetAccount loads an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var r accountRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, translate(err, "account", id)
	}
	a := r.model()
	return &a, nil
}

// ListAccounts returns all accounts ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, translate(err, "accounts", "")
	}
	out := make([]model.Account, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

// UpdateAccountStatus sets the connection status of an account.
func (s *Store) UpdateAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	res := s.db.WithContext(ctx).Model(&accountRow{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": s.now()})
	if res.Error != nil {
		return translate(res.Error, "account", id)
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "account", id)
	}
	return nil
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&accountRow{})
	if res.Error != nil {
		return translate(res.Error, "account", id)
	}
	if res.RowsAffected == 0 {
		return translate(gorm.ErrRecordNotFound, "account", id)
	}
	return nil
}
