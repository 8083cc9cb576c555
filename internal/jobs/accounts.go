package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

// CreateAccount registers a mailbox. Credentials are held by the broker,
// only the connection details are stored here.
func (s *Service) CreateAccount(ctx context.Context, a *model.Account) (*model.Account, error) {
	if !a.Provider.Valid() {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, a.Provider)
	}
	if !strings.Contains(a.Email, "@") {
		return nil, fmt.Errorf("%w: invalid email %q", ErrInvalidInput, a.Email)
	}
	if a.Provider == model.ProviderIMAP && a.Host == "" {
		return nil, fmt.Errorf("%w: imap accounts need a host", ErrInvalidInput)
	}
	if a.Provider == model.ProviderIMAP && a.Port == 0 {
		a.Port = 993
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = model.AccountConnected
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("account created", "account_id", a.ID, "provider", a.Provider, "email", a.Email)
	return a, nil
}

// GetAccount returns an account.
func (s *Service) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ListAccounts returns every account.
func (s *Service) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.store.ListAccounts(ctx)
}

// DeleteAccount removes an account no unfinished job refers to.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return err
	}
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.SourceAccountID == id || j.TargetAccountID == id {
			return fmt.Errorf("%w: %s", ErrAccountInUse, j.ID)
		}
	}
	return s.store.DeleteAccount(ctx, id)
}

// SetAccountStatus records a connection state change, e.g. an expired
// token reported by the broker.
func (s *Service) SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	return s.store.UpdateAccountStatus(ctx, id, status)
}

// AccountStats reads the mailbox counters of an account from its provider.
// Message connectors without a stats call report their count as the total.
func (s *Service) AccountStats(ctx context.Context, id string) (*model.MessageStats, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.registry == nil {
		return nil, fmt.Errorf("account stats: %w", connector.ErrUnsupported)
	}
	conn, err := s.registry.Messages(acct.Provider)
	if err != nil {
		return nil, err
	}
	if sp, ok := conn.(connector.StatsProvider); ok {
		return sp.Stats(ctx, acct)
	}
	n, err := conn.Count(ctx, acct)
	if err != nil {
		return nil, err
	}
	return &model.MessageStats{Total: n}, nil
}

// AccountCalendars lists the calendars of an account, all of which a
// calendar migration reads.
func (s *Service) AccountCalendars(ctx context.Context, id string) ([]model.Calendar, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.registry == nil {
		return nil, fmt.Errorf("account calendars: %w", connector.ErrUnsupported)
	}
	conn, err := s.registry.Events(acct.Provider)
	if err != nil {
		return nil, err
	}
	cl, ok := conn.(connector.CalendarLister)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot list calendars: %w", acct.Provider, connector.ErrUnsupported)
	}
	return cl.ListCalendars(ctx, acct)
}
