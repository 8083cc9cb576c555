package model

import "time"

// Provider identifies the mailbox backend an account lives on.
type Provider string

const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
	ProviderIMAP      Provider = "IMAP"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft, ProviderIMAP:
		return true
	}
	return false
}

// UsesHistoryID reports whether the provider's incremental cursor is a
// monotonically increasing history id rather than an opaque delta link.
func (p Provider) UsesHistoryID() bool {
	return p == ProviderGoogle
}

// UsesLabels reports whether messages are organised by labels (Gmail)
// instead of folders.
func (p Provider) UsesLabels() bool {
	return p == ProviderGoogle
}

// AccountStatus is the connection state of an account.
type AccountStatus string

const (
	AccountConnected    AccountStatus = "CONNECTED"
	AccountDisconnected AccountStatus = "DISCONNECTED"
	AccountExpired      AccountStatus = "EXPIRED"
	AccountError        AccountStatus = "ERROR"
)

// Account is a mailbox that can act as a migration source or target.
// Credentials are not part of the record; connectors fetch them from the
// credential broker on demand.
type Account struct {
	ID             string        `json:"id"`
	Provider       Provider      `json:"provider"`
	Email          string        `json:"email"`
	DisplayName    string        `json:"display_name,omitempty"`
	Host           string        `json:"host,omitempty"`
	Port           int           `json:"port,omitempty"`
	Username       string        `json:"username,omitempty"`
	Status         AccountStatus `json:"status"`
	TokenExpiresAt *time.Time    `json:"token_expires_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Usable reports whether the account is connected and its token, when the
// expiry is known, has not expired yet.
func (a *Account) Usable(now time.Time) bool {
	if a == nil || a.Status != AccountConnected {
		return false
	}
	if a.TokenExpiresAt != nil && !a.TokenExpiresAt.After(now) {
		return false
	}
	return true
}

// Login returns the user name used to authenticate against protocol based
// providers, falling back to the email address.
func (a *Account) Login() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}
