package auth

import (
	"context"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailmove/internal/model"
)

var (
	googleScopes = []string{
		"https://mail.google.com/",
		"https://www.googleapis.com/auth/contacts",
		"https://www.googleapis.com/auth/calendar",
	}
	microsoftScopes = []string{
		"offline_access",
		"https://graph.microsoft.com/Mail.ReadWrite",
		"https://graph.microsoft.com/Contacts.ReadWrite",
		"https://graph.microsoft.com/Calendars.ReadWrite",
	}
)

// GoogleConfig returns the OAuth client used to refresh Google grants, or
// nil when no client id is configured.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	if clientID == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       googleScopes,
	}
}

// MicrosoftConfig returns the OAuth client used to refresh Microsoft
// grants, or nil when no client id is configured. An empty tenant means
// "common".
func MicrosoftConfig(clientID, clientSecret, tenant string) *oauth2.Config {
	if clientID == "" {
		return nil
	}
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       microsoftScopes,
	}
}

// CredentialFetcher is the broker operation token sources depend on.
type CredentialFetcher interface {
	Credentials(ctx context.Context, acct *model.Account) (*Credentials, error)
}

// TokenSources hands out one cached token source per account. Tokens are
// reused until they expire. With an OAuth client configured and a refresh
// token available, refresh goes straight to the provider; otherwise the
// broker is asked again.
type TokenSources struct {
	broker CredentialFetcher
	oauth  *oauth2.Config

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewTokenSources creates a cache over broker. oc may be nil.
func NewTokenSources(broker CredentialFetcher, oc *oauth2.Config) *TokenSources {
	return &TokenSources{
		broker:  broker,
		oauth:   oc,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// For returns the token source of acct.
func (t *TokenSources) For(ctx context.Context, acct *model.Account) oauth2.TokenSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.sources[acct.ID]; ok {
		return ts
	}
	acctCopy := *acct
	ts := oauth2.ReuseTokenSource(nil, &brokerTokenSource{
		ctx:    context.WithoutCancel(ctx),
		broker: t.broker,
		oauth:  t.oauth,
		acct:   &acctCopy,
	})
	t.sources[acct.ID] = ts
	return ts
}

// Forget drops the cached source of an account, forcing the next call to
// ask the broker.
func (t *TokenSources) Forget(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sources, accountID)
}

type brokerTokenSource struct {
	ctx    context.Context
	broker CredentialFetcher
	oauth  *oauth2.Config
	acct   *model.Account

	mu        sync.Mutex
	refresher oauth2.TokenSource
}

func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refresher != nil {
		return s.refresher.Token()
	}
	creds, err := s.broker.Credentials(s.ctx, s.acct)
	if err != nil {
		return nil, err
	}
	tok := creds.OAuthToken()
	if s.oauth != nil && tok.RefreshToken != "" {
		s.refresher = s.oauth.TokenSource(s.ctx, tok)
		return s.refresher.Token()
	}
	return tok, nil
}
