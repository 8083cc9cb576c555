package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

// Credentials is what the broker holds for one account. OAuth accounts
// carry tokens; IMAP accounts carry Secret (an app password).
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Secret       string
}

// OAuthToken converts the credentials to an oauth2 token.
func (c *Credentials) OAuthToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// BrokerClient fetches per-account credentials from the external token
// service. The broker owns storage and refresh of the provider grants.
type BrokerClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewBrokerClient creates a client for the broker at baseURL that
// authenticates with a service bearer token.
func NewBrokerClient(baseURL, serviceToken string) *BrokerClient {
	return &BrokerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   serviceToken,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Credentials fetches the current credentials of acct. A broker that does
// not know the account yields an AuthExpired connector error.
func (c *BrokerClient) Credentials(ctx context.Context, acct *model.Account) (*Credentials, error) {
	const op = "credentials"
	u := fmt.Sprintf("%s/api/accounts/%s/credentials", c.baseURL, url.PathEscape(acct.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, connector.E(connector.KindPermanent, op, fmt.Errorf("create request: %w", err))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, connector.E(connector.KindTransient, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, connector.Errorf(connector.KindAuthExpired, op, "no credentials for account %s", acct.ID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, connector.Errorf(connector.HTTPKind(resp.StatusCode), op, "bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
		Secret       string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, connector.E(connector.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}

	creds := &Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Secret:       result.Secret,
	}
	if result.ExpiresAt > 0 {
		creds.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return creds, nil
}
