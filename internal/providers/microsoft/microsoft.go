// Package microsoft implements the message, contact and event connectors
// for Microsoft 365 accounts on top of Microsoft Graph.
package microsoft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

// Tokens resolves the OAuth token source of an account.
type Tokens interface {
	For(ctx context.Context, acct *model.Account) oauth2.TokenSource
}

// Client holds one Graph client per account and the connectors built on
// it.
type Client struct {
	tokens Tokens
	logger *slog.Logger

	// endpoint replaces the Graph base URL with an unauthenticated one.
	// Tests point it at a local server.
	endpoint string

	mu      sync.Mutex
	clients map[string]*msgraphsdk.GraphServiceClient
}

// New creates a client that authenticates every account through tokens.
func New(tokens Tokens, logger *slog.Logger) *Client {
	return &Client{
		tokens:  tokens,
		logger:  logger,
		clients: make(map[string]*msgraphsdk.GraphServiceClient),
	}
}

// Set returns the connectors to register for model.ProviderMicrosoft.
func (c *Client) Set() connector.Set {
	return connector.Set{
		Messages: &Messages{c: c},
		Contacts: &Contacts{c: c},
		Events:   &Events{c: c},
	}
}

// user returns the Graph request builder of the account's mailbox.
func (c *Client) user(ctx context.Context, acct *model.Account) (*users.UserItemRequestBuilder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, ok := c.clients[acct.ID]
	if !ok {
		var err error
		client, err = c.newGraphClient(ctx, acct)
		if err != nil {
			return nil, connector.E(connector.KindPermanent, "graph", fmt.Errorf("create Graph client: %w", err))
		}
		c.clients[acct.ID] = client
	}
	return client.Users().ByUserId(acct.Email), nil
}

func (c *Client) newGraphClient(ctx context.Context, acct *model.Account) (*msgraphsdk.GraphServiceClient, error) {
	if c.endpoint == "" {
		cred := &tokenCredential{source: c.tokens.For(ctx, acct)}
		return msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapter(&authentication.AnonymousAuthenticationProvider{})
	if err != nil {
		return nil, err
	}
	adapter.SetBaseUrl(c.endpoint)
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

// tokenCredential adapts an oauth2 token source to the azcore credential
// the Graph SDK authenticates with.
type tokenCredential struct {
	source oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.source.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

// classify translates a Graph failure into a connector error kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		kind := connector.HTTPKind(oerr.ResponseStatusCode)
		if main := oerr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
			switch *main.GetCode() {
			case "SyncStateNotFound", "syncStateNotFound", "SyncStateInvalid", "syncStateInvalid":
				kind = connector.KindTokenExpired
			case "ErrorItemNotFound":
				kind = connector.KindNotFound
			}
			return connector.E(kind, op, fmt.Errorf("%s: %s", *main.GetCode(), deref(main.GetMessage())))
		}
		return connector.E(kind, op, err)
	}
	var aerr *abstractions.ApiError
	if errors.As(err, &aerr) {
		return connector.E(connector.HTTPKind(aerr.ResponseStatusCode), op, err)
	}
	return connector.E(connector.KindOf(err), op, err)
}

// gone reports whether a delta item is a tombstone.
func gone(additional map[string]any) bool {
	_, ok := additional["@removed"]
	return ok
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
