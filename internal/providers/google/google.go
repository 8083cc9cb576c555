// Package google implements the message, contact and event connectors for
// Google accounts on top of the Gmail, People and Calendar APIs.
package google

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

// Tokens resolves the OAuth token source of an account.
type Tokens interface {
	For(ctx context.Context, acct *model.Account) oauth2.TokenSource
}

// Client holds what the three connectors share. Services are built per
// call because every call may target a different account.
type Client struct {
	tokens Tokens
	logger *slog.Logger

	// endpoint and http replace the Google endpoints and the OAuth client;
	// both are set together by tests.
	endpoint string
	http     *http.Client
}

// New creates a client that authenticates every call with tokens.
func New(tokens Tokens, logger *slog.Logger) *Client {
	return &Client{tokens: tokens, logger: logger}
}

// Set returns the connectors to register for model.ProviderGoogle.
func (c *Client) Set() connector.Set {
	return connector.Set{
		Messages: &Messages{c: c},
		Contacts: &Contacts{c: c},
		Events:   &Events{c: c},
	}
}

func (c *Client) options(ctx context.Context, acct *model.Account) []option.ClientOption {
	if c.http != nil {
		return []option.ClientOption{option.WithHTTPClient(c.http), option.WithEndpoint(c.endpoint)}
	}
	return []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, c.tokens.For(ctx, acct)))}
}

// classify translates a Google API failure into a connector error kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return connector.E(connector.KindOf(err), op, err)
	}
	kind := connector.HTTPKind(gerr.Code)
	switch {
	case gerr.Code == http.StatusForbidden && rateLimited(gerr):
		kind = connector.KindRateLimited
	case gerr.Code == http.StatusBadRequest && expiredSyncToken(gerr):
		kind = connector.KindTokenExpired
	}
	return connector.E(kind, op, err)
}

func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// People reports an expired sync token as a 400 FAILED_PRECONDITION with
// reason EXPIRED_SYNC_TOKEN.
func expiredSyncToken(gerr *googleapi.Error) bool {
	return strings.Contains(gerr.Error(), "EXPIRED_SYNC_TOKEN") ||
		strings.Contains(strings.ToLower(gerr.Message), "sync token is expired")
}
