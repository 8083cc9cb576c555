package connector

import (
	"context"

	"github.com/Martian-dev/mailmove/internal/model"
)

// Page is one page of a listing. An empty NextPageToken marks the final
// page. SyncToken, when set, is the provider's incremental cursor as of this
// listing and must be persisted.
type Page[T any] struct {
	Items         []T
	NextPageToken string
	SyncToken     string
	TotalEstimate int64
}

// Changes is the result of an incremental query. NewSyncToken must be
// passed to the next call.
type Changes[T any] struct {
	Added        []T
	Modified     []T
	DeletedIDs   []string
	NewSyncToken string
}

// Connector is the complete set of operations the engine performs against
// one kind of data on one provider. An empty page token starts a listing
// from the beginning. Calling IncrementalChanges with an empty sync token
// returns no changes and the provider's current cursor.
type Connector[T any] interface {
	ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*Page[T], error)
	Get(ctx context.Context, acct *model.Account, id string) (T, error)
	Create(ctx context.Context, acct *model.Account, item T) (string, error)
	Update(ctx context.Context, acct *model.Account, id string, item T) error
	Delete(ctx context.Context, acct *model.Account, id string) error
	Count(ctx context.Context, acct *model.Account) (int64, error)
	IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*Changes[T], error)
}

type (
	MessageConnector = Connector[*model.Message]
	ContactConnector = Connector[*model.Contact]
	EventConnector   = Connector[*model.Event]
)

// StatsProvider is implemented by message connectors that can summarise a
// mailbox cheaply.
type StatsProvider interface {
	Stats(ctx context.Context, acct *model.Account) (*model.MessageStats, error)
}

// CalendarLister is implemented by event connectors that expose the
// account's calendars.
type CalendarLister interface {
	ListCalendars(ctx context.Context, acct *model.Account) ([]model.Calendar, error)
}
