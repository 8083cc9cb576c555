package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store/sqlite"
)

// fakeConnector serves items in pages addressed by "p<offset>" tokens and
// records every write.
type fakeConnector[T item] struct {
	mu         sync.Mutex
	items      []T
	syncToken  string
	listErr    error
	listTokens []string
	createErr  map[string]error
	created    []T
	targetIDs  map[string]bool
	updated    []string
	deleted    []string
	count      int64
	changes    func(token string) (*connector.Changes[T], error)
}

func newFake[T item](items ...T) *fakeConnector[T] {
	return &fakeConnector[T]{items: items, createErr: map[string]error{}, targetIDs: map[string]bool{}, count: -1}
}

func (f *fakeConnector[T]) ListPage(_ context.Context, _ *model.Account, pageToken string, maxResults int) (*connector.Page[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listTokens = append(f.listTokens, pageToken)
	if f.listErr != nil {
		return nil, f.listErr
	}
	start := 0
	if pageToken != "" {
		if _, err := fmt.Sscanf(pageToken, "p%d", &start); err != nil {
			return nil, connector.E(connector.KindPermanent, "list", err)
		}
	}
	end := min(start+maxResults, len(f.items))
	page := &connector.Page[T]{Items: f.items[start:end], TotalEstimate: int64(len(f.items))}
	if end < len(f.items) {
		page.NextPageToken = fmt.Sprintf("p%d", end)
	} else {
		page.SyncToken = f.syncToken
	}
	return page, nil
}

func (f *fakeConnector[T]) Get(context.Context, *model.Account, string) (T, error) {
	var zero T
	return zero, connector.Errorf(connector.KindNotFound, "get", "not found")
}

func (f *fakeConnector[T]) Create(_ context.Context, _ *model.Account, it T) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[it.ItemID()]; err != nil {
		return "", err
	}
	f.created = append(f.created, it)
	id := "t-" + it.ItemID()
	f.targetIDs[id] = true
	return id, nil
}

func (f *fakeConnector[T]) Update(_ context.Context, _ *model.Account, id string, _ T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.targetIDs[id] {
		return connector.Errorf(connector.KindNotFound, "update", "%s not found", id)
	}
	f.updated = append(f.updated, id)
	return nil
}

func (f *fakeConnector[T]) Delete(_ context.Context, _ *model.Account, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.targetIDs, id)
	return nil
}

func (f *fakeConnector[T]) Count(context.Context, *model.Account) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.count >= 0 {
		return f.count, nil
	}
	return int64(len(f.items) + len(f.targetIDs)), nil
}

func (f *fakeConnector[T]) IncrementalChanges(_ context.Context, _ *model.Account, token string) (*connector.Changes[T], error) {
	if f.changes != nil {
		return f.changes(token)
	}
	return &connector.Changes[T]{NewSyncToken: "cursor-0"}, nil
}

func (f *fakeConnector[T]) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.created))
	for _, it := range f.created {
		ids = append(ids, it.ItemID())
	}
	return ids
}

func messages(n int) []*model.Message {
	out := make([]*model.Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, &model.Message{ID: fmt.Sprintf("m%02d", i), Subject: fmt.Sprintf("message %d", i), Labels: []string{"INBOX"}})
	}
	return out
}

func contacts(n int) []*model.Contact {
	out := make([]*model.Contact, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, &model.Contact{ID: fmt.Sprintf("c%02d", i), GivenName: fmt.Sprintf("Person %d", i)})
	}
	return out
}

// recorder collects published snapshots and can react to them.
type recorder struct {
	mu     sync.Mutex
	events []model.Progress
	hook   func(p model.Progress)
}

func (r *recorder) Publish(_ context.Context, _ string, p model.Progress) error {
	r.mu.Lock()
	r.events = append(r.events, p)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type harness struct {
	store  *sqlite.Store
	engine *Engine
	rec    *recorder
	srcMsg *fakeConnector[*model.Message]
	dstMsg *fakeConnector[*model.Message]
	srcCon *fakeConnector[*model.Contact]
	dstCon *fakeConnector[*model.Contact]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		BatchSize:       10,
		ProgressEvery:   10,
		VerifyTolerance: 0.01,
		Retry:           connector.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
}

// newHarness wires a Google source and a Microsoft target around fake
// connectors and a SQLite store.
func newHarness(t *testing.T, nMessages, nContacts int, cfg Config) *harness {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "engine.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:  st,
		rec:    &recorder{},
		srcMsg: newFake(messages(nMessages)...),
		dstMsg: newFake[*model.Message](),
		srcCon: newFake(contacts(nContacts)...),
		dstCon: newFake[*model.Contact](),
	}
	reg := connector.NewRegistry()
	reg.Register(model.ProviderGoogle, connector.Set{Messages: h.srcMsg, Contacts: h.srcCon})
	reg.Register(model.ProviderMicrosoft, connector.Set{Messages: h.dstMsg, Contacts: h.dstCon})
	h.engine = New(st, reg, h.rec, cfg, quietLogger())

	ctx := context.Background()
	require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: "src", Provider: model.ProviderGoogle, Email: "a@gmail.com", Status: model.AccountConnected}))
	require.NoError(t, st.CreateAccount(ctx, &model.Account{ID: "dst", Provider: model.ProviderMicrosoft, Email: "a@contoso.com", Status: model.AccountConnected}))
	return h
}

// createJob stores a RUNNING job in phase INITIAL_SYNC.
func (h *harness) createJob(t *testing.T, id string, types model.DataTypeSet) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.store.CreateJob(context.Background(), &model.Job{
		ID: id, Name: id, SourceAccountID: "src", TargetAccountID: "dst",
		DataTypes: types, Phase: model.PhaseInitialSync, Status: model.StatusRunning, StartedAt: &now,
	}))
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) checkpoint(t *testing.T, id string, dt model.DataType) *model.Checkpoint {
	t.Helper()
	cp, err := h.store.GetOrCreateCheckpoint(context.Background(), id, dt)
	require.NoError(t, err)
	return cp
}

func (h *harness) logs(t *testing.T, id string, level model.LogLevel) []model.MigrationLog {
	t.Helper()
	all, err := h.store.ListLogs(context.Background(), id, 1000)
	require.NoError(t, err)
	var out []model.MigrationLog
	for _, l := range all {
		if l.Level == level {
			out = append(out, l)
		}
	}
	return out
}
