package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/auth"
	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/engine"
	"github.com/Martian-dev/mailmove/internal/jobs"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPool struct {
	err    error
	active map[string]bool
}

func (p *stubPool) Submit(string) error     { return p.err }
func (p *stubPool) IsActive(id string) bool { return p.active[id] }

type staticAuth struct{ token string }

func (a staticAuth) OperatorFromRequest(r *http.Request) (*auth.Operator, error) {
	if r.Header.Get("Authorization") != "Bearer "+a.token {
		return nil, errors.New("bad token")
	}
	return &auth.Operator{ID: "op-1", Email: "ops@example.com"}, nil
}

// nopConnector accepts every write and lists nothing.
type nopConnector[T any] struct{}

func (nopConnector[T]) ListPage(context.Context, *model.Account, string, int) (*connector.Page[T], error) {
	return &connector.Page[T]{}, nil
}

func (nopConnector[T]) Get(context.Context, *model.Account, string) (T, error) {
	var zero T
	return zero, connector.Errorf(connector.KindNotFound, "get", "not found")
}

func (nopConnector[T]) Create(context.Context, *model.Account, T) (string, error) { return "", nil }
func (nopConnector[T]) Update(context.Context, *model.Account, string, T) error   { return nil }
func (nopConnector[T]) Delete(context.Context, *model.Account, string) error      { return nil }
func (nopConnector[T]) Count(context.Context, *model.Account) (int64, error)      { return 0, nil }

func (nopConnector[T]) IncrementalChanges(context.Context, *model.Account, string) (*connector.Changes[T], error) {
	return &connector.Changes[T]{}, nil
}

type mailbox struct {
	nopConnector[*model.Message]
	count int64
	err   error
}

func (m mailbox) Count(context.Context, *model.Account) (int64, error) { return m.count, m.err }

type statsMailbox struct {
	mailbox
	stats model.MessageStats
}

func (m statsMailbox) Stats(context.Context, *model.Account) (*model.MessageStats, error) {
	st := m.stats
	return &st, nil
}

type calendarSource struct {
	nopConnector[*model.Event]
	calendars []model.Calendar
}

func (c calendarSource) ListCalendars(context.Context, *model.Account) ([]model.Calendar, error) {
	return c.calendars, nil
}

func testRegistry() *connector.Registry {
	reg := connector.NewRegistry()
	reg.Register(model.ProviderGoogle, connector.Set{
		Messages: statsMailbox{stats: model.MessageStats{Total: 120, Unread: 3, Drafts: 2}},
		Events: calendarSource{calendars: []model.Calendar{
			{ID: "primary", Name: "Ana", Primary: true},
			{ID: "team@group.calendar.google.com", Name: "Team"},
		}},
	})
	reg.Register(model.ProviderMicrosoft, connector.Set{Messages: mailbox{count: 7}})
	reg.Register(model.ProviderIMAP, connector.Set{
		Messages: mailbox{err: connector.Errorf(connector.KindAuthExpired, "login", "invalid credentials")},
	})
	return reg
}

type testServer struct {
	handler http.Handler
	pool    *stubPool
}

func newTestServer(t *testing.T, authn Authenticator) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pool := &stubPool{active: map[string]bool{}}
	svc := jobs.New(st, testRegistry(), pool, nil, logger)
	return &testServer{handler: New(svc, authn, logger).Handler(), pool: pool}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// seed creates two accounts and a draft job between them.
func (ts *testServer) seed(t *testing.T) model.Job {
	t.Helper()
	for _, a := range []map[string]any{
		{"provider": "GOOGLE", "email": "ana@gmail.com"},
		{"provider": "MICROSOFT", "email": "ana@contoso.com"},
	} {
		w := ts.do(t, http.MethodPost, "/api/v1/accounts", a)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	accts := decode[[]model.Account](t, ts.do(t, http.MethodGet, "/api/v1/accounts", nil))
	require.Len(t, accts, 2)

	w := ts.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"name":              "ana",
		"source_account_id": accts[0].ID,
		"target_account_id": accts[1].ID,
		"data_types":        []string{"emails", "contacts"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.Job](t, w)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, staticAuth{token: "t"})
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAccounts(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"provider": "IMAP", "email": "bob@example.org", "host": "imap.example.org"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	acct := decode[model.Account](t, w)
	assert.Equal(t, 993, acct.Port)
	assert.Equal(t, model.AccountConnected, acct.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"provider": "YAHOO", "email": "x@y.z"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"email": "x@y.z"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+acct.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAccountStatsAndCalendars(t *testing.T) {
	ts := newTestServer(t, nil)
	create := func(body map[string]any) string {
		w := ts.do(t, http.MethodPost, "/api/v1/accounts", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		return decode[model.Account](t, w).ID
	}
	gmail := create(map[string]any{"provider": "GOOGLE", "email": "ana@gmail.com"})
	o365 := create(map[string]any{"provider": "MICROSOFT", "email": "ana@contoso.com"})
	imap := create(map[string]any{"provider": "IMAP", "email": "ana@example.org", "host": "imap.example.org"})

	w := ts.do(t, http.MethodGet, "/api/v1/accounts/"+gmail+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.MessageStats{Total: 120, Unread: 3, Drafts: 2}, decode[model.MessageStats](t, w))

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+o365+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.MessageStats{Total: 7}, decode[model.MessageStats](t, w), "count stands in for stats")

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+imap+"/stats", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/missing/stats", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+gmail+"/calendars", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cals := decode[[]model.Calendar](t, w)
	require.Len(t, cals, 2)
	assert.True(t, cals[0].Primary)

	w = ts.do(t, http.MethodGet, "/api/v1/accounts/"+o365+"/calendars", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestCreateJob(t *testing.T) {
	ts := newTestServer(t, nil)
	job := ts.seed(t)

	assert.Equal(t, model.StatusDraft, job.Status)
	assert.Equal(t, model.PhaseInitialSync, job.Phase)
	assert.Equal(t, model.DataTypeSet{Emails: true, Contacts: true}, job.DataTypes)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"same account", map[string]any{"name": "x", "source_account_id": job.SourceAccountID, "target_account_id": job.SourceAccountID}, http.StatusUnprocessableEntity},
		{"unknown data type", map[string]any{"name": "x", "source_account_id": job.SourceAccountID, "target_account_id": job.TargetAccountID, "data_types": []string{"tasks"}}, http.StatusUnprocessableEntity},
		{"unknown account", map[string]any{"name": "x", "source_account_id": "nope", "target_account_id": job.TargetAccountID}, http.StatusNotFound},
		{"missing name", map[string]any{"source_account_id": job.SourceAccountID, "target_account_id": job.TargetAccountID}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	list := decode[[]model.Job](t, ts.do(t, http.MethodGet, "/api/v1/jobs?status=DRAFT", nil))
	assert.Len(t, list, 1)
	list = decode[[]model.Job](t, ts.do(t, http.MethodGet, "/api/v1/jobs?status=RUNNING", nil))
	assert.Empty(t, list)
}

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	job := ts.seed(t)
	base := "/api/v1/jobs/" + job.ID

	w := ts.do(t, http.MethodPost, base+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusRunning, decode[model.Job](t, w).Status)

	w = ts.do(t, http.MethodPost, base+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, base+"/incremental", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "still in initial sync")

	w = ts.do(t, http.MethodPost, base+"/restart/emails", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.StatusPaused, decode[model.Job](t, w).Status)

	w = ts.do(t, http.MethodPost, base+"/restart/calendars", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "calendars not enabled")

	w = ts.do(t, http.MethodPost, base+"/restart/tasks", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPost, base+"/restart/contacts", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, base+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[model.Progress](t, w)
	assert.Equal(t, job.ID, p.JobID)
	assert.Equal(t, model.StatusPaused, p.Status)

	w = ts.do(t, http.MethodGet, base+"/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.MigrationLog](t, w), 2)

	w = ts.do(t, http.MethodGet, base+"/logs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, base+"/go-live", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaturatedPool(t *testing.T) {
	ts := newTestServer(t, nil)
	job := ts.seed(t)
	ts.pool.err = engine.ErrPoolSaturated

	w := ts.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	got := decode[model.Job](t, ts.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil))
	assert.Equal(t, model.StatusDraft, got.Status)
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, staticAuth{token: "good"})

	w := ts.do(t, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs", nil, "Authorization", "Bearer bad")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/jobs", nil, "Authorization", "Bearer good")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&model.TransitionError{Op: model.OpPause, From: model.StatusDraft}, http.StatusConflict},
		{jobs.ErrSameAccount, http.StatusUnprocessableEntity},
		{engine.ErrPoolSaturated, http.StatusServiceUnavailable},
		{fmt.Errorf("stats: %w", connector.ErrUnsupported), http.StatusUnprocessableEntity},
		{connector.Errorf(connector.KindTransient, "count", "timeout"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
