package imap

import (
	"context"
	"net"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/auth"
	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

type staticSecret string

func (s staticSecret) Credentials(context.Context, *model.Account) (*auth.Credentials, error) {
	return &auth.Credentials{Secret: string(s)}, nil
}

// startServer runs the go-imap in-memory backend. It has one user
// ("username"/"password") whose INBOX holds a single seen message.
func startServer(t *testing.T) *model.Account {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	return &model.Account{
		ID:       "acct-imap",
		Provider: model.ProviderIMAP,
		Email:    "user@example.org",
		Username: "username",
		Host:     "127.0.0.1",
		Port:     l.Addr().(*net.TCPAddr).Port,
	}
}

func newTestMessages(secret string) *Messages {
	return New(staticSecret(secret), Config{Plaintext: true, Timeout: 5 * time.Second}, nil)
}

func TestListPageReadsInbox(t *testing.T) {
	acct := startServer(t)
	m := newTestMessages("password")

	page, err := m.ListPage(context.Background(), acct, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextPageToken)
	assert.NotEmpty(t, page.SyncToken)
	assert.EqualValues(t, 1, page.TotalEstimate)

	msg := page.Items[0]
	assert.Equal(t, "A little message, just for you", msg.Subject)
	assert.True(t, msg.Read)
	assert.Equal(t, []string{"Inbox"}, msg.Labels)

	_, uid, name, err := parseItemID(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "INBOX", name)
	assert.NotZero(t, uid)
}

func TestCreateGetAndCount(t *testing.T) {
	acct := startServer(t)
	m := newTestMessages("password")
	ctx := context.Background()

	id, err := m.Create(ctx, acct, &model.Message{
		Subject:  "Quarterly numbers",
		From:     "cfo@example.org",
		To:       []string{"user@example.org"},
		BodyText: "See attached.",
		SentAt:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Starred:  true,
		Labels:   []string{"Inbox"},
	})
	require.NoError(t, err)

	got, err := m.Get(ctx, acct, id)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly numbers", got.Subject)
	assert.True(t, got.Starred)
	assert.False(t, got.Read)

	n, err := m.Count(ctx, acct)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCreateInCustomMailboxAndPaging(t *testing.T) {
	acct := startServer(t)
	m := newTestMessages("password")
	ctx := context.Background()

	for _, subject := range []string{"one", "two"} {
		_, err := m.Create(ctx, acct, &model.Message{Subject: subject, From: "a@example.org", BodyText: subject, Labels: []string{"Projects"}})
		require.NoError(t, err)
	}

	var subjects []string
	token := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10)
		page, err := m.ListPage(ctx, acct, token, 1)
		require.NoError(t, err)
		for _, it := range page.Items {
			subjects = append(subjects, it.Subject)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []string{"A little message, just for you", "one", "two"}, subjects)
}

func TestUpdateAndDelete(t *testing.T) {
	acct := startServer(t)
	m := newTestMessages("password")
	ctx := context.Background()

	page, err := m.ListPage(ctx, acct, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	id := page.Items[0].ID

	require.NoError(t, m.Update(ctx, acct, id, &model.Message{Starred: true}))
	got, err := m.Get(ctx, acct, id)
	require.NoError(t, err)
	assert.False(t, got.Read)
	assert.True(t, got.Starred)

	require.NoError(t, m.Delete(ctx, acct, id))
	_, err = m.Get(ctx, acct, id)
	assert.True(t, connector.IsKind(err, connector.KindNotFound))
}

func TestIncrementalChanges(t *testing.T) {
	acct := startServer(t)
	m := newTestMessages("password")
	ctx := context.Background()

	initial, err := m.IncrementalChanges(ctx, acct, "")
	require.NoError(t, err)
	assert.Empty(t, initial.Added)
	require.NotEmpty(t, initial.NewSyncToken)

	_, err = m.Create(ctx, acct, &model.Message{Subject: "late arrival", From: "a@example.org", BodyText: "hi"})
	require.NoError(t, err)

	changes, err := m.IncrementalChanges(ctx, acct, initial.NewSyncToken)
	require.NoError(t, err)
	require.Len(t, changes.Added, 1)
	assert.Equal(t, "late arrival", changes.Added[0].Subject)
	assert.NotEqual(t, initial.NewSyncToken, changes.NewSyncToken)

	again, err := m.IncrementalChanges(ctx, acct, changes.NewSyncToken)
	require.NoError(t, err)
	assert.Empty(t, again.Added)
}

func TestIncrementalChangesRejectsStaleCursor(t *testing.T) {
	acct := startServer(t)
	m := newTestMessages("password")
	ctx := context.Background()

	_, err := m.IncrementalChanges(ctx, acct, "not json")
	assert.True(t, connector.IsKind(err, connector.KindTokenExpired))

	stale, err := encodeState(map[string]cursor{"INBOX": {Validity: 999, Next: 1}})
	require.NoError(t, err)
	_, err = m.IncrementalChanges(ctx, acct, stale)
	assert.True(t, connector.IsKind(err, connector.KindTokenExpired))
}

func TestWrongPassword(t *testing.T) {
	acct := startServer(t)
	m := newTestMessages("nope")

	_, err := m.Count(context.Background(), acct)
	assert.True(t, connector.IsKind(err, connector.KindAuthExpired))
}

func TestUnreachableServerIsTransient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	m := newTestMessages("password")
	_, err = m.Count(context.Background(), &model.Account{ID: "x", Host: "127.0.0.1", Port: port, Email: "a@b"})
	assert.True(t, connector.IsKind(err, connector.KindTransient))
}

func TestParseItemID(t *testing.T) {
	v, uid, name, err := parseItemID("7:42:Archive/2023")
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
	assert.EqualValues(t, 42, uid)
	assert.Equal(t, "Archive/2023", name)

	for _, bad := range []string{"", "7:42", "x:1:INBOX", "1:y:INBOX"} {
		_, _, _, err := parseItemID(bad)
		assert.True(t, connector.IsKind(err, connector.KindNotFound), bad)
	}
}

func TestParsePageToken(t *testing.T) {
	after, name, err := parsePageToken("")
	require.NoError(t, err)
	assert.Zero(t, after)
	assert.Empty(t, name)

	after, name, err = parsePageToken("12:Sent:Old")
	require.NoError(t, err)
	assert.EqualValues(t, 12, after)
	assert.Equal(t, "Sent:Old", name)

	_, _, err = parsePageToken("garbage")
	assert.Error(t, err)
}

func TestFolderNames(t *testing.T) {
	tests := []struct {
		info *goimap.MailboxInfo
		want string
	}{
		{&goimap.MailboxInfo{Name: "INBOX"}, "Inbox"},
		{&goimap.MailboxInfo{Name: "Sent Messages", Attributes: []string{goimap.SentAttr}}, "SentItems"},
		{&goimap.MailboxInfo{Name: "Bin", Attributes: []string{goimap.TrashAttr}}, "DeletedItems"},
		{&goimap.MailboxInfo{Name: "Receipts"}, "Receipts"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, folderName(tt.info), tt.info.Name)
	}

	assert.True(t, skipMailbox([]string{goimap.AllAttr}))
	assert.True(t, skipMailbox([]string{goimap.NoSelectAttr}))
	assert.False(t, skipMailbox([]string{goimap.SentAttr}))
}
