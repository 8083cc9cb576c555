package checkpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store/sqlite"
)

func newService(t *testing.T, jobIDs ...string) *Service {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "cp.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, id := range jobIDs {
		require.NoError(t, s.CreateJob(context.Background(), &model.Job{
			ID: id, Name: id, SourceAccountID: "src", TargetAccountID: "dst",
			DataTypes: model.AllDataTypesEnabled(), Phase: model.PhaseInitialSync, Status: model.StatusRunning,
		}))
	}
	return New(s)
}

func TestUpdatePageTokenCommitsPageAndCounters(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "job-1")

	j, err := svc.UpdatePageToken(ctx, "job-1", model.DataTypeEmails, model.ProviderGoogle, Page{
		NextPageToken: "page-2", SyncToken: "history-1", Processed: 10, LastItemID: "m10", Migrated: 9, Failed: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Counter{Total: 10, Migrated: 9, Failed: 1}, j.Emails)

	cp, err := svc.GetOrCreate(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.Equal(t, "page-2", cp.PageToken)
	assert.False(t, cp.ListingComplete)
	assert.Equal(t, "history-1", cp.HistoryID)
	assert.Equal(t, int64(10), cp.ProcessedCount)
	assert.Equal(t, "m10", cp.LastItemID)

	j, err = svc.UpdatePageToken(ctx, "job-1", model.DataTypeEmails, model.ProviderGoogle, Page{Processed: 5, LastItemID: "m15", Migrated: 5})
	require.NoError(t, err)
	assert.Equal(t, model.Counter{Total: 15, Migrated: 14, Failed: 1}, j.Emails)

	cp, err = svc.GetOrCreate(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.Empty(t, cp.PageToken)
	assert.True(t, cp.ListingComplete, "the last page ends the listing")
	assert.False(t, cp.InitialSyncComplete)
	assert.Equal(t, "history-1", cp.HistoryID, "an empty token keeps the stored cursor")
	assert.Equal(t, int64(15), cp.ProcessedCount)
}

func TestSyncTokenFollowsSourceProvider(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "job-1", "job-2")

	_, err := svc.UpdateSyncToken(ctx, "job-1", model.DataTypeEmails, model.ProviderGoogle, "12345", model.Counter{})
	require.NoError(t, err)
	_, err = svc.UpdateSyncToken(ctx, "job-2", model.DataTypeEmails, model.ProviderMicrosoft, "https://graph/delta?token=x", model.Counter{})
	require.NoError(t, err)

	cp, err := svc.GetOrCreate(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.Equal(t, "12345", cp.HistoryID)
	assert.Empty(t, cp.DeltaToken)

	tok, err := svc.SyncToken(ctx, "job-2", model.DataTypeEmails, model.ProviderMicrosoft)
	require.NoError(t, err)
	assert.Equal(t, "https://graph/delta?token=x", tok)
	tok, err = svc.SyncToken(ctx, "job-2", model.DataTypeEmails, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestUpdateSyncTokenAddsCounts(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "job-1")

	_, err := svc.UpdatePageToken(ctx, "job-1", model.DataTypeContacts, model.ProviderGoogle, Page{Processed: 4, Migrated: 4})
	require.NoError(t, err)
	j, err := svc.UpdateSyncToken(ctx, "job-1", model.DataTypeContacts, model.ProviderGoogle, "", model.Counter{Total: 3, Migrated: 2, Failed: 1})
	require.NoError(t, err)

	assert.Equal(t, model.Counter{Total: 7, Migrated: 6, Failed: 1}, j.Contacts)
	assert.NotNil(t, j.LastSyncAt)

	cp, err := svc.GetOrCreate(ctx, "job-1", model.DataTypeContacts)
	require.NoError(t, err)
	assert.NotNil(t, cp.LastSyncAt)
	assert.Empty(t, cp.HistoryID)
}

func TestMarkInitialSyncCompleteSetsFlagAndToken(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "job-1")

	_, err := svc.UpdatePageToken(ctx, "job-1", model.DataTypeContacts, model.ProviderGoogle, Page{NextPageToken: "page-3", Processed: 1})
	require.NoError(t, err)
	require.NoError(t, svc.MarkInitialSyncComplete(ctx, "job-1", model.DataTypeContacts, model.ProviderGoogle, "sync-9"))

	cp, err := svc.GetOrCreate(ctx, "job-1", model.DataTypeContacts)
	require.NoError(t, err)
	assert.True(t, cp.InitialSyncComplete)
	assert.True(t, cp.ListingComplete)
	assert.Equal(t, "sync-9", cp.HistoryID)
	assert.Empty(t, cp.PageToken)
	assert.NotNil(t, cp.LastSyncAt)

	done, err := svc.IsInitialSyncComplete(ctx, "job-1", model.DataTypeContacts)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestMarkInitialSyncCompleteKeepsEarlierToken(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "job-1")

	_, err := svc.UpdateSyncToken(ctx, "job-1", model.DataTypeEmails, model.ProviderGoogle, "777", model.Counter{})
	require.NoError(t, err)
	require.NoError(t, svc.MarkInitialSyncComplete(ctx, "job-1", model.DataTypeEmails, model.ProviderGoogle, ""))

	tok, err := svc.SyncToken(ctx, "job-1", model.DataTypeEmails, model.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, "777", tok)
}

func TestClearResetsCheckpointAndCounters(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "job-1")

	_, err := svc.UpdatePageToken(ctx, "job-1", model.DataTypeCalendars, model.ProviderMicrosoft, Page{
		NextPageToken: "p2", Processed: 40, LastItemID: "evt-40", Migrated: 40,
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkInitialSyncComplete(ctx, "job-1", model.DataTypeCalendars, model.ProviderMicrosoft, "delta"))

	j, err := svc.Clear(ctx, "job-1", model.DataTypeCalendars, nil)
	require.NoError(t, err)
	assert.Equal(t, model.Counter{}, j.Events)

	cp, err := svc.GetOrCreate(ctx, "job-1", model.DataTypeCalendars)
	require.NoError(t, err)
	assert.False(t, cp.InitialSyncComplete)
	assert.False(t, cp.ListingComplete)
	assert.Empty(t, cp.PageToken)
	assert.Empty(t, cp.DeltaToken)
	assert.Zero(t, cp.ProcessedCount)
	assert.Empty(t, cp.LastItemID)

	list, err := svc.List(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestClearRefusedByCheckWritesNothing(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, "job-1")

	_, err := svc.UpdatePageToken(ctx, "job-1", model.DataTypeEmails, model.ProviderGoogle, Page{NextPageToken: "p2", Processed: 2, Migrated: 2})
	require.NoError(t, err)

	refused := errors.New("job is running")
	_, err = svc.Clear(ctx, "job-1", model.DataTypeEmails, func(*model.Job) error { return refused })
	assert.ErrorIs(t, err, refused)

	cp, err := svc.GetOrCreate(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.Equal(t, "p2", cp.PageToken)
	assert.Equal(t, int64(2), cp.ProcessedCount)
}
