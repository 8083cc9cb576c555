// Package storetest holds a conformance suite every store backend runs.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
)

// Run exercises the persistence contract against stores built by newStore.
// Each subtest gets a fresh, empty store.
func Run(t *testing.T, newStore func(*testing.T) store.Store) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, newStore) })
	t.Run("JobRoundTrip", func(t *testing.T) { testJobRoundTrip(t, newStore) })
	t.Run("UpdateJobRollsBackOnError", func(t *testing.T) { testUpdateJobRollsBackOnError(t, newStore) })
	t.Run("UpdateJobIsAtomicUnderConcurrency", func(t *testing.T) { testUpdateJobIsAtomicUnderConcurrency(t, newStore) })
	t.Run("ListJobsFiltersByStatus", func(t *testing.T) { testListJobsFiltersByStatus(t, newStore) })
	t.Run("CheckpointGetOrCreateIsUniquePerJobAndType", func(t *testing.T) { testCheckpointGetOrCreateIsUniquePerJobAndType(t, newStore) })
	t.Run("UpdateJobAndCheckpointCommitsBoth", func(t *testing.T) { testUpdateJobAndCheckpointCommitsBoth(t, newStore) })
	t.Run("ItemsLedger", func(t *testing.T) { testItemsLedger(t, newStore) })
	t.Run("LogsNewestFirst", func(t *testing.T) { testLogsNewestFirst(t, newStore) })
	t.Run("DeleteJobCascades", func(t *testing.T) { testDeleteJobCascades(t, newStore) })
}

func seedJob(t *testing.T, s store.Store, id string) *model.Job {
	t.Helper()
	j := &model.Job{
		ID:              id,
		Name:            "migration " + id,
		SourceAccountID: "src",
		TargetAccountID: "dst",
		DataTypes:       model.AllDataTypesEnabled(),
		Phase:           model.PhaseInitialSync,
		Status:          model.StatusDraft,
	}
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func testAccounts(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)

	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	a := &model.Account{
		ID: "acc-1", Provider: model.ProviderIMAP, Email: "user@example.com",
		Host: "imap.example.com", Port: 993, Status: model.AccountConnected, TokenExpiresAt: &expires,
	}
	require.NoError(t, s.CreateAccount(ctx, a))
	assert.ErrorIs(t, s.CreateAccount(ctx, a), store.ErrConflict)

	got, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderIMAP, got.Provider)
	assert.Equal(t, 993, got.Port)
	require.NotNil(t, got.TokenExpiresAt)
	assert.True(t, got.TokenExpiresAt.Equal(expires))

	require.NoError(t, s.UpdateAccountStatus(ctx, "acc-1", model.AccountExpired))
	got, err = s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AccountExpired, got.Status)

	list, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteAccount(ctx, "acc-1"))
	_, err = s.GetAccount(ctx, "acc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAccount(ctx, "acc-1"), store.ErrNotFound)
}

func testJobRoundTrip(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)

	scheduled := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	j := seedJob(t, s, "job-1")
	_, err := s.UpdateJob(ctx, j.ID, func(j *model.Job) error {
		j.DataTypes = model.DataTypeSet{Emails: true, Calendars: true}
		j.Emails = model.Counter{Total: 10, Migrated: 4, Failed: 1}
		j.ScheduledAt = &scheduled
		j.GoLiveRequested = true
		j.LastError = "previous failure"
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.DataTypeSet{Emails: true, Calendars: true}, got.DataTypes)
	assert.Equal(t, model.Counter{Total: 10, Migrated: 4, Failed: 1}, got.Emails)
	assert.True(t, got.GoLiveRequested)
	assert.Equal(t, "previous failure", got.LastError)
	require.NotNil(t, got.ScheduledAt)
	assert.True(t, got.ScheduledAt.Equal(scheduled))
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpdateJobRollsBackOnError(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)
	seedJob(t, s, "job-1")

	boom := errors.New("rejected")
	_, err := s.UpdateJob(ctx, "job-1", func(j *model.Job) error {
		j.Status = model.StatusRunning
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, got.Status)
}

func testUpdateJobIsAtomicUnderConcurrency(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)
	seedJob(t, s, "job-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateJob(ctx, "job-1", func(j *model.Job) error {
				j.Emails.Migrated++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Emails.Migrated)
}

func testListJobsFiltersByStatus(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)
	seedJob(t, s, "a")
	seedJob(t, s, "b")
	_, err := s.UpdateJob(ctx, "b", func(j *model.Job) error { return j.Apply(model.OpStart, time.Now()) })
	require.NoError(t, err)

	all, err := s.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := s.ListJobs(ctx, store.JobFilter{Status: model.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)
}

func testCheckpointGetOrCreateIsUniquePerJobAndType(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)
	seedJob(t, s, "job-1")

	first, err := s.GetOrCreateCheckpoint(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.Empty(t, first.PageToken)
	assert.False(t, first.ListingComplete)
	assert.False(t, first.InitialSyncComplete)

	second, err := s.GetOrCreateCheckpoint(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = s.GetOrCreateCheckpoint(ctx, "job-1", model.DataTypeContacts)
	require.NoError(t, err)

	list, err := s.ListCheckpoints(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func testUpdateJobAndCheckpointCommitsBoth(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)
	seedJob(t, s, "job-1")

	_, _, err := s.UpdateJobAndCheckpoint(ctx, "job-1", model.DataTypeEmails, func(j *model.Job, cp *model.Checkpoint) error {
		cp.PageToken = "page-2"
		cp.ProcessedCount = 10
		j.Emails.Migrated = 10
		return nil
	})
	require.NoError(t, err)

	_, _, err = s.UpdateJobAndCheckpoint(ctx, "job-1", model.DataTypeEmails, func(j *model.Job, cp *model.Checkpoint) error {
		cp.PageToken = ""
		cp.ListingComplete = true
		j.Emails.Migrated = 20
		return errors.New("abort")
	})
	require.Error(t, err)

	cp, err := s.GetOrCreateCheckpoint(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.Equal(t, "page-2", cp.PageToken)
	assert.False(t, cp.ListingComplete)
	assert.Equal(t, int64(10), cp.ProcessedCount)

	_, _, err = s.UpdateJobAndCheckpoint(ctx, "job-1", model.DataTypeEmails, func(j *model.Job, cp *model.Checkpoint) error {
		cp.PageToken = ""
		cp.ListingComplete = true
		return nil
	})
	require.NoError(t, err)
	cp, err = s.GetOrCreateCheckpoint(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	assert.True(t, cp.ListingComplete)

	j, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), j.Emails.Migrated)
}

func testItemsLedger(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveItem(ctx, &model.MigratedItem{
		JobID: "job-1", DataType: model.DataTypeEmails, SourceID: "m1", TargetID: "t1", Status: model.ItemSucceeded,
	}))
	require.NoError(t, s.SaveItem(ctx, &model.MigratedItem{
		JobID: "job-1", DataType: model.DataTypeEmails, SourceID: "m1", Status: model.ItemFailed, Error: "update failed",
	}))

	it, err := s.GetItem(ctx, "job-1", model.DataTypeEmails, "m1")
	require.NoError(t, err)
	assert.Equal(t, "t1", it.TargetID, "a failed retry keeps the earlier target id")
	assert.Equal(t, model.ItemFailed, it.Status)

	_, err = s.GetItem(ctx, "job-1", model.DataTypeContacts, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.CountItems(ctx, "job-1", model.DataTypeEmails, model.ItemFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testLogsNewestFirst(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, msg := range []string{"created", "started", "completed"} {
		require.NoError(t, s.AppendLog(ctx, &model.MigrationLog{
			JobID: "job-1", Level: model.LogInfo, Message: msg, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	logs, err := s.ListLogs(ctx, "job-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "completed", logs[0].Message)
	assert.Equal(t, "started", logs[1].Message)
	assert.NotEmpty(t, logs[0].ID)
}

func testDeleteJobCascades(t *testing.T, newStore func(*testing.T) store.Store) {
	ctx := context.Background()
	s := newStore(t)
	seedJob(t, s, "job-1")

	_, err := s.GetOrCreateCheckpoint(ctx, "job-1", model.DataTypeEmails)
	require.NoError(t, err)
	require.NoError(t, s.SaveItem(ctx, &model.MigratedItem{JobID: "job-1", DataType: model.DataTypeEmails, SourceID: "m1", Status: model.ItemSucceeded}))
	require.NoError(t, s.AppendLog(ctx, &model.MigrationLog{JobID: "job-1", Level: model.LogInfo, Message: "x"}))

	require.NoError(t, s.DeleteJob(ctx, "job-1"))

	cps, err := s.ListCheckpoints(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, cps)
	logs, err := s.ListLogs(ctx, "job-1", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
	_, err = s.GetItem(ctx, "job-1", model.DataTypeEmails, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.DeleteJob(ctx, "job-1"), store.ErrNotFound)
}
