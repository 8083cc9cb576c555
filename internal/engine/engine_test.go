package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

var emailsOnly = model.DataTypeSet{Emails: true}

func TestBulkCopyAcrossPages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 25, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)

	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	j := h.job(t, "job-1")
	assert.Equal(t, model.Counter{Total: 25, Migrated: 25, Failed: 0}, j.Emails)
	assert.Equal(t, 100, j.ProgressPercent)
	assert.Equal(t, model.StatusRunning, j.Status)
	assert.Equal(t, model.PhaseIncrementalSync, j.Phase)
	assert.NotNil(t, j.LastSyncAt)

	cp := h.checkpoint(t, "job-1", model.DataTypeEmails)
	assert.Empty(t, cp.PageToken)
	assert.True(t, cp.InitialSyncComplete)
	assert.Equal(t, "cursor-0", cp.HistoryID, "a source without a listing token is asked for its cursor")
	assert.Equal(t, int64(25), cp.ProcessedCount)
	assert.Equal(t, "m25", cp.LastItemID)

	assert.Equal(t, []string{"", "p10", "p20"}, h.srcMsg.listTokens)
	assert.Len(t, h.dstMsg.created, 25)
	assert.Equal(t, []string{"INBOX"}, h.srcMsg.items[0].Labels)
	assert.Equal(t, []string{"Inbox"}, h.dstMsg.created[0].Labels)
}

func TestBulkCopyKeepsSyncTokenFromListing(t *testing.T) {
	h := newHarness(t, 12, 0, testConfig())
	h.srcMsg.syncToken = "history-812"
	h.createJob(t, "job-1", emailsOnly)

	require.NoError(t, h.engine.RunJob(context.Background(), "job-1"))

	cp := h.checkpoint(t, "job-1", model.DataTypeEmails)
	assert.True(t, cp.InitialSyncComplete)
	assert.Equal(t, "history-812", cp.HistoryID)
	assert.Empty(t, cp.DeltaToken)
}

func TestBulkCopyPublishesBoundedProgress(t *testing.T) {
	h := newHarness(t, 25, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)

	require.NoError(t, h.engine.RunJob(context.Background(), "job-1"))

	// two in-page snapshots, three page commits and the phase change
	assert.Equal(t, 6, h.rec.count())
	last := h.rec.events[len(h.rec.events)-1]
	assert.Equal(t, model.PhaseIncrementalSync, last.Phase)
	assert.Equal(t, 100, last.OverallPercent)
}

func TestItemFailuresDoNotAbortThePage(t *testing.T) {
	h := newHarness(t, 10, 0, testConfig())
	h.dstMsg.createErr["m03"] = connector.Errorf(connector.KindPermanent, "create", "rejected")
	h.dstMsg.createErr["m07"] = connector.Errorf(connector.KindPermanent, "create", "rejected")
	h.createJob(t, "job-1", emailsOnly)

	require.NoError(t, h.engine.RunJob(context.Background(), "job-1"))

	j := h.job(t, "job-1")
	assert.Equal(t, int64(8), j.Emails.Migrated)
	assert.Equal(t, int64(2), j.Emails.Failed)
	assert.Equal(t, model.StatusRunning, j.Status)
	assert.Empty(t, j.LastError)

	n, err := h.store.CountItems(context.Background(), "job-1", model.DataTypeEmails, model.ItemFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	failures := h.logs(t, "job-1", model.LogError)
	require.Len(t, failures, 2)
	assert.ElementsMatch(t, []string{"m03", "m07"}, []string{failures[0].ItemID, failures[1].ItemID})
}

func TestPauseStopsBeforeNextPageAndResumeContinues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 25, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)

	var once sync.Once
	h.rec.hook = func(p model.Progress) {
		if p.Emails.Migrated >= 10 {
			once.Do(func() {
				_, err := h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error { return j.Apply(model.OpPause, time.Now()) })
				assert.NoError(t, err)
			})
		}
	}

	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	j := h.job(t, "job-1")
	assert.Equal(t, model.StatusPaused, j.Status)
	assert.Equal(t, int64(10), j.Emails.Migrated)
	assert.Equal(t, model.PhaseInitialSync, j.Phase)
	cp := h.checkpoint(t, "job-1", model.DataTypeEmails)
	assert.Equal(t, "p10", cp.PageToken)
	assert.False(t, cp.InitialSyncComplete)
	assert.Equal(t, []string{""}, h.srcMsg.listTokens)

	_, err := h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error { return j.Apply(model.OpResume, time.Now()) })
	require.NoError(t, err)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	assert.Equal(t, []string{"", "p10", "p20"}, h.srcMsg.listTokens)
	j = h.job(t, "job-1")
	assert.Equal(t, int64(25), j.Emails.Migrated)
	assert.Equal(t, model.PhaseIncrementalSync, j.Phase)
	assert.Len(t, h.dstMsg.created, 25)
}

func TestResumeSkipsItemsAlreadyOnTarget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 25, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)

	// a previous run created m01..m05 but died before committing the page
	for _, id := range []string{"m01", "m02", "m03", "m04", "m05"} {
		require.NoError(t, h.store.SaveItem(ctx, &model.MigratedItem{
			JobID: "job-1", DataType: model.DataTypeEmails, SourceID: id, TargetID: "t-" + id, Status: model.ItemSucceeded,
		}))
	}

	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	assert.Len(t, h.dstMsg.created, 20)
	assert.NotContains(t, h.dstMsg.createdIDs(), "m03")
	j := h.job(t, "job-1")
	assert.Equal(t, model.Counter{Total: 25, Migrated: 25}, j.Emails)
}

func TestRetryAfterFailedListingResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 12, testConfig())
	h.srcCon.listErr = connector.Errorf(connector.KindPermanent, "list", "people api disabled")
	h.createJob(t, "job-1", model.DataTypeSet{Emails: true, Contacts: true})

	err := h.engine.RunJob(ctx, "job-1")
	require.Error(t, err)

	j := h.job(t, "job-1")
	assert.Equal(t, model.StatusFailed, j.Status)
	assert.Equal(t, model.PhaseInitialSync, j.Phase, "phase waits for every enabled type")
	assert.Contains(t, j.LastError, "people api disabled")
	assert.True(t, h.checkpoint(t, "job-1", model.DataTypeEmails).InitialSyncComplete)
	assert.NotEmpty(t, h.logs(t, "job-1", model.LogError))

	h.srcCon.listErr = nil
	_, err = h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error { return j.Apply(model.OpRetry, time.Now()) })
	require.NoError(t, err)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	j = h.job(t, "job-1")
	assert.Equal(t, model.PhaseIncrementalSync, j.Phase)
	assert.Equal(t, int64(12), j.Contacts.Migrated)
	assert.Equal(t, []string{""}, h.srcMsg.listTokens, "emails are not listed again")
	assert.Len(t, h.dstMsg.created, 5)
}

func TestRetryAfterListingEndedDoesNotListAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 25, 0, testConfig())
	var cursorCalls int
	h.srcMsg.changes = func(token string) (*connector.Changes[*model.Message], error) {
		cursorCalls++
		if cursorCalls == 1 {
			return nil, connector.Errorf(connector.KindTransient, "history", "backend unavailable")
		}
		return &connector.Changes[*model.Message]{NewSyncToken: "cursor-1"}, nil
	}
	h.createJob(t, "job-1", emailsOnly)

	require.Error(t, h.engine.RunJob(ctx, "job-1"))

	j := h.job(t, "job-1")
	assert.Equal(t, model.StatusFailed, j.Status)
	assert.Equal(t, model.Counter{Total: 25, Migrated: 25}, j.Emails)
	cp := h.checkpoint(t, "job-1", model.DataTypeEmails)
	assert.True(t, cp.ListingComplete)
	assert.False(t, cp.InitialSyncComplete)
	assert.Empty(t, cp.PageToken)

	_, err := h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error { return j.Apply(model.OpRetry, time.Now()) })
	require.NoError(t, err)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	j = h.job(t, "job-1")
	assert.Equal(t, model.PhaseIncrementalSync, j.Phase)
	assert.Equal(t, model.Counter{Total: 25, Migrated: 25}, j.Emails, "items are counted once")
	assert.Equal(t, []string{"", "p10", "p20"}, h.srcMsg.listTokens, "the finished listing is not repeated")
	assert.Len(t, h.dstMsg.created, 25)

	cp = h.checkpoint(t, "job-1", model.DataTypeEmails)
	assert.True(t, cp.InitialSyncComplete)
	assert.Equal(t, "cursor-1", cp.HistoryID)
}

func TestMissingConnectorFailsJob(t *testing.T) {
	h := newHarness(t, 1, 0, testConfig())
	h.createJob(t, "job-1", model.DataTypeSet{Calendars: true})

	require.Error(t, h.engine.RunJob(context.Background(), "job-1"))

	j := h.job(t, "job-1")
	assert.Equal(t, model.StatusFailed, j.Status)
	assert.Contains(t, j.LastError, "does not support calendars")
}

func TestRunJobIgnoresJobsThatAreNotRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)
	_, err := h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error { return j.Apply(model.OpCancel, time.Now()) })
	require.NoError(t, err)

	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	assert.Empty(t, h.srcMsg.listTokens)
	assert.Equal(t, model.StatusCancelled, h.job(t, "job-1").Status)
}

func TestIncrementalSyncUpsertsChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	var seen []string
	h.srcMsg.changes = func(token string) (*connector.Changes[*model.Message], error) {
		seen = append(seen, token)
		return &connector.Changes[*model.Message]{
			Added:        messages(4)[3:],
			Modified:     messages(1),
			DeletedIDs:   []string{"m02"},
			NewSyncToken: "cursor-1",
		}, nil
	}
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	assert.Equal(t, []string{"cursor-0"}, seen)
	assert.Equal(t, []string{"t-m01"}, h.dstMsg.updated)
	assert.Contains(t, h.dstMsg.createdIDs(), "m04")
	assert.Empty(t, h.dstMsg.deleted, "deletes are not propagated by default")

	j := h.job(t, "job-1")
	assert.Equal(t, model.Counter{Total: 4, Migrated: 4}, j.Emails)
	assert.Equal(t, model.PhaseIncrementalSync, j.Phase)
	assert.Equal(t, "cursor-1", h.checkpoint(t, "job-1", model.DataTypeEmails).HistoryID)
}

func TestIncrementalSyncPropagatesDeletesWhenEnabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.PropagateDeletes = true
	h := newHarness(t, 3, 0, cfg)
	h.createJob(t, "job-1", emailsOnly)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	h.srcMsg.changes = func(string) (*connector.Changes[*model.Message], error) {
		return &connector.Changes[*model.Message]{DeletedIDs: []string{"m02", "never-migrated"}, NewSyncToken: "cursor-1"}, nil
	}
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	assert.Equal(t, []string{"t-m02"}, h.dstMsg.deleted)
}

func TestExpiredSyncTokenRestartsInitialSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))
	require.Len(t, h.dstMsg.created, 5)

	h.srcMsg.changes = func(token string) (*connector.Changes[*model.Message], error) {
		if token != "" {
			return nil, connector.Errorf(connector.KindTokenExpired, "history", "start history id too old")
		}
		return &connector.Changes[*model.Message]{NewSyncToken: "cursor-fresh"}, nil
	}
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	cp := h.checkpoint(t, "job-1", model.DataTypeEmails)
	assert.True(t, cp.InitialSyncComplete)
	assert.Equal(t, "cursor-fresh", cp.HistoryID)
	assert.Equal(t, []string{"", ""}, h.srcMsg.listTokens, "the bulk copy ran again from the start")
	assert.Len(t, h.dstMsg.created, 5, "items already on the target are skipped")

	j := h.job(t, "job-1")
	assert.Equal(t, model.Counter{Total: 5, Migrated: 5}, j.Emails)
	assert.Equal(t, model.StatusRunning, j.Status)
	assert.NotEmpty(t, h.logs(t, "job-1", model.LogWarn))
}

func TestGoLiveCompletesAndWarnsOnCountMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 20, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	_, err := h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error {
		j.GoLiveRequested = true
		return nil
	})
	require.NoError(t, err)
	h.dstMsg.count = 15

	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	j := h.job(t, "job-1")
	assert.Equal(t, model.StatusCompleted, j.Status)
	assert.Equal(t, model.PhaseCompleted, j.Phase)
	assert.Equal(t, 100, j.ProgressPercent)
	assert.NotNil(t, j.CompletedAt)
	assert.False(t, j.GoLiveRequested)

	warns := h.logs(t, "job-1", model.LogWarn)
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].Message, "Verification mismatch")
	assert.Equal(t, model.DataTypeEmails, warns[0].DataType)
}

func TestGoLiveWithinToleranceDoesNotWarn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200, 0, testConfig())
	h.createJob(t, "job-1", emailsOnly)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))
	_, err := h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error {
		j.GoLiveRequested = true
		return nil
	})
	require.NoError(t, err)
	h.dstMsg.count = 198

	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	assert.Equal(t, model.StatusCompleted, h.job(t, "job-1").Status)
	assert.Empty(t, h.logs(t, "job-1", model.LogWarn))
}

func TestPhaseNeverRegresses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4, 3, testConfig())
	h.createJob(t, "job-1", model.DataTypeSet{Emails: true, Contacts: true})

	var mu sync.Mutex
	var phases []model.Phase
	h.rec.hook = func(p model.Progress) {
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
	}

	require.NoError(t, h.engine.RunJob(ctx, "job-1"))
	_, err := h.store.UpdateJob(ctx, "job-1", func(j *model.Job) error {
		j.GoLiveRequested = true
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.RunJob(ctx, "job-1"))

	rank := map[model.Phase]int{
		model.PhaseInitialSync: 0, model.PhaseIncrementalSync: 1, model.PhaseGoLive: 2, model.PhaseCompleted: 3,
	}
	for i := 1; i < len(phases); i++ {
		assert.GreaterOrEqual(t, rank[phases[i]], rank[phases[i-1]], "phase went from %s to %s", phases[i-1], phases[i])
	}
	assert.Equal(t, model.PhaseCompleted, phases[len(phases)-1])
}

func TestBroadcastFailureDoesNotFailMigration(t *testing.T) {
	h := newHarness(t, 3, 0, testConfig())
	h.engine.broadcaster = BroadcasterFunc(func(context.Context, string, model.Progress) error {
		return errors.New("nats down")
	})
	h.createJob(t, "job-1", emailsOnly)

	require.NoError(t, h.engine.RunJob(context.Background(), "job-1"))
	assert.Equal(t, int64(3), h.job(t, "job-1").Emails.Migrated)
}

func TestMismatch(t *testing.T) {
	assert.False(t, mismatch(100, 99, 0.01))
	assert.True(t, mismatch(100, 98, 0.01))
	assert.False(t, mismatch(0, 0, 0.01))
	assert.True(t, mismatch(0, 3, 0.01))
}
