package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store/sqlite"
)

type recordingSubmitter struct {
	mu        sync.Mutex
	submitted []string
	active    map[string]bool
}

func (s *recordingSubmitter) Submit(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[jobID] {
		return ErrAlreadyActive
	}
	s.submitted = append(s.submitted, jobID)
	s.active[jobID] = true
	return nil
}

func (s *recordingSubmitter) IsActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[jobID]
}

func TestSchedulerPass(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "sched.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Hour)
	recent, stale := now.Add(-5*time.Minute), now.Add(-20*time.Minute)

	jobs := []model.Job{
		{ID: "scheduled-due", Status: model.StatusScheduled, Phase: model.PhaseInitialSync, ScheduledAt: &past},
		{ID: "scheduled-later", Status: model.StatusScheduled, Phase: model.PhaseInitialSync, ScheduledAt: &future},
		{ID: "orphaned", Status: model.StatusRunning, Phase: model.PhaseInitialSync},
		{ID: "held", Status: model.StatusRunning, Phase: model.PhaseInitialSync},
		{ID: "synced-recently", Status: model.StatusRunning, Phase: model.PhaseIncrementalSync, LastSyncAt: &recent},
		{ID: "sync-due", Status: model.StatusRunning, Phase: model.PhaseIncrementalSync, LastSyncAt: &stale},
		{ID: "go-live", Status: model.StatusRunning, Phase: model.PhaseIncrementalSync, LastSyncAt: &recent, GoLiveRequested: true},
		{ID: "paused", Status: model.StatusPaused, Phase: model.PhaseInitialSync},
	}
	for i := range jobs {
		j := jobs[i]
		j.Name, j.SourceAccountID, j.TargetAccountID = j.ID, "src", "dst"
		j.DataTypes = emailsOnly
		require.NoError(t, st.CreateJob(ctx, &j))
	}

	sub := &recordingSubmitter{active: map[string]bool{"held": true}}
	s := NewScheduler(st, sub, nil, 15*time.Minute, quietLogger())
	s.now = func() time.Time { return now }

	s.RunOnce(ctx)

	assert.ElementsMatch(t, []string{"scheduled-due", "orphaned", "sync-due", "go-live"}, sub.submitted)

	started, err := st.GetJob(ctx, "scheduled-due")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.True(t, started.StartedAt.Equal(now))

	later, err := st.GetJob(ctx, "scheduled-later")
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, later.Status)
}
