package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRunner holds every job until released.
type blockingRunner struct {
	started chan string
	release chan struct{}

	mu   sync.Mutex
	runs map[string]int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 10), release: make(chan struct{}), runs: map[string]int{}}
}

func (r *blockingRunner) RunJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	r.runs[jobID]++
	r.mu.Unlock()
	r.started <- jobID
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func TestPoolRejectsDuplicateAndOverflow(t *testing.T) {
	runner := newBlockingRunner()
	pool := NewPool(runner, 1, 1, quietLogger())
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	require.NoError(t, pool.Submit("a"))
	assert.Equal(t, "a", <-runner.started)

	require.NoError(t, pool.Submit("b"))
	assert.ErrorIs(t, pool.Submit("c"), ErrPoolSaturated)
	assert.Equal(t, []string{"a", "b"}, pool.Active())

	runner.release <- struct{}{}
	assert.Equal(t, "b", <-runner.started)
	assert.Eventually(t, func() bool { return !pool.IsActive("a") }, time.Second, 10*time.Millisecond)

	runner.release <- struct{}{}
	assert.Eventually(t, func() bool { return len(pool.Active()) == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Submit("a"), "a finished job can be submitted again")
	<-runner.started
}

func TestPoolRerunsJobSubmittedWhileActive(t *testing.T) {
	runner := newBlockingRunner()
	pool := NewPool(runner, 1, 1, quietLogger())
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	require.NoError(t, pool.Submit("a"))
	<-runner.started
	assert.ErrorIs(t, pool.Submit("a"), ErrAlreadyActive)
	assert.ErrorIs(t, pool.Submit("a"), ErrAlreadyActive)

	runner.release <- struct{}{}
	assert.Equal(t, "a", <-runner.started, "a second pass follows on the same worker")
	assert.True(t, pool.IsActive("a"))

	runner.release <- struct{}{}
	assert.Eventually(t, func() bool { return !pool.IsActive("a") }, time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 2, runner.runs["a"], "repeated requests collapse into one extra pass")
}

func TestPoolStopInterruptsAndRejects(t *testing.T) {
	runner := newBlockingRunner()
	pool := NewPool(runner, 2, 4, quietLogger())
	pool.Start(context.Background())

	require.NoError(t, pool.Submit("a"))
	<-runner.started

	pool.Stop()
	assert.ErrorIs(t, pool.Submit("b"), ErrPoolClosed)
}
