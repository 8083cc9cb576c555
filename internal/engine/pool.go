package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrPoolSaturated is returned when the submission queue is full.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrAlreadyActive is returned when the job is queued or running. The
	// submission is not lost: the job runs once more after its current pass.
	ErrAlreadyActive = errors.New("job already active")
	// ErrPoolClosed is returned after Stop.
	ErrPoolClosed = errors.New("worker pool stopped")
)

// JobRunner executes one pass of a job.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string) error
}

// Pool runs jobs on a fixed number of workers fed by a bounded queue. A job
// id is active from submission until its run returns and is never held by
// two workers. Submitting an active job requests one more pass on the same
// worker, which covers a status change racing the end of a run.
type Pool struct {
	runner  JobRunner
	workers int
	queue   chan string
	logger  *slog.Logger

	active      map[string]bool
	rerun       map[string]bool
	activeMutex sync.Mutex
	closed      bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool; Start launches its workers.
func NewPool(runner JobRunner, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		runner:  runner,
		workers: workers,
		queue:   make(chan string, queueSize),
		logger:  logger,
		active:  make(map[string]bool),
		rerun:   make(map[string]bool),
	}
}

// Start launches the workers. Cancelling ctx or calling Stop interrupts
// running jobs, which stay RUNNING in the store.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue", cap(p.queue))
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			for {
				p.logger.Debug("job start", "worker", id, "job_id", jobID)
				if err := p.runner.RunJob(ctx, jobID); err != nil {
					p.logger.Error("job error", "worker", id, "job_id", jobID, "error", err)
				}
				if !p.release(ctx, jobID) {
					break
				}
				p.logger.Debug("job rerun", "worker", id, "job_id", jobID)
			}
			p.logger.Debug("job stop", "worker", id, "job_id", jobID)
		}
	}
}

// Submit queues a job for execution.
func (p *Pool) Submit(jobID string) error {
	p.activeMutex.Lock()
	defer p.activeMutex.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.active[jobID] {
		p.rerun[jobID] = true
		return ErrAlreadyActive
	}
	select {
	case p.queue <- jobID:
		p.active[jobID] = true
		return nil
	default:
		return ErrPoolSaturated
	}
}

// release ends a pass. It reports true, keeping the job active, when
// another pass was requested meanwhile.
func (p *Pool) release(ctx context.Context, jobID string) bool {
	p.activeMutex.Lock()
	defer p.activeMutex.Unlock()
	again := p.rerun[jobID] && ctx.Err() == nil && !p.closed
	delete(p.rerun, jobID)
	if !again {
		delete(p.active, jobID)
	}
	return again
}

// IsActive reports whether the job is queued or running.
func (p *Pool) IsActive(jobID string) bool {
	p.activeMutex.Lock()
	defer p.activeMutex.Unlock()
	return p.active[jobID]
}

// Active returns the ids of queued and running jobs.
func (p *Pool) Active() []string {
	p.activeMutex.Lock()
	defer p.activeMutex.Unlock()

	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop rejects new submissions, interrupts running jobs and waits for the
// workers to return.
func (p *Pool) Stop() {
	p.activeMutex.Lock()
	p.closed = true
	p.activeMutex.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
