// Package jobs runs fire-and-forget background work after a delay, such as
// retiring an index some seconds after its write alias moved away.
//
// Jobs live in process memory only. A retire job lost to a restart is not
// picked up again: the next rotation retires the index it replaces, not this
// one. The dropped index stays writable and its range stays unknown until an
// operator flushes it, sets it read-only and recalculates its range.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStopped is returned by SubmitWithDelay after Stop.
var ErrStopped = errors.New("jobs: manager stopped")

const defaultJobTimeout = 5 * time.Minute

type job struct {
	id    string
	name  string
	timer *time.Timer
}

// Manager schedules and tracks delayed jobs.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*job
	running sync.WaitGroup
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pending: map[string]*job{},
		ctx:     ctx,
		cancel:  cancel,
		timeout: defaultJobTimeout,
		logger:  logger.With("component", "jobs"),
	}
}

// SubmitWithDelay runs fn once after delay and returns the job id.
func (m *Manager) SubmitWithDelay(name string, delay time.Duration, fn func(ctx context.Context) error) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", ErrStopped
	}

	j := &job{id: uuid.NewString(), name: name}
	m.pending[j.id] = j
	j.timer = time.AfterFunc(delay, func() { m.run(j, fn) })

	m.logger.Info("job scheduled", "job_id", j.id, "job", name, "delay", delay)
	return j.id, nil
}

func (m *Manager) run(j *job, fn func(ctx context.Context) error) {
	m.mu.Lock()
	if _, ok := m.pending[j.id]; !ok || m.stopped {
		m.mu.Unlock()
		return
	}
	delete(m.pending, j.id)
	m.running.Add(1)
	m.mu.Unlock()
	defer m.running.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		m.logger.Error("job failed", "job_id", j.id, "job", j.name, "error", err)
		return
	}
	m.logger.Info("job done", "job_id", j.id, "job", j.name, "took", time.Since(start))
}

// Pending returns the number of scheduled jobs that have not started.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stop drops pending jobs and waits for running ones until ctx is done, at
// which point their contexts are cancelled.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for id, j := range m.pending {
		j.timer.Stop()
		m.logger.Warn("dropping pending job", "job_id", id, "job", j.name)
	}
	clear(m.pending)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}
