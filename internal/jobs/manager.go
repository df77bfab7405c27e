// Package jobs dispatches submitted flows to the sandbox in the background.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/flowgate/internal/execution"
	"github.com/michaelbrown/flowgate/internal/storage"
)

// ErrShutdown is returned by Submit once Shutdown has been called.
var ErrShutdown = errors.New("job manager is shut down")

// Executor runs a file set against the sandbox.
type Executor interface {
	Execute(ctx context.Context, files execution.FileSet) (execution.Outcome, error)
}

// Tracker is told when jobs start and finish.
type Tracker interface {
	JobStarted()
	JobFinished(status string)
}

// Event is published to subscribers on every status change.
type Event struct {
	Type string      `json:"type"`
	Job  storage.Job `json:"job"`
}

// Options configures a Manager.
type Options struct {
	MaxConcurrent int
	Logger        *zap.Logger
	Tracker       Tracker
}

// Manager tracks in-flight jobs and their cancel funcs.
type Manager struct {
	store   storage.Store
	exec    Executor
	sem     *semaphore.Weighted
	logger  *zap.Logger
	tracker Tracker

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]context.CancelFunc
	subs    map[string]map[chan Event]struct{}
}

// NewManager creates a Manager. Call Shutdown to stop in-flight jobs.
func NewManager(store storage.Store, exec Executor, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		exec:    exec,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger:  opts.Logger.With(zap.String("component", "jobs")),
		tracker: opts.Tracker,
		baseCtx: ctx,
		stop:    stop,
		running: make(map[string]context.CancelFunc),
		subs:    make(map[string]map[chan Event]struct{}),
	}
}

// Submit validates files, persists a pending job and starts dispatching it.
func (m *Manager) Submit(ctx context.Context, name string, files execution.FileSet) (*storage.Job, error) {
	if err := files.Validate(); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrShutdown
	}

	job := &storage.Job{
		ID:     uuid.New().String(),
		Name:   name,
		Status: storage.StatusPending,
		Files:  files.Clone(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	// Registration and wg.Add share the lock Shutdown takes before waiting.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		now := time.Now().UTC()
		job.Status = storage.StatusCanceled
		job.Error = "job manager is shut down"
		job.FinishedAt = &now
		m.save(job)
		return nil, ErrShutdown
	}
	jobCtx, cancel := context.WithCancel(m.baseCtx)
	m.running[job.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	snapshot := *job
	go m.run(jobCtx, &snapshot)

	m.logger.Info("job submitted", zap.String("job", job.ID), zap.Int("files", len(files)))
	return job, nil
}

func (m *Manager) run(ctx context.Context, job *storage.Job) {
	defer m.wg.Done()
	defer m.forget(job.ID)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		job.Status = storage.StatusCanceled
		job.Error = "canceled before dispatch"
		m.finish(job)
		return
	}
	defer m.sem.Release(1)

	job.Status = storage.StatusRunning
	m.save(job)
	m.publish(job)
	if m.tracker != nil {
		m.tracker.JobStarted()
	}

	out, err := m.exec.Execute(ctx, job.Files)
	switch {
	case err != nil:
		job.Status = storage.StatusFailed
		job.Error = err.Error()
	case errors.Is(ctx.Err(), context.Canceled):
		job.Status = storage.StatusCanceled
		job.Outcome = &out
	case out.OK():
		job.Status = storage.StatusSucceeded
		job.Outcome = &out
	default:
		job.Status = storage.StatusFailed
		job.Outcome = &out
	}

	if m.tracker != nil {
		m.tracker.JobFinished(string(job.Status))
	}
	m.finish(job)
}

func (m *Manager) finish(job *storage.Job) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	m.save(job)
	m.publish(job)
	m.logger.Info("job finished",
		zap.String("job", job.ID),
		zap.String("status", string(job.Status)))
}

func (m *Manager) save(job *storage.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Debug("job deleted while running", zap.String("job", job.ID))
			return
		}
		m.logger.Error("saving job", zap.String("job", job.ID), zap.Error(err))
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.running[id]; ok {
		cancel()
		delete(m.running, id)
	}
}

// Cancel stops a pending or running job. It reports whether the job was in flight.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Running reports whether a job is still in flight.
func (m *Manager) Running(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Subscribe returns a channel of status events for a job and a func to stop listening.
func (m *Manager) Subscribe(id string) (<-chan Event, func()) {
	ch := make(chan Event, 8)

	m.mu.Lock()
	if m.subs[id] == nil {
		m.subs[id] = make(map[chan Event]struct{})
	}
	m.subs[id][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[id], ch)
			if len(m.subs[id]) == 0 {
				delete(m.subs, id)
			}
		})
	}
}

func (m *Manager) publish(job *storage.Job) {
	ev := Event{Type: "status", Job: *job}

	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[job.ID] {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("dropping job event for slow subscriber", zap.String("job", job.ID))
		}
	}
}

// RecoverStale fails jobs left pending or running by a previous process.
// Call it before the first Submit.
func (m *Manager) RecoverStale(ctx context.Context) (int, error) {
	var n int
	for _, status := range []storage.JobStatus{storage.StatusPending, storage.StatusRunning} {
		for {
			stale, err := m.store.ListJobs(ctx, storage.JobListOptions{Status: status, Limit: 100})
			if err != nil {
				return n, fmt.Errorf("listing %s jobs: %w", status, err)
			}
			if len(stale) == 0 {
				break
			}
			for i := range stale {
				job := &stale[i]
				now := time.Now().UTC()
				job.Status = storage.StatusFailed
				job.Error = "interrupted: gateway restarted"
				job.FinishedAt = &now
				if err := m.store.UpdateJob(ctx, job); err != nil {
					return n, fmt.Errorf("recovering job %s: %w", job.ID, err)
				}
				n++
			}
		}
	}
	if n > 0 {
		m.logger.Warn("marked interrupted jobs as failed", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown cancels every in-flight job and waits for them to record their
// final status, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
