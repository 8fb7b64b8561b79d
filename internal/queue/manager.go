package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailflow/internal/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUnknownQueue is returned when a queue key is not configured
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrNotInitialized is returned when the manager has not been initialized
	ErrNotInitialized = errors.New("queue manager not initialized")
	// ErrShutdown is returned for operations after Shutdown
	ErrShutdown = errors.New("queue manager is shut down")
	// ErrJobNotFound is returned when a job id does not resolve to a
	// retryable job
	ErrJobNotFound = errors.New("job not found")
)

// defaultPollInterval is how long an idle worker waits before re-checking
// its queue for work.
const defaultPollInterval = 250 * time.Millisecond

// promoteInterval is how often delayed jobs are checked for promotion.
const promoteInterval = 500 * time.Millisecond

// ProcessorFunc executes one job. A returned error triggers the backend
// retry policy; a panic is recovered and treated the same way.
type ProcessorFunc func(ctx context.Context, job *Job) error

// Listeners are the statically-known lifecycle subscribers of the manager.
// A nil field means no subscriber. Panics inside a listener are recovered
// and logged; they never propagate into the worker loop.
type Listeners struct {
	OnCompleted func(queue string, job *Job)
	OnFailed    func(queue string, job *Job, err error)
	OnStalled   func(queue string, jobID string)
	OnError     func(queue string, err error)
}

// Manager owns the named queues, their workers and their retry policy. It is
// the single submission and inspection point for jobs.
type Manager struct {
	client    *redis.Client
	store     *Store
	defs      map[string]QueueDefinition
	listeners Listeners
	logger    *utils.Logger

	processors map[string]map[string]ProcessorFunc // queue -> job name -> fn

	pollInterval time.Duration

	mu          sync.RWMutex
	initialized bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a queue manager for the given definitions. The manager
// does not touch the backend until Initialize is called.
func NewManager(client *redis.Client, defs []QueueDefinition, listeners Listeners) *Manager {
	defMap := make(map[string]QueueDefinition, len(defs))
	for _, def := range defs {
		if def.Concurrency <= 0 {
			def.Concurrency = 1
		}
		if def.StallInterval <= 0 {
			def.StallInterval = 30 * time.Second
		}
		defMap[def.Name] = def
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:       client,
		store:        NewStore(client, "mailflow"),
		defs:         defMap,
		listeners:    listeners,
		logger:       utils.NewLogger("QueueManager"),
		processors:   make(map[string]map[string]ProcessorFunc),
		pollInterval: defaultPollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterProcessor binds a processor function to a job name on a queue.
// Must be called before Initialize starts the workers.
func (m *Manager) RegisterProcessor(queueKey, jobName string, fn ProcessorFunc) error {
	if _, ok := m.defs[queueKey]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processors[queueKey] == nil {
		m.processors[queueKey] = make(map[string]ProcessorFunc)
	}
	m.processors[queueKey][jobName] = fn
	return nil
}

// Initialize verifies backend connectivity and starts the workers for every
// configured queue. Calling it twice is a no-op.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if m.initialized {
		return nil
	}

	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	if err := m.store.Ping(ctx); err != nil {
		return err
	}

	for _, def := range m.defs {
		for i := 0; i < def.Concurrency; i++ {
			m.wg.Add(1)
			go m.worker(def)
		}
		m.wg.Add(1)
		go m.housekeeping(def)
	}

	m.initialized = true
	m.logger.Info("Queue manager initialized with %d queues", len(m.defs))
	return nil
}

// ready reports an error when the manager cannot serve operations.
func (m *Manager) ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrShutdown
	}
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// AddJob submits a job to a named queue. Options merge over the queue
// defaults: zero Attempts and Backoff fall back to the defaults, Priority
// and Delay are taken as given.
func (m *Manager) AddJob(ctx context.Context, queueKey, jobName string, payload interface{}, opts *JobOptions) (*Job, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	def, ok := m.defs[queueKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}

	merged := def.DefaultOptions
	if opts != nil {
		merged.Priority = opts.Priority
		merged.Delay = opts.Delay
		if opts.Attempts > 0 {
			merged.Attempts = opts.Attempts
		}
		if opts.Backoff.Delay > 0 {
			merged.Backoff = opts.Backoff
		}
	}
	if merged.Attempts <= 0 {
		merged.Attempts = 1
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queueKey,
		Name:        jobName,
		Payload:     data,
		Priority:    merged.Priority,
		MaxAttempts: merged.Attempts,
		Backoff:     merged.Backoff,
		EnqueuedAt:  time.Now(),
	}
	if err := m.store.Enqueue(ctx, job, merged.Delay); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	m.logger.Debug("Enqueued job %s (%s) on queue %s with priority %d",
		job.ID, jobName, queueKey, job.Priority)
	return job, nil
}

// GetJob loads one job by id.
func (m *Manager) GetJob(ctx context.Context, queueKey, jobID string) (*Job, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}
	return m.store.GetJob(ctx, queueKey, jobID)
}

// UpdateJobProgress persists a job progress percentage.
func (m *Manager) UpdateJobProgress(ctx context.Context, job *Job, pct int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job.Progress = pct
	return m.store.saveJob(ctx, job)
}

// GetQueueStatus returns the per-state job counts of a queue.
func (m *Manager) GetQueueStatus(ctx context.Context, queueKey string) (StatusCounts, error) {
	if err := m.ready(); err != nil {
		return StatusCounts{}, err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return StatusCounts{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}
	return m.store.Counts(ctx, queueKey)
}

// PauseQueue stops new jobs from starting; in-flight jobs still finish.
func (m *Manager) PauseQueue(ctx context.Context, queueKey string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}
	m.logger.Info("Pausing queue %s", queueKey)
	return m.store.Pause(ctx, queueKey)
}

// ResumeQueue resumes a paused queue.
func (m *Manager) ResumeQueue(ctx context.Context, queueKey string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}
	m.logger.Info("Resuming queue %s", queueKey)
	return m.store.Resume(ctx, queueKey)
}

// ClearQueue discards all non-active jobs of a queue.
func (m *Manager) ClearQueue(ctx context.Context, queueKey string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}
	m.logger.Info("Clearing queue %s", queueKey)
	return m.store.Clear(ctx, queueKey)
}

// RetryFailedJob re-enqueues one failed job.
func (m *Manager) RetryFailedJob(ctx context.Context, queueKey, jobID string) error {
	if err := m.ready(); err != nil {
		return err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}
	return m.store.MoveFailedToWaiting(ctx, queueKey, jobID)
}

// RetryAllFailedJobs re-enqueues every failed job of a queue. Best-effort:
// a failure to retry one job is logged and does not abort the remainder.
// Returns the count actually retried.
func (m *Manager) RetryAllFailedJobs(ctx context.Context, queueKey string) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}

	ids, err := m.store.FailedJobIDs(ctx, queueKey)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, id := range ids {
		if err := m.store.MoveFailedToWaiting(ctx, queueKey, id); err != nil {
			m.logger.Warn("Failed to retry job %s on queue %s: %v", id, queueKey, err)
			continue
		}
		retried++
	}
	m.logger.Info("Retried %d/%d failed jobs on queue %s", retried, len(ids), queueKey)
	return retried, nil
}

// RemoveJobsMatching removes every waiting/delayed job whose payload the
// match function accepts. Active jobs are left alone; in-flight work is
// allowed to finish. Returns the number removed.
func (m *Manager) RemoveJobsMatching(ctx context.Context, queueKey string, match func(payload json.RawMessage) bool) (int, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}
	if _, ok := m.defs[queueKey]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queueKey)
	}

	jobs, err := m.store.ListJobs(ctx, queueKey, StateWaiting, StateDelayed)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range jobs {
		if !match(job.Payload) {
			continue
		}
		if err := m.store.Remove(ctx, queueKey, job.ID); err != nil {
			m.logger.Warn("Failed to remove job %s: %v", job.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// QueueNames returns the configured queue keys.
func (m *Manager) QueueNames() []string {
	names := make([]string, 0, len(m.defs))
	for name := range m.defs {
		names = append(names, name)
	}
	return names
}

// Shutdown stops the workers and releases the backend connection. A close
// error on one queue is logged, not returned. Operations after Shutdown
// fail with ErrShutdown.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Shutting down queue manager")
	m.cancel()
	m.wg.Wait()

	if err := m.client.Close(); err != nil {
		m.logger.Warn("Error closing queue backend connection: %v", err)
	}
	m.logger.Info("Queue manager stopped")
	return nil
}

// worker claims and executes jobs on one queue until shutdown.
func (m *Manager) worker(def QueueDefinition) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		job, err := m.store.Claim(m.ctx, def.Name)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.emitError(def.Name, err)
			m.sleep(m.pollInterval)
			continue
		}
		if job == nil {
			m.sleep(m.pollInterval)
			continue
		}

		m.execute(def, job)
	}
}

// execute runs one claimed job through its processor and settles the outcome.
func (m *Manager) execute(def QueueDefinition, job *Job) {
	m.mu.RLock()
	proc := m.processors[def.Name][job.Name]
	m.mu.RUnlock()

	if proc == nil {
		reason := fmt.Sprintf("no processor registered for job name %q", job.Name)
		m.logger.Error("Queue %s: %s", def.Name, reason)
		if err := m.store.Fail(m.ctx, job, reason, def.DefaultOptions.RemoveOnFail); err != nil {
			m.emitError(def.Name, err)
		}
		m.emitFailed(def.Name, job, errors.New(reason))
		return
	}

	err := m.runProtected(proc, job)
	if err == nil {
		if err := m.store.Complete(m.ctx, job, def.DefaultOptions.RemoveOnComplete); err != nil {
			m.emitError(def.Name, err)
		}
		m.emitCompleted(def.Name, job)
		return
	}

	if job.AttemptsMade < job.MaxAttempts {
		delay := job.Backoff.DelayFor(job.AttemptsMade)
		m.logger.Warn("Job %s on queue %s failed (attempt %d/%d), retrying in %v: %v",
			job.ID, def.Name, job.AttemptsMade, job.MaxAttempts, delay, err)
		if rerr := m.store.RetryLater(m.ctx, job, delay); rerr != nil {
			m.emitError(def.Name, rerr)
		}
		return
	}

	m.logger.Error("Job %s on queue %s failed permanently after %d attempts: %v",
		job.ID, def.Name, job.AttemptsMade, err)
	if ferr := m.store.Fail(m.ctx, job, err.Error(), def.DefaultOptions.RemoveOnFail); ferr != nil {
		m.emitError(def.Name, ferr)
	}
	m.emitFailed(def.Name, job, err)
}

// runProtected invokes the processor, converting a panic into an error.
func (m *Manager) runProtected(proc ProcessorFunc, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc(m.ctx, job)
}

// housekeeping promotes due delayed jobs and recovers stalled ones.
func (m *Manager) housekeeping(def QueueDefinition) {
	defer m.wg.Done()

	promoteTicker := time.NewTicker(promoteInterval)
	defer promoteTicker.Stop()
	stallTicker := time.NewTicker(def.StallInterval)
	defer stallTicker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-promoteTicker.C:
			if _, err := m.store.PromoteDelayed(m.ctx, def.Name); err != nil && m.ctx.Err() == nil {
				m.emitError(def.Name, err)
			}
		case <-stallTicker.C:
			ids, err := m.store.RecoverStalled(m.ctx, def.Name, def.StallInterval)
			if err != nil {
				if m.ctx.Err() == nil {
					m.emitError(def.Name, err)
				}
				continue
			}
			for _, id := range ids {
				m.logger.Warn("Recovered stalled job %s on queue %s", id, def.Name)
				m.emitStalled(def.Name, id)
			}
		}
	}
}

// sleep waits for d or until shutdown.
func (m *Manager) sleep(d time.Duration) {
	select {
	case <-m.ctx.Done():
	case <-time.After(d):
	}
}

// Listener invocations are isolated: a panicking subscriber is logged and
// the worker continues.
func (m *Manager) emitCompleted(queue string, job *Job) {
	if m.listeners.OnCompleted == nil {
		return
	}
	defer m.recoverListener("completed")
	m.listeners.OnCompleted(queue, job)
}

func (m *Manager) emitFailed(queue string, job *Job, err error) {
	if m.listeners.OnFailed == nil {
		return
	}
	defer m.recoverListener("failed")
	m.listeners.OnFailed(queue, job, err)
}

func (m *Manager) emitStalled(queue, jobID string) {
	if m.listeners.OnStalled == nil {
		return
	}
	defer m.recoverListener("stalled")
	m.listeners.OnStalled(queue, jobID)
}

func (m *Manager) emitError(queue string, err error) {
	m.logger.Error("Queue %s backend error: %v", queue, err)
	if m.listeners.OnError == nil {
		return
	}
	defer m.recoverListener("error")
	m.listeners.OnError(queue, err)
}

func (m *Manager) recoverListener(kind string) {
	if r := recover(); r != nil {
		m.logger.Error("Listener panic on %s event: %v", kind, r)
	}
}
