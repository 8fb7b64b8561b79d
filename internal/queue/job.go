package queue

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// BackoffType selects the retry delay policy.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// BackoffPolicy describes the delay applied between retry attempts.
type BackoffPolicy struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// DelayFor returns the backoff delay before the given attempt (1-based).
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if p.Type != BackoffExponential {
		return p.Delay
	}
	delay := p.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// JobOptions controls submission-time behavior of one job.
type JobOptions struct {
	Priority         int           `json:"priority"` // lower value dispatched first
	Delay            time.Duration `json:"delay"`
	Attempts         int           `json:"attempts"`
	Backoff          BackoffPolicy `json:"backoff"`
	RemoveOnComplete int           `json:"removeOnComplete"` // keep at most N completed jobs
	RemoveOnFail     int           `json:"removeOnFail"`     // keep at most N failed jobs
}

// QueueDefinition is the immutable configuration of one named queue,
// created at process start.
type QueueDefinition struct {
	Name           string
	Concurrency    int
	DefaultOptions JobOptions
	StallInterval  time.Duration
}

// Job is one unit of queued work. It is owned by the backing store; the
// manager observes and mutates it only through store operations.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"` // processor selector
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	Backoff      BackoffPolicy   `json:"backoff"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"` // 0-100, reported by the processor
	FailedReason string          `json:"failedReason,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
}

// StatusCounts is the per-state job count snapshot of one queue.
type StatusCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}
