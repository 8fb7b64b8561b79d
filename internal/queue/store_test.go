package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, "test")
}

func makeJob(queue string, priority int) *Job {
	return &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Name:        "job",
		Payload:     []byte(`{}`),
		Priority:    priority,
		MaxAttempts: 1,
		EnqueuedAt:  time.Now(),
	}
}

func TestStoreClaimOrdersByPriorityThenSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := makeJob("q", 10)
	high := makeJob("q", 1)
	normalA := makeJob("q", 5)
	normalB := makeJob("q", 5)
	for _, j := range []*Job{low, normalA, high, normalB} {
		require.NoError(t, s.Enqueue(ctx, j, 0))
	}

	var got []string
	for i := 0; i < 4; i++ {
		job, err := s.Claim(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.ID)
		assert.Equal(t, StateActive, job.State)
		assert.Equal(t, 1, job.AttemptsMade)
	}
	assert.Equal(t, []string{high.ID, normalA.ID, normalB.ID, low.ID}, got)

	// Empty queue claims nothing
	job, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStoreClaimRespectsPause(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, makeJob("q", 5), 0))
	require.NoError(t, s.Pause(ctx, "q"))

	job, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, s.Resume(ctx, "q"))
	job, err = s.Claim(ctx, "q")
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestStorePromoteDelayed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := makeJob("q", 5)
	future := makeJob("q", 5)
	require.NoError(t, s.Enqueue(ctx, due, time.Millisecond))
	require.NoError(t, s.Enqueue(ctx, future, time.Hour))

	time.Sleep(5 * time.Millisecond)
	n, err := s.PromoteDelayed(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(1), counts.Delayed)

	job, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, due.ID, job.ID)
}

func TestStoreRecoverStalled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := makeJob("q", 5)
	require.NoError(t, s.Enqueue(ctx, job, 0))
	claimed, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// olderThan 0 treats every active job as stalled
	ids, err := s.RecoverStalled(ctx, "q", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(0), counts.Active)

	reclaimed, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.AttemptsMade)
}

func TestStoreRetryLaterMovesActiveToDelayed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, makeJob("q", 5), 0))
	job, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, s.RetryLater(ctx, job, time.Millisecond))

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Delayed)

	time.Sleep(5 * time.Millisecond)
	n, err := s.PromoteDelayed(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.AttemptsMade)
}

func TestStoreCompleteTrimsRetainedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job := makeJob("q", 5)
		require.NoError(t, s.Enqueue(ctx, job, 0))
		claimed, err := s.Claim(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, s.Complete(ctx, claimed, 2))
		ids = append(ids, job.ID)
	}

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)

	// Trimmed envelopes are gone, retained ones still load
	evicted, err := s.GetJob(ctx, "q", ids[0])
	require.NoError(t, err)
	assert.Nil(t, evicted)
	kept, err := s.GetJob(ctx, "q", ids[4])
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, StateCompleted, kept.State)
}

func TestStoreMoveFailedToWaitingResetsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, makeJob("q", 5), 0))
	job, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, s.Fail(ctx, job, "boom", 100))

	ids, err := s.FailedJobIDs(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)

	require.NoError(t, s.MoveFailedToWaiting(ctx, "q", job.ID))

	retried, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, 1, retried.AttemptsMade)
	assert.Empty(t, retried.FailedReason)

	err = s.MoveFailedToWaiting(ctx, "q", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	err = s.MoveFailedToWaiting(ctx, "q", "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreClearLeavesActiveJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, makeJob("q", 5), 0))
	active, err := s.Claim(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, active)

	require.NoError(t, s.Enqueue(ctx, makeJob("q", 5), 0))
	require.NoError(t, s.Enqueue(ctx, makeJob("q", 5), time.Hour))

	require.NoError(t, s.Clear(ctx, "q"))

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(0), counts.Delayed)
	assert.Equal(t, int64(1), counts.Active)

	// The in-flight job envelope survives the clear
	got, err := s.GetJob(ctx, "q", active.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStoreListJobsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	waiting := makeJob("q", 5)
	delayed := makeJob("q", 5)
	require.NoError(t, s.Enqueue(ctx, waiting, 0))
	require.NoError(t, s.Enqueue(ctx, delayed, time.Hour))

	jobs, err := s.ListJobs(ctx, "q", StateWaiting, StateDelayed)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	jobs, err = s.ListJobs(ctx, "q", StateFailed)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStoreRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := makeJob("q", 5)
	require.NoError(t, s.Enqueue(ctx, job, 0))
	require.NoError(t, s.Remove(ctx, "q", job.ID))

	got, err := s.GetJob(ctx, "q", job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	counts, err := s.Counts(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
}

func TestBackoffPolicyDelayFor(t *testing.T) {
	fixed := BackoffPolicy{Type: BackoffFixed, Delay: time.Second}
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, time.Second, fixed.DelayFor(attempt), fmt.Sprintf("attempt %d", attempt))
	}

	exp := BackoffPolicy{Type: BackoffExponential, Delay: time.Second}
	assert.Equal(t, time.Second, exp.DelayFor(1))
	assert.Equal(t, 2*time.Second, exp.DelayFor(2))
	assert.Equal(t, 4*time.Second, exp.DelayFor(3))
}
