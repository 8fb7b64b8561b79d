package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailflow/internal/utils"

	"github.com/redis/go-redis/v9"
)

// priorityBand separates priority tiers in the waiting set score. Jobs are
// ordered by (priority, enqueue sequence); the sequence counter must stay
// below the band for ordering to hold.
const priorityBand = 1e12

// claimScript atomically pops the lowest-score waiting job and marks it
// active with the claim timestamp as score.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// Store is the Redis-backed durable job store. It owns every Job and all of
// its state transitions; the Manager drives it but never touches Redis keys
// directly.
type Store struct {
	client *redis.Client
	prefix string
	logger *utils.Logger
}

// NewStore creates a store using the given Redis client. All keys are
// namespaced under prefix.
func NewStore(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "mailflow"
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: utils.NewLogger("QueueStore"),
	}
}

// Ping verifies backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue backend unreachable: %w", err)
	}
	return nil
}

func (s *Store) waitingKey(queue string) string { return fmt.Sprintf("%s:q:%s:waiting", s.prefix, queue) }
func (s *Store) delayedKey(queue string) string { return fmt.Sprintf("%s:q:%s:delayed", s.prefix, queue) }
func (s *Store) activeKey(queue string) string  { return fmt.Sprintf("%s:q:%s:active", s.prefix, queue) }
func (s *Store) completedKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:completed", s.prefix, queue)
}
func (s *Store) failedKey(queue string) string { return fmt.Sprintf("%s:q:%s:failed", s.prefix, queue) }
func (s *Store) pausedKey(queue string) string { return fmt.Sprintf("%s:q:%s:paused", s.prefix, queue) }
func (s *Store) jobKey(queue, id string) string {
	return fmt.Sprintf("%s:q:%s:job:%s", s.prefix, queue, id)
}
func (s *Store) seqKey() string { return fmt.Sprintf("%s:seq", s.prefix) }

// waitingScore computes the waiting set score for a job priority.
func (s *Store) waitingScore(ctx context.Context, priority int) (float64, error) {
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, err
	}
	return float64(priority)*priorityBand + float64(seq), nil
}

// saveJob writes the job envelope and state to its hash.
func (s *Store) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.client.HSet(ctx, s.jobKey(job.Queue, job.ID), map[string]interface{}{
		"data":  string(data),
		"state": string(job.State),
	}).Err()
}

// GetJob loads one job by id. Returns nil if the job no longer exists.
func (s *Store) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(queue, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(fields["data"]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if state, ok := fields["state"]; ok {
		job.State = State(state)
	}
	return &job, nil
}

// Enqueue inserts a job into waiting, or into delayed when delay > 0.
func (s *Store) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	if delay > 0 {
		job.State = StateDelayed
		if err := s.saveJob(ctx, job); err != nil {
			return err
		}
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		return s.client.ZAdd(ctx, s.delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID}).Err()
	}

	job.State = StateWaiting
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	score, err := s.waitingScore(ctx, job.Priority)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.waitingKey(job.Queue), redis.Z{Score: score, Member: job.ID}).Err()
}

// Claim atomically takes the next waiting job and marks it active.
// Returns nil when the queue is empty or paused.
func (s *Store) Claim(ctx context.Context, queue string) (*Job, error) {
	paused, err := s.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	now := float64(time.Now().UnixMilli())
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.waitingKey(queue), s.activeKey(queue)}, now).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected claim result type %T", res)
	}

	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Envelope vanished (cleared mid-claim); drop the orphan reference.
		s.client.ZRem(ctx, s.activeKey(queue), id)
		return nil, nil
	}
	job.State = StateActive
	job.AttemptsMade++
	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete moves an active job to completed and trims the completed set to keep.
func (s *Store) Complete(ctx context.Context, job *Job, keep int) error {
	job.State = StateCompleted
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.activeKey(job.Queue), job.ID)
	pipe.ZAdd(ctx, s.completedKey(job.Queue), redis.Z{
		Score: float64(time.Now().UnixMilli()), Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.trim(ctx, job.Queue, s.completedKey(job.Queue), keep)
}

// Fail moves an active job to the terminal failed set.
func (s *Store) Fail(ctx context.Context, job *Job, reason string, keep int) error {
	job.State = StateFailed
	job.FailedReason = reason
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.activeKey(job.Queue), job.ID)
	pipe.ZAdd(ctx, s.failedKey(job.Queue), redis.Z{
		Score: float64(time.Now().UnixMilli()), Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return s.trim(ctx, job.Queue, s.failedKey(job.Queue), keep)
}

// RetryLater releases an active job back into delayed for another attempt.
func (s *Store) RetryLater(ctx context.Context, job *Job, delay time.Duration) error {
	job.State = StateDelayed
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.activeKey(job.Queue), job.ID)
	pipe.ZAdd(ctx, s.delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// trim drops the oldest entries of a terminal set beyond keep, along with
// their job envelopes. keep <= 0 keeps everything.
func (s *Store) trim(ctx context.Context, queue, key string, keep int) error {
	if keep <= 0 {
		return nil
	}
	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil || count <= int64(keep) {
		return err
	}
	victims, err := s.client.ZRange(ctx, key, 0, count-int64(keep)-1).Result()
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	for _, id := range victims {
		pipe.ZRem(ctx, key, id)
		pipe.Del(ctx, s.jobKey(queue, id))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves every delayed job whose ready-time has passed back
// into waiting. Returns the number promoted.
func (s *Store) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	now := float64(time.Now().UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, s.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		job, err := s.GetJob(ctx, queue, id)
		if err != nil {
			return promoted, err
		}
		if job == nil {
			s.client.ZRem(ctx, s.delayedKey(queue), id)
			continue
		}
		score, err := s.waitingScore(ctx, job.Priority)
		if err != nil {
			return promoted, err
		}
		job.State = StateWaiting
		if err := s.saveJob(ctx, job); err != nil {
			return promoted, err
		}
		pipe := s.client.Pipeline()
		pipe.ZRem(ctx, s.delayedKey(queue), id)
		pipe.ZAdd(ctx, s.waitingKey(queue), redis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStalled re-queues active jobs claimed longer than olderThan ago.
// Returns the ids of the recovered jobs.
func (s *Store) RecoverStalled(ctx context.Context, queue string, olderThan time.Duration) ([]string, error) {
	cutoff := float64(time.Now().Add(-olderThan).UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, s.activeKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", cutoff),
	}).Result()
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, id := range ids {
		job, err := s.GetJob(ctx, queue, id)
		if err != nil {
			return recovered, err
		}
		if job == nil {
			s.client.ZRem(ctx, s.activeKey(queue), id)
			continue
		}
		score, err := s.waitingScore(ctx, job.Priority)
		if err != nil {
			return recovered, err
		}
		job.State = StateWaiting
		if err := s.saveJob(ctx, job); err != nil {
			return recovered, err
		}
		pipe := s.client.Pipeline()
		pipe.ZRem(ctx, s.activeKey(queue), id)
		pipe.ZAdd(ctx, s.waitingKey(queue), redis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// Counts returns the per-state job counts of a queue. The store does not
// track a per-job paused state, so Paused is always reported as 0.
func (s *Store) Counts(ctx context.Context, queue string) (StatusCounts, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, s.waitingKey(queue))
	active := pipe.ZCard(ctx, s.activeKey(queue))
	completed := pipe.ZCard(ctx, s.completedKey(queue))
	failed := pipe.ZCard(ctx, s.failedKey(queue))
	delayed := pipe.ZCard(ctx, s.delayedKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return StatusCounts{}, err
	}
	return StatusCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    0,
	}, nil
}

// Pause marks a queue paused; claims return nothing until resumed.
func (s *Store) Pause(ctx context.Context, queue string) error {
	return s.client.Set(ctx, s.pausedKey(queue), "1", 0).Err()
}

// Resume clears the paused marker.
func (s *Store) Resume(ctx context.Context, queue string) error {
	return s.client.Del(ctx, s.pausedKey(queue)).Err()
}

// IsPaused reports whether a queue is paused.
func (s *Store) IsPaused(ctx context.Context, queue string) (bool, error) {
	res, err := s.client.Exists(ctx, s.pausedKey(queue)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// Clear discards all non-active jobs of a queue.
func (s *Store) Clear(ctx context.Context, queue string) error {
	for _, key := range []string{
		s.waitingKey(queue), s.delayedKey(queue),
		s.completedKey(queue), s.failedKey(queue),
	} {
		ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		pipe := s.client.Pipeline()
		for _, id := range ids {
			pipe.Del(ctx, s.jobKey(queue, id))
		}
		pipe.Del(ctx, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ListJobs returns the jobs currently in the given states.
func (s *Store) ListJobs(ctx context.Context, queue string, states ...State) ([]*Job, error) {
	var jobs []*Job
	for _, state := range states {
		var key string
		switch state {
		case StateWaiting:
			key = s.waitingKey(queue)
		case StateDelayed:
			key = s.delayedKey(queue)
		case StateActive:
			key = s.activeKey(queue)
		case StateCompleted:
			key = s.completedKey(queue)
		case StateFailed:
			key = s.failedKey(queue)
		default:
			continue
		}
		ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			job, err := s.GetJob(ctx, queue, id)
			if err != nil {
				return nil, err
			}
			if job != nil {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

// Remove deletes one job from its state set and drops its envelope.
// Active jobs are not removable; in-flight work is allowed to finish.
func (s *Store) Remove(ctx context.Context, queue, id string) error {
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, s.waitingKey(queue), id)
	pipe.ZRem(ctx, s.delayedKey(queue), id)
	pipe.ZRem(ctx, s.completedKey(queue), id)
	pipe.ZRem(ctx, s.failedKey(queue), id)
	pipe.Del(ctx, s.jobKey(queue, id))
	_, err := pipe.Exec(ctx)
	return err
}

// MoveFailedToWaiting re-enqueues one failed job, resetting its attempts.
func (s *Store) MoveFailedToWaiting(ctx context.Context, queue, id string) error {
	removed, err := s.client.ZRem(ctx, s.failedKey(queue), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s is not in the failed set", ErrJobNotFound, id)
	}
	job, err := s.GetJob(ctx, queue, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: %s has no envelope", ErrJobNotFound, id)
	}
	job.State = StateWaiting
	job.AttemptsMade = 0
	job.FailedReason = ""
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	score, err := s.waitingScore(ctx, job.Priority)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, s.waitingKey(queue), redis.Z{Score: score, Member: id}).Err()
}

// FailedJobIDs lists the ids currently in the failed set.
func (s *Store) FailedJobIDs(ctx context.Context, queue string) ([]string, error) {
	return s.client.ZRange(ctx, s.failedKey(queue), 0, -1).Result()
}
