package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/models"
	"mailflow/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAnalyzer is a scriptable ContentAnalyzer. Confidence defaults to 0.9
// unless overridden per message id.
type fakeAnalyzer struct {
	mu          sync.Mutex
	errs        map[string]error
	confidences map[string]float64
	calls       []string
	onAnalyze   func(messageID string)
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		errs:        make(map[string]error),
		confidences: make(map[string]float64),
	}
}

func (f *fakeAnalyzer) AnalyzeMessage(ctx context.Context, messageID string, analysisTypes []string, rules []ExtractorRule) ([]AnalysisOutcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messageID)
	err := f.errs[messageID]
	confidence, ok := f.confidences[messageID]
	hook := f.onAnalyze
	f.mu.Unlock()

	if hook != nil {
		hook(messageID)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		confidence = 0.9
	}

	outcomes := make([]AnalysisOutcome, 0, len(analysisTypes))
	for _, at := range analysisTypes {
		outcomes = append(outcomes, AnalysisOutcome{
			MessageID:    messageID,
			AnalysisType: at,
			Result:       "result for " + messageID,
			Confidence:   confidence,
		})
	}
	return outcomes, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAnalyzer) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type batchEnv struct {
	processor *BatchProcessor
	analyzer  *fakeAnalyzer
	analyses  *repository.AnalysisRepository
	records   *repository.BatchJobRepository
	clock     *fakeClock
}

// newBatchEnv builds a processor with no queue backend; tests drive the
// drain loop directly for determinism.
func newBatchEnv(t *testing.T) *batchEnv {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock()
	analyzer := newFakeAnalyzer()
	limiter := NewRateLimiter(config.RateLimitConfig{
		RequestsPerMinute: 1000,
		RequestsPerHour:   10000,
		MaxConcurrent:     4,
		BackoffMultiplier: 2,
		MaxBackoff:        8 * time.Second,
	}, clock)

	env := &batchEnv{
		analyzer: analyzer,
		analyses: repository.NewAnalysisRepository(db),
		records:  repository.NewBatchJobRepository(db),
		clock:    clock,
	}
	processor, err := NewBatchProcessor(analyzer, limiter, env.analyses, env.records, nil, NewEventBus(), clock)
	require.NoError(t, err)
	env.processor = processor
	t.Cleanup(processor.Stop)
	return env
}

func messageIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("m-%03d", i)
	}
	return ids
}

func TestBatchJobProcessesInSlices(t *testing.T) {
	env := newBatchEnv(t)

	record, err := env.processor.CreateBatchJob(messageIDs(25), BatchOptions{
		BatchSize:           10,
		DelayBetweenBatches: 2 * time.Second,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobPending, record.Status)
	assert.Equal(t, models.BatchPriorityNormal, record.Priority)
	assert.Equal(t, 25, record.Total)

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCompleted, view.Record.Status)
	assert.Equal(t, 25, view.Record.Processed)
	assert.Equal(t, 25, view.Record.Successful)
	assert.Equal(t, 0, view.Record.Failed)
	require.NotNil(t, view.Record.CompletedAt)
	assert.Equal(t, 25, env.analyzer.callCount())

	// Two inter-slice delays for three slices of 10, 10, 5
	delays := 0
	for _, d := range env.clock.recordedSleeps() {
		if d == 2*time.Second {
			delays++
		}
	}
	assert.Equal(t, 2, delays)

	// Terminal state survives in the persisted record
	persisted, err := env.records.GetByID(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCompleted, persisted.Status)
}

func TestBatchJobDefaults(t *testing.T) {
	env := newBatchEnv(t)

	record, err := env.processor.CreateBatchJob([]string{"m-1"}, BatchOptions{}, nil, nil)
	require.NoError(t, err)

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCompleted, view.Record.Status)
	// Default analysis type is classification
	results, err := env.analyses.GetByMessageID("m-1")
	require.NoError(t, err)
	require.Empty(t, results) // the fake analyzer does not hit the cache
	assert.Equal(t, 1, env.analyzer.callCount())
}

func TestBatchJobEmptySubmission(t *testing.T) {
	env := newBatchEnv(t)
	_, err := env.processor.CreateBatchJob(nil, BatchOptions{}, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyMessageList)
}

func TestBatchJobSkipExistingAnalysis(t *testing.T) {
	env := newBatchEnv(t)
	require.NoError(t, env.analyses.Save(&models.AnalysisResult{
		MessageID:    "m-cached",
		AnalysisType: AnalysisTypeClassification,
		Result:       "cached",
		Confidence:   0.95,
	}))

	record, err := env.processor.CreateBatchJob([]string{"m-cached", "m-new"}, BatchOptions{
		SkipExistingAnalysis: true,
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, record.Total)
	assert.Equal(t, models.StringSlice{"m-new"}, record.MessageIDs)

	_, err = env.processor.CreateBatchJob([]string{"m-cached"}, BatchOptions{
		SkipExistingAnalysis: true,
	}, nil, nil)
	assert.ErrorIs(t, err, ErrAllAlreadyAnalyzed)
}

func TestBatchPriorityDerivedFromBatchSize(t *testing.T) {
	env := newBatchEnv(t)

	normal, err := env.processor.CreateBatchJob([]string{"n-1"}, BatchOptions{BatchSize: 10}, nil, nil)
	require.NoError(t, err)
	high, err := env.processor.CreateBatchJob([]string{"h-1"}, BatchOptions{BatchSize: 150}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, models.BatchPriorityNormal, normal.Priority)
	assert.Equal(t, models.BatchPriorityHigh, high.Priority)

	env.processor.drainTick()

	// High priority drains first despite later submission
	assert.Equal(t, []string{"h-1", "n-1"}, env.analyzer.callOrder())
}

func TestCancelPendingJobNeverRuns(t *testing.T) {
	env := newBatchEnv(t)

	record, err := env.processor.CreateBatchJob(messageIDs(5), BatchOptions{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.processor.CancelJob(record.ID))

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCancelled, view.Record.Status)
	require.NotNil(t, view.Record.CompletedAt)

	env.processor.drainTick()
	assert.Zero(t, env.analyzer.callCount())
	assert.Equal(t, 0, view.Record.Processed)
}

func TestCancelRunningJobStopsAtSliceBoundary(t *testing.T) {
	env := newBatchEnv(t)

	record, err := env.processor.CreateBatchJob(messageIDs(6), BatchOptions{BatchSize: 2}, nil, nil)
	require.NoError(t, err)

	env.analyzer.onAnalyze = func(messageID string) {
		if messageID == "m-000" {
			require.NoError(t, env.processor.CancelJob(record.ID))
		}
	}

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCancelled, view.Record.Status)
	// The first slice finishes, later slices never start
	assert.Equal(t, 2, view.Record.Processed)
	assert.Equal(t, 2, env.analyzer.callCount())
}

func TestCancelUnknownJob(t *testing.T) {
	env := newBatchEnv(t)
	err := env.processor.CancelJob("missing")
	assert.ErrorIs(t, err, ErrBatchJobNotFound)
}

func TestRateLimitFailureIsContainedAndBacksOff(t *testing.T) {
	env := newBatchEnv(t)
	env.analyzer.errs["m-001"] = fmt.Errorf("%w: upstream said slow down", ErrAIRateLimited)

	record, err := env.processor.CreateBatchJob(messageIDs(3), BatchOptions{BatchSize: 3}, nil, nil)
	require.NoError(t, err)

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCompleted, view.Record.Status)
	assert.Equal(t, 2, view.Record.Successful)
	assert.Equal(t, 1, view.Record.Failed)
	assert.Equal(t, 1, view.ErrorCategories[ErrorCategoryRateLimit])

	// The throttle hit triggered a backoff sleep
	assert.Contains(t, env.clock.recordedSleeps(), time.Second)
}

func TestQualityMetricsAggregation(t *testing.T) {
	env := newBatchEnv(t)
	env.analyzer.confidences["m-000"] = 0.9
	env.analyzer.confidences["m-001"] = 0.95
	env.analyzer.confidences["m-002"] = 0.4
	env.analyzer.confidences["m-003"] = 0.6

	record, err := env.processor.CreateBatchJob(messageIDs(4), BatchOptions{BatchSize: 4}, nil, nil)
	require.NoError(t, err)

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Quality.HighConfidence)
	assert.Equal(t, 1, view.Quality.LowConfidence)
	// 0.4 and 0.6 fall under the default 0.7 quality threshold
	assert.Equal(t, 2, view.Quality.BelowThreshold)
	assert.InDelta(t, 0.7125, view.Quality.MeanConfidence, 0.0001)
}

func TestQualityThresholdOptionCountsBelowThreshold(t *testing.T) {
	env := newBatchEnv(t)
	env.analyzer.confidences["m-000"] = 0.85
	env.analyzer.confidences["m-001"] = 0.95

	record, err := env.processor.CreateBatchJob(messageIDs(2), BatchOptions{BatchSize: 2, QualityThreshold: 0.9}, nil, nil)
	require.NoError(t, err)

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Quality.BelowThreshold)
	assert.Equal(t, 2, view.Quality.HighConfidence)
}

func TestTransientFailureRecoversWithinMaxRetries(t *testing.T) {
	env := newBatchEnv(t)
	env.analyzer.errs["m-000"] = errors.New("connection refused")
	attempts := 0
	env.analyzer.onAnalyze = func(messageID string) {
		if messageID != "m-000" {
			return
		}
		attempts++
		if attempts == 1 {
			env.analyzer.mu.Lock()
			delete(env.analyzer.errs, "m-000")
			env.analyzer.mu.Unlock()
		}
	}

	record, err := env.processor.CreateBatchJob(messageIDs(2), BatchOptions{BatchSize: 2, MaxRetries: 3}, nil, nil)
	require.NoError(t, err)

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCompleted, view.Record.Status)
	assert.Equal(t, 2, view.Record.Successful)
	assert.Equal(t, 0, view.Record.Failed)
	assert.Equal(t, 2, attempts)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	env := newBatchEnv(t)
	env.analyzer.errs["m-000"] = errors.New("failed to parse model output")

	record, err := env.processor.CreateBatchJob([]string{"m-000"}, BatchOptions{MaxRetries: 3}, nil, nil)
	require.NoError(t, err)

	env.processor.drainTick()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Record.Failed)
	assert.Equal(t, 1, view.ErrorCategories[ErrorCategoryParsing])
	assert.Equal(t, 1, env.analyzer.callCount())
}

func TestGetJobStatusFallsBackToPersistedRecord(t *testing.T) {
	env := newBatchEnv(t)

	record, err := env.processor.CreateBatchJob([]string{"m-1"}, BatchOptions{}, nil, nil)
	require.NoError(t, err)
	env.processor.drainTick()

	// Simulate eviction of the in-memory state
	env.processor.mu.Lock()
	delete(env.processor.jobs, record.ID)
	env.processor.mu.Unlock()

	view, err := env.processor.GetJobStatus(record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCompleted, view.Record.Status)

	_, err = env.processor.GetJobStatus("missing")
	assert.ErrorIs(t, err, ErrBatchJobNotFound)
}

func TestCleanupCompletedJobsHonorsRetention(t *testing.T) {
	env := newBatchEnv(t)

	oldJob, err := env.processor.CreateBatchJob([]string{"m-old"}, BatchOptions{}, nil, nil)
	require.NoError(t, err)
	freshJob, err := env.processor.CreateBatchJob([]string{"m-fresh"}, BatchOptions{}, nil, nil)
	require.NoError(t, err)
	env.processor.drainTick()

	past := time.Now().Add(-25 * time.Hour)
	env.processor.mu.Lock()
	env.processor.jobs[oldJob.ID].record.CompletedAt = &past
	env.processor.mu.Unlock()

	assert.Equal(t, 1, env.processor.CleanupCompletedJobs(24))

	_, err = env.processor.GetJobStatus(freshJob.ID)
	require.NoError(t, err)
	// Evicted jobs remain queryable through the persisted record
	view, err := env.processor.GetJobStatus(oldJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobCompleted, view.Record.Status)
}

func TestCategorizeError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: please retry", ErrAIRateLimited), ErrorCategoryRateLimit},
		{errors.New("got 429 too many requests"), ErrorCategoryRateLimit},
		{errors.New("quota exceeded for model"), ErrorCategoryRateLimit},
		{errors.New("AI analysis failed: no choices in response"), ErrorCategoryAIAnalysis},
		{errors.New("context deadline exceeded"), ErrorCategoryTimeout},
		{errors.New("connection refused"), ErrorCategoryNetwork},
		{errors.New("dial tcp: no such host"), ErrorCategoryNetwork},
		{errors.New("failed to parse model reply"), ErrorCategoryParsing},
		{errors.New("something odd happened"), ErrorCategoryUnknown},
		{nil, ErrorCategoryUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, categorizeError(tc.err))
	}
}
