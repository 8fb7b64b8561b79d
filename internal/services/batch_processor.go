package services

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mailflow/internal/models"
	"mailflow/internal/queue"
	"mailflow/internal/repository"
	"mailflow/internal/utils"

	"github.com/google/uuid"
)

// Errors surfaced to batch job submitters.
var (
	ErrEmptyMessageList   = errors.New("no message ids to analyze")
	ErrAllAlreadyAnalyzed = errors.New("all messages already have cached analysis")
	ErrBatchJobNotFound   = errors.New("batch job not found")
)

// AnalysisQueueName is the queue carrying analysis jobs.
const AnalysisQueueName = "email-analysis"

// BatchJobTrigger is the job name that nudges the drain loop.
const BatchJobTrigger = "batch"

// batchJobRetention mirrors the sync operation retention default.
const batchJobRetentionHours = 24

// drainInterval is how often the queue loop looks for pending jobs.
const drainInterval = 1 * time.Second

// BatchOptions are the per-job analysis knobs, with defaults applied at
// submission time.
type BatchOptions struct {
	BatchSize            int             `json:"batch_size"`
	DelayBetweenBatches  time.Duration   `json:"delay_between_batches"`
	MaxRetries           int             `json:"max_retries"`
	AnalysisTypes        []string        `json:"analysis_types"`
	QualityThreshold     float64         `json:"quality_threshold"`
	SkipExistingAnalysis bool            `json:"skip_existing_analysis"`
	ExtractionRules      []ExtractorRule `json:"extraction_rules,omitempty"`
}

func (o *BatchOptions) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.DelayBetweenBatches <= 0 {
		o.DelayBetweenBatches = 2000 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.QualityThreshold <= 0 {
		o.QualityThreshold = 0.7
	}
	if len(o.AnalysisTypes) == 0 {
		o.AnalysisTypes = []string{AnalysisTypeClassification}
	}
}

// Error categories used for telemetry and the rate-limit backoff decision.
const (
	ErrorCategoryRateLimit  = "rate-limit"
	ErrorCategoryAIAnalysis = "AI-analysis"
	ErrorCategoryTimeout    = "timeout"
	ErrorCategoryNetwork    = "network"
	ErrorCategoryParsing    = "parsing"
	ErrorCategoryUnknown    = "unknown"
)

// categorizeError buckets an error by substring heuristics; "unknown" is
// the lowest-precedence default.
func categorizeError(err error) string {
	if err == nil {
		return ErrorCategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrAIRateLimited),
		strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "quota"), strings.Contains(msg, "429"):
		return ErrorCategoryRateLimit
	case strings.Contains(msg, "analysis failed"), strings.Contains(msg, "no choices"),
		strings.Contains(msg, "no candidates"), strings.Contains(msg, "no content"):
		return ErrorCategoryAIAnalysis
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return ErrorCategoryTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "refused"):
		return ErrorCategoryNetwork
	case strings.Contains(msg, "parse"), strings.Contains(msg, "unmarshal"),
		strings.Contains(msg, "invalid json"):
		return ErrorCategoryParsing
	default:
		return ErrorCategoryUnknown
	}
}

// QualityMetrics aggregates confidence telemetry over one batch job.
type QualityMetrics struct {
	MeanConfidence float64 `json:"meanConfidence"`
	HighConfidence int     `json:"highConfidence"` // >= 0.8
	LowConfidence  int     `json:"lowConfidence"`  // < 0.5
	BelowThreshold int     `json:"belowThreshold"` // < options.quality_threshold
}

// BatchJobStatusView is the read model handed to status callers.
type BatchJobStatusView struct {
	Record          models.BatchAnalysisJobRecord `json:"record"`
	ErrorCategories map[string]int                `json:"errorCategories"`
	Quality         QualityMetrics                `json:"quality"`
}

// batchJob is the in-memory execution state of one job.
type batchJob struct {
	record  *models.BatchAnalysisJobRecord
	options BatchOptions

	cancelled atomic.Bool

	confidenceSum   float64
	confidenceCount int
	highConfidence  int
	lowConfidence   int
	belowThreshold  int
	errorCategories map[string]int
}

// jobHeap orders pending jobs: high priority first, then submission order.
type jobHeap []*batchJob

func priorityRank(p models.BatchJobPriority) int {
	switch p {
	case models.BatchPriorityHigh:
		return 0
	case models.BatchPriorityNormal:
		return 1
	default:
		return 2
	}
}

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	ri, rj := priorityRank(h[i].record.Priority), priorityRank(h[j].record.Priority)
	if ri != rj {
		return ri < rj
	}
	return h[i].record.CreatedAt.Before(h[j].record.CreatedAt)
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*batchJob)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// BatchProcessor converts message id lists into analysis results without
// exceeding provider rate limits. Jobs drain one at a time (single-flight)
// so the rate-limit accounting stays simple and correct.
type BatchProcessor struct {
	analyzer ContentAnalyzer
	limiter  *RateLimiter
	analyses *repository.AnalysisRepository
	records  *repository.BatchJobRepository
	queues   *queue.Manager
	events   *EventBus
	clock    Clock
	logger   *utils.Logger

	mu      sync.Mutex
	jobs    map[string]*batchJob
	pending jobHeap

	draining atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// NewBatchProcessor wires the processor and registers its drain trigger on
// the analysis queue; Start launches the drain loop. Must run before the
// queue manager is initialized.
func NewBatchProcessor(analyzer ContentAnalyzer, limiter *RateLimiter, analyses *repository.AnalysisRepository, records *repository.BatchJobRepository, queues *queue.Manager, events *EventBus, clock Clock) (*BatchProcessor, error) {
	if clock == nil {
		clock = realClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &BatchProcessor{
		analyzer: analyzer,
		limiter:  limiter,
		analyses: analyses,
		records:  records,
		queues:   queues,
		events:   events,
		clock:    clock,
		logger:   utils.NewLogger("BatchProcessor"),
		jobs:     make(map[string]*batchJob),
		ctx:      ctx,
		cancel:   cancel,
	}
	if queues != nil {
		// Queue deliveries nudge the single-flight drain; concurrent
		// triggers collapse into one pass
		if err := queues.RegisterProcessor(AnalysisQueueName, BatchJobTrigger, func(ctx context.Context, job *queue.Job) error {
			p.drainTick()
			return nil
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to register batch trigger processor: %w", err)
		}
	}
	return p, nil
}

// Start launches the drain loop. Safe to call once.
func (p *BatchProcessor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(drainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.drainTick()
			}
		}
	}()
}

// Stop cancels the drain loop and any running job, then waits for it.
func (p *BatchProcessor) Stop() {
	p.cancel()
	p.wg.Wait()
}

// CreateBatchJob registers and persists a new analysis job. Execution is
// asynchronous; the returned record reflects the pending state.
func (p *BatchProcessor) CreateBatchJob(messageIDs []string, options BatchOptions, userID, accountID *uint) (*models.BatchAnalysisJobRecord, error) {
	if len(messageIDs) == 0 {
		return nil, ErrEmptyMessageList
	}
	options.applyDefaults()

	if options.SkipExistingAnalysis {
		analyzed, err := p.analyses.FilterAnalyzed(messageIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to check cached analysis: %w", err)
		}
		skip := make(map[string]bool, len(analyzed))
		for _, id := range analyzed {
			skip[id] = true
		}
		var remaining []string
		for _, id := range messageIDs {
			if !skip[id] {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			return nil, ErrAllAlreadyAnalyzed
		}
		messageIDs = remaining
	}

	priority := models.BatchPriorityNormal
	if options.BatchSize > 100 {
		priority = models.BatchPriorityHigh
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}

	record := &models.BatchAnalysisJobRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		AccountID:  accountID,
		Status:     models.BatchJobPending,
		Priority:   priority,
		MessageIDs: messageIDs,
		Total:      len(messageIDs),
		Options:    string(optionsJSON),
		CreatedAt:  time.Now(),
	}
	if err := p.records.Create(record); err != nil {
		return nil, fmt.Errorf("failed to persist batch job: %w", err)
	}

	job := &batchJob{
		record:          record,
		options:         options,
		errorCategories: make(map[string]int),
	}

	p.mu.Lock()
	p.jobs[record.ID] = job
	heap.Push(&p.pending, job)
	p.mu.Unlock()

	p.events.Publish(EventBatchCreated, record)
	p.logger.Info("Created batch job %s: %d messages, priority %s", record.ID, record.Total, priority)

	// Nudge the drain through the queue; the interval ticker is the
	// fallback when the queue is unavailable
	if p.queues != nil {
		payload := map[string]string{"batchJobId": record.ID}
		if _, err := p.queues.AddJob(p.ctx, AnalysisQueueName, BatchJobTrigger, payload, &queue.JobOptions{
			Priority: batchQueuePriority(priority),
		}); err != nil {
			p.logger.Debug("Drain trigger enqueue failed for job %s: %v", record.ID, err)
		}
	}
	return record, nil
}

// batchQueuePriority maps the batch tier onto the numeric queue priority.
func batchQueuePriority(p models.BatchJobPriority) int {
	switch p {
	case models.BatchPriorityHigh:
		return 1
	case models.BatchPriorityLow:
		return 10
	default:
		return 5
	}
}

// drainTick runs at most one job to completion. A tick arriving while the
// previous one still processes is skipped.
func (p *BatchProcessor) drainTick() {
	if !p.draining.CompareAndSwap(false, true) {
		return
	}
	defer p.draining.Store(false)

	for {
		job := p.popPending()
		if job == nil {
			return
		}
		if job.cancelled.Load() {
			continue
		}
		p.runJob(job)
		if p.ctx.Err() != nil {
			return
		}
	}
}

func (p *BatchProcessor) popPending() *batchJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending.Len() > 0 {
		job := heap.Pop(&p.pending).(*batchJob)
		if job.record.Status == models.BatchJobPending && !job.cancelled.Load() {
			return job
		}
	}
	return nil
}

// runJob executes one job slice by slice. Slice failures are contained;
// only submission-level corruption fails the whole job.
func (p *BatchProcessor) runJob(job *batchJob) {
	now := time.Now()
	p.mu.Lock()
	job.record.Status = models.BatchJobRunning
	job.record.StartedAt = &now
	p.mu.Unlock()
	p.persist(job)

	ids := job.record.MessageIDs
	batchSize := job.options.BatchSize
	start := time.Now()

	for offset := 0; offset < len(ids); offset += batchSize {
		if job.cancelled.Load() || p.ctx.Err() != nil {
			p.finishJob(job, models.BatchJobCancelled)
			return
		}

		end := offset + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		slice := ids[offset:end]

		p.runSlice(job, slice)

		p.mu.Lock()
		job.record.Processed += len(slice)
		processed := job.record.Processed
		p.mu.Unlock()

		// Estimate completion from elapsed time per item
		if processed > 0 && processed < len(ids) {
			perItem := time.Since(start) / time.Duration(processed)
			eta := time.Now().Add(perItem * time.Duration(len(ids)-processed))
			p.mu.Lock()
			job.record.EstimatedCompletion = &eta
			p.mu.Unlock()
		}
		p.persist(job)
		p.events.Publish(EventBatchProgress, p.statusView(job))

		if end < len(ids) {
			if err := p.clock.Sleep(p.ctx, job.options.DelayBetweenBatches); err != nil {
				p.finishJob(job, models.BatchJobCancelled)
				return
			}
		}
	}

	if job.cancelled.Load() {
		p.finishJob(job, models.BatchJobCancelled)
		return
	}
	p.finishJob(job, models.BatchJobCompleted)
}

// runSlice analyzes one slice of message ids under the rate limiter.
func (p *BatchProcessor) runSlice(job *batchJob, slice []string) {
	if err := p.limiter.Acquire(p.ctx); err != nil {
		p.countSliceFailure(job, slice, err)
		return
	}
	defer p.limiter.Release()

	sliceThrottled := false
	for _, messageID := range slice {
		outcomes, err := p.analyzeWithRetry(job, messageID)
		if err != nil {
			category := categorizeError(err)
			p.mu.Lock()
			job.record.Failed++
			job.errorCategories[category]++
			p.mu.Unlock()
			p.logger.Warn("Analysis failed for message %s (%s): %v", messageID, category, err)
			if category == ErrorCategoryRateLimit {
				sliceThrottled = true
			}
			continue
		}

		p.mu.Lock()
		job.record.Successful++
		for _, outcome := range outcomes {
			job.confidenceSum += outcome.Confidence
			job.confidenceCount++
			if outcome.Confidence >= 0.8 {
				job.highConfidence++
			}
			if outcome.Confidence < 0.5 {
				job.lowConfidence++
			}
			if outcome.Confidence < job.options.QualityThreshold {
				job.belowThreshold++
			}
		}
		p.mu.Unlock()
	}
	if !sliceThrottled {
		p.limiter.ResetBackoff()
	}
}

// analyzeWithRetry runs one message's analysis, retrying transient
// failures up to the job's max_retries. A throttle hit grows the limiter
// backoff between attempts; permanent failures return immediately.
func (p *BatchProcessor) analyzeWithRetry(job *batchJob, messageID string) ([]AnalysisOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= job.options.MaxRetries; attempt++ {
		outcomes, err := p.analyzer.AnalyzeMessage(p.ctx, messageID, job.options.AnalysisTypes, job.options.ExtractionRules)
		if err == nil {
			return outcomes, nil
		}
		lastErr = err
		category := categorizeError(err)
		if !isTransientCategory(category) {
			break
		}
		if category == ErrorCategoryRateLimit {
			if backoffErr := p.limiter.BackoffAfterThrottle(p.ctx); backoffErr != nil {
				break
			}
		}
	}
	return nil, lastErr
}

// isTransientCategory reports whether a failure bucket is worth retrying.
func isTransientCategory(category string) bool {
	switch category {
	case ErrorCategoryRateLimit, ErrorCategoryTimeout, ErrorCategoryNetwork:
		return true
	}
	return false
}

// countSliceFailure marks a whole slice failed after a slice-level error.
func (p *BatchProcessor) countSliceFailure(job *batchJob, slice []string, err error) {
	category := categorizeError(err)
	p.mu.Lock()
	job.record.Failed += len(slice)
	job.errorCategories[category] += len(slice)
	p.mu.Unlock()
	p.logger.Warn("Slice of %d failed (%s): %v", len(slice), category, err)
}

// finishJob stamps the terminal state and persists it. A cancelled job
// keeps its cancelled status.
func (p *BatchProcessor) finishJob(job *batchJob, status models.BatchJobStatus) {
	now := time.Now()
	p.mu.Lock()
	job.record.Status = status
	job.record.CompletedAt = &now
	job.record.EstimatedCompletion = nil
	if status == models.BatchJobFailed && job.record.ErrorMessage == "" {
		job.record.ErrorMessage = "batch execution failed"
	}
	view := p.statusView(job)
	p.mu.Unlock()

	p.persist(job)
	p.events.Publish(EventBatchFinished, view)
	p.logger.Info("Batch job %s finished %s: %d/%d successful, %d failed, mean confidence %.2f",
		job.record.ID, status, view.Record.Successful, view.Record.Total, view.Record.Failed,
		view.Quality.MeanConfidence)
}

func (p *BatchProcessor) persist(job *batchJob) {
	p.mu.Lock()
	record := *job.record
	p.mu.Unlock()
	if err := p.records.Update(&record); err != nil {
		p.logger.Warn("Failed to persist batch job %s: %v", record.ID, err)
	}
}

// statusView builds the read model; callers must hold p.mu or accept a
// small race on the in-flight counters.
func (p *BatchProcessor) statusView(job *batchJob) *BatchJobStatusView {
	categories := make(map[string]int, len(job.errorCategories))
	for k, v := range job.errorCategories {
		categories[k] = v
	}
	metrics := QualityMetrics{
		HighConfidence: job.highConfidence,
		LowConfidence:  job.lowConfidence,
		BelowThreshold: job.belowThreshold,
	}
	if job.confidenceCount > 0 {
		metrics.MeanConfidence = job.confidenceSum / float64(job.confidenceCount)
	}
	return &BatchJobStatusView{
		Record:          *job.record,
		ErrorCategories: categories,
		Quality:         metrics,
	}
}

// GetJobStatus returns the current state of one tracked job, falling back
// to the persisted record for evicted jobs.
func (p *BatchProcessor) GetJobStatus(jobID string) (*BatchJobStatusView, error) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if ok {
		view := p.statusView(job)
		p.mu.Unlock()
		return view, nil
	}
	p.mu.Unlock()

	record, err := p.records.GetByID(jobID)
	if err != nil {
		if errors.Is(err, repository.ErrBatchJobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBatchJobNotFound, jobID)
		}
		return nil, err
	}
	return &BatchJobStatusView{Record: *record, ErrorCategories: map[string]int{}}, nil
}

// CancelJob cancels a job: pending jobs leave the queue outright, running
// jobs observe the flag at the next slice boundary.
func (p *BatchProcessor) CancelJob(jobID string) error {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBatchJobNotFound, jobID)
	}

	job.cancelled.Store(true)
	if job.record.Status == models.BatchJobPending {
		job.record.Status = models.BatchJobCancelled
		now := time.Now()
		job.record.CompletedAt = &now
		p.mu.Unlock()
		p.persist(job)
		p.logger.Info("Cancelled pending batch job %s", jobID)
		return nil
	}
	p.mu.Unlock()

	p.logger.Info("Cancellation requested for running batch job %s", jobID)
	return nil
}

// CleanupCompletedJobs evicts terminal jobs past the retention window and
// returns the count evicted.
func (p *BatchProcessor) CleanupCompletedJobs(olderThanHours int) int {
	if olderThanHours <= 0 {
		olderThanHours = batchJobRetentionHours
	}
	cutoff := time.Now().Add(-time.Duration(olderThanHours) * time.Hour)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, job := range p.jobs {
		status := job.record.Status
		terminal := status == models.BatchJobCompleted || status == models.BatchJobFailed || status == models.BatchJobCancelled
		if terminal && job.record.CompletedAt != nil && job.record.CompletedAt.Before(cutoff) {
			delete(p.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("Evicted %d completed batch jobs", removed)
	}
	return removed
}
