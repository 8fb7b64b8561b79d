package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mailflow/internal/queue"
	"mailflow/internal/repository"
	"mailflow/internal/services"

	"github.com/gorilla/mux"
)

// APIHandler carries the scheduling core's entry points for the HTTP
// surface.
type APIHandler struct {
	SyncManager    *services.SyncManager
	BatchProcessor *services.BatchProcessor
	QueueManager   *queue.Manager
	AccountRepo    *repository.EmailAccountRepository
	BatchJobRepo   *repository.BatchJobRepository
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(syncManager *services.SyncManager, batchProcessor *services.BatchProcessor, queueManager *queue.Manager, accountRepo *repository.EmailAccountRepository, batchJobRepo *repository.BatchJobRepository) *APIHandler {
	return &APIHandler{
		SyncManager:    syncManager,
		BatchProcessor: batchProcessor,
		QueueManager:   queueManager,
		AccountRepo:    accountRepo,
		BatchJobRepo:   batchJobRepo,
	}
}

// StartSyncRequest is the body of POST /sync/start.
type StartSyncRequest struct {
	AccountID uint   `json:"account_id"`
	SyncType  string `json:"sync_type,omitempty"` // full, incremental (default), realtime
	Priority  string `json:"priority,omitempty"`  // high, normal (default), low
	DelayMs   int    `json:"delay_ms,omitempty"`
}

// StartSyncHandler starts a sync operation for an account.
func (h *APIHandler) StartSyncHandler(w http.ResponseWriter, r *http.Request) {
	var request StartSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if request.AccountID == 0 {
		http.Error(w, "account_id is required", http.StatusBadRequest)
		return
	}

	account, err := h.AccountRepo.GetByID(request.AccountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	operationID, err := h.SyncManager.StartAccountSync(r.Context(), account, services.StartSyncOptions{
		SyncType: services.SyncType(request.SyncType),
		Priority: request.Priority,
		Delay:    time.Duration(request.DelayMs) * time.Millisecond,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"operation_id": operationID})
}

// StopSyncHandler cancels one sync operation.
func (h *APIHandler) StopSyncHandler(w http.ResponseWriter, r *http.Request) {
	operationID := mux.Vars(r)["id"]

	if err := h.SyncManager.StopAccountSync(r.Context(), operationID); err != nil {
		if errors.Is(err, services.ErrOperationNotFound) {
			http.Error(w, "Operation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
}

// GetSyncStatusHandler returns one operation's snapshot.
func (h *APIHandler) GetSyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	operationID := mux.Vars(r)["id"]

	op, err := h.SyncManager.GetSyncStatus(operationID)
	if err != nil {
		if errors.Is(err, services.ErrOperationNotFound) {
			http.Error(w, "Operation not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(op)
}

// GetAccountSyncStatusHandler returns every tracked operation of an account.
func (h *APIHandler) GetAccountSyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		http.Error(w, "Invalid account id", http.StatusBadRequest)
		return
	}

	operations := h.SyncManager.GetAccountSyncStatus(uint(accountID))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id": accountID,
		"operations": operations,
	})
}

// RealtimeSyncHandler enables or disables webhook-driven sync for an account.
func (h *APIHandler) RealtimeSyncHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		http.Error(w, "Invalid account id", http.StatusBadRequest)
		return
	}

	var request struct {
		Enable bool `json:"enable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if request.Enable {
		account, err := h.AccountRepo.GetByID(uint(accountID))
		if err != nil {
			http.Error(w, "Account not found", http.StatusNotFound)
			return
		}
		err = h.SyncManager.SetupRealtimeSync(r.Context(), account)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else {
		if err := h.SyncManager.RemoveRealtimeSync(r.Context(), uint(accountID)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"realtime": request.Enable})
}

// WebhookHandler receives provider change notifications.
func (h *APIHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID, err := strconv.ParseUint(vars["accountId"], 10, 32)
	if err != nil {
		http.Error(w, "Invalid account id", http.StatusBadRequest)
		return
	}

	var notification services.WebhookNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	notification.AccountID = uint(accountID)
	notification.Provider = vars["provider"]

	if err := h.SyncManager.HandleWebhookNotification(r.Context(), &notification); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateBatchJobRequest is the body of POST /analysis/batch.
type CreateBatchJobRequest struct {
	MessageIDs []string `json:"message_ids"`
	UserID     *uint    `json:"user_id,omitempty"`
	AccountID  *uint    `json:"account_id,omitempty"`

	BatchSize            int      `json:"batch_size,omitempty"`
	DelayBetweenBatchesMs int     `json:"delay_between_batches_ms,omitempty"`
	MaxRetries           int      `json:"max_retries,omitempty"`
	AnalysisTypes        []string `json:"analysis_types,omitempty"`
	QualityThreshold     float64  `json:"quality_threshold,omitempty"`
	SkipExistingAnalysis bool     `json:"skip_existing_analysis,omitempty"`
}

// CreateBatchJobHandler submits a batch analysis job.
func (h *APIHandler) CreateBatchJobHandler(w http.ResponseWriter, r *http.Request) {
	var request CreateBatchJobRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	record, err := h.BatchProcessor.CreateBatchJob(request.MessageIDs, services.BatchOptions{
		BatchSize:            request.BatchSize,
		DelayBetweenBatches:  time.Duration(request.DelayBetweenBatchesMs) * time.Millisecond,
		MaxRetries:           request.MaxRetries,
		AnalysisTypes:        request.AnalysisTypes,
		QualityThreshold:     request.QualityThreshold,
		SkipExistingAnalysis: request.SkipExistingAnalysis,
	}, request.UserID, request.AccountID)
	if err != nil {
		if errors.Is(err, services.ErrEmptyMessageList) || errors.Is(err, services.ErrAllAlreadyAnalyzed) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(record)
}

// GetBatchJobHandler returns the status view of one batch job.
func (h *APIHandler) GetBatchJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	view, err := h.BatchProcessor.GetJobStatus(jobID)
	if err != nil {
		if errors.Is(err, services.ErrBatchJobNotFound) {
			http.Error(w, "Batch job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// CancelBatchJobHandler cancels a pending or running batch job.
func (h *APIHandler) CancelBatchJobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	if err := h.BatchProcessor.CancelJob(jobID); err != nil {
		if errors.Is(err, services.ErrBatchJobNotFound) {
			http.Error(w, "Batch job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelling"})
}

// ListBatchJobsHandler returns recently persisted batch jobs.
func (h *APIHandler) ListBatchJobsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	jobs, err := h.BatchJobRepo.GetRecent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jobs)
}

// GetQueueStatusHandler returns the per-state counts of every queue, or of
// one queue when ?queue= is given.
func (h *APIHandler) GetQueueStatusHandler(w http.ResponseWriter, r *http.Request) {
	names := h.QueueManager.QueueNames()
	if q := r.URL.Query().Get("queue"); q != "" {
		names = []string{q}
	}

	statuses := make(map[string]queue.StatusCounts, len(names))
	for _, name := range names {
		counts, err := h.QueueManager.GetQueueStatus(r.Context(), name)
		if err != nil {
			if errors.Is(err, queue.ErrUnknownQueue) {
				http.Error(w, fmt.Sprintf("Unknown queue: %s", name), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		statuses[name] = counts
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}

// QueueControlHandler applies one administrative action to a queue.
func (h *APIHandler) QueueControlHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	queueKey := vars["queue"]
	action := vars["action"]

	var err error
	switch action {
	case "pause":
		err = h.QueueManager.PauseQueue(r.Context(), queueKey)
	case "resume":
		err = h.QueueManager.ResumeQueue(r.Context(), queueKey)
	case "clear":
		err = h.QueueManager.ClearQueue(r.Context(), queueKey)
	default:
		http.Error(w, fmt.Sprintf("Unknown action: %s", action), http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			http.Error(w, "Unknown queue", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"queue": queueKey, "action": action})
}

// RetryFailedJobsHandler re-enqueues failed jobs: all of them, or one when
// ?job= is given.
func (h *APIHandler) RetryFailedJobsHandler(w http.ResponseWriter, r *http.Request) {
	queueKey := mux.Vars(r)["queue"]

	if jobID := r.URL.Query().Get("job"); jobID != "" {
		if err := h.QueueManager.RetryFailedJob(r.Context(), queueKey, jobID); err != nil {
			if errors.Is(err, queue.ErrUnknownQueue) {
				http.Error(w, "Unknown queue", http.StatusNotFound)
				return
			}
			if errors.Is(err, queue.ErrJobNotFound) {
				http.Error(w, "Job not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"retried": 1})
		return
	}

	retried, err := h.QueueManager.RetryAllFailedJobs(r.Context(), queueKey)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) {
			http.Error(w, "Unknown queue", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"retried": retried})
}

// HealthHandler returns the aggregate queue health report.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.QueueManager.Health(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !report.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// PeriodicSyncHandler triggers one periodic sync pass, for external cron
// callers.
func (h *APIHandler) PeriodicSyncHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.SyncManager.SchedulePeriodicSync(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "scheduled"})
}
