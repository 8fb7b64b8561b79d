package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/models"
	"mailflow/internal/provider"
	"mailflow/internal/queue"
	"mailflow/internal/repository"
	"mailflow/internal/utils"

	"github.com/google/uuid"
)

// SyncQueueName is the queue carrying account sync jobs.
const SyncQueueName = "email-sync"

// Sync job names double as processor selectors.
const (
	SyncJobFull        = "full"
	SyncJobIncremental = "incremental"
	SyncJobRealtime    = "realtime"
)

// operationRetention is how long terminal operations stay queryable.
const operationRetention = 24 * time.Hour

// ErrOperationNotFound is returned for unknown operation ids.
var ErrOperationNotFound = errors.New("sync operation not found")

// SyncType selects the sync strategy for one operation.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeRealtime    SyncType = "realtime"
)

// SyncOperationStatus is the lifecycle state of one operation. Terminal
// states are never left.
type SyncOperationStatus string

const (
	SyncOpPending   SyncOperationStatus = "pending"
	SyncOpRunning   SyncOperationStatus = "running"
	SyncOpCompleted SyncOperationStatus = "completed"
	SyncOpFailed    SyncOperationStatus = "failed"
	SyncOpCancelled SyncOperationStatus = "cancelled"
)

// SyncProgress tracks how far an operation has come.
type SyncProgress struct {
	Processed     int    `json:"processed"`
	Total         int    `json:"total"`
	CurrentFolder string `json:"currentFolder,omitempty"`
}

// SyncStats accumulates the per-operation message counters.
type SyncStats struct {
	NewMessages     int `json:"newMessages"`
	UpdatedMessages int `json:"updatedMessages"`
	DeletedMessages int `json:"deletedMessages"`
	Errors          int `json:"errors"`
}

// SyncError is the structured failure recorded on a failed operation.
type SyncError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SyncOperation is one logical sync run for one account. It is owned by
// the SyncManager; workers mutate it only under the manager's lock, except
// the cancellation flag which is an atomic observed at folder boundaries.
type SyncOperation struct {
	ID          string              `json:"id"`
	AccountID   uint                `json:"accountId"`
	Type        SyncType            `json:"type"`
	Status      SyncOperationStatus `json:"status"`
	Progress    SyncProgress        `json:"progress"`
	Stats       SyncStats           `json:"stats"`
	StartedAt   time.Time           `json:"startedAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Error       *SyncError          `json:"error,omitempty"`

	cancelled atomic.Bool
}

// StartSyncOptions narrows a StartAccountSync call.
type StartSyncOptions struct {
	SyncType SyncType
	Priority string // "high", "normal" (default) or "low"
	Delay    time.Duration
}

// syncJobPayload is the envelope carried by sync queue jobs.
type syncJobPayload struct {
	OperationID string              `json:"operationId"`
	AccountID   uint                `json:"accountId"`
	Account     models.EmailAccount `json:"account"`
	MessageID   string              `json:"messageId,omitempty"`
	Type        string              `json:"type,omitempty"`
}

// WebhookNotification is a provider change notification handed in by the
// HTTP receiver.
type WebhookNotification struct {
	ID        string                 `json:"id"`
	AccountID uint                   `json:"accountId"`
	Provider  string                 `json:"provider"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
}

// SyncManager owns the SyncOperation index and translates sync requests
// into queue jobs. One instance per process, built by the composition root.
type SyncManager struct {
	queues    *queue.Manager
	registry  *provider.Registry
	accounts  *repository.EmailAccountRepository
	emails    *repository.EmailRepository
	webhooks  *repository.WebhookSubscriptionRepository
	webhook   config.WebhookConfig
	events    *EventBus
	logger    *utils.Logger

	mu         sync.RWMutex
	operations map[string]*SyncOperation
}

// NewSyncManager builds the manager and registers its processors on the
// sync queue. Must run before the queue manager is initialized.
func NewSyncManager(queues *queue.Manager, registry *provider.Registry, accounts *repository.EmailAccountRepository, emails *repository.EmailRepository, webhooks *repository.WebhookSubscriptionRepository, webhookCfg config.WebhookConfig, events *EventBus) (*SyncManager, error) {
	m := &SyncManager{
		queues:     queues,
		registry:   registry,
		accounts:   accounts,
		emails:     emails,
		webhooks:   webhooks,
		webhook:    webhookCfg,
		events:     events,
		logger:     utils.NewLogger("SyncManager"),
		operations: make(map[string]*SyncOperation),
	}

	for name, proc := range map[string]queue.ProcessorFunc{
		SyncJobFull:        m.processFullSync,
		SyncJobIncremental: m.processIncrementalSync,
		SyncJobRealtime:    m.processRealtimeSync,
	} {
		if err := queues.RegisterProcessor(SyncQueueName, name, proc); err != nil {
			return nil, fmt.Errorf("failed to register %s processor: %w", name, err)
		}
	}
	return m, nil
}

// StartAccountSync allocates an operation and enqueues its backing job.
// Returns the operation id immediately; execution is asynchronous.
func (m *SyncManager) StartAccountSync(ctx context.Context, account *models.EmailAccount, opts StartSyncOptions) (string, error) {
	if opts.SyncType == "" {
		opts.SyncType = SyncTypeIncremental
	}

	op := &SyncOperation{
		ID:        uuid.NewString(),
		AccountID: account.ID,
		Type:      opts.SyncType,
		Status:    SyncOpPending,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()

	_, err := m.queues.AddJob(ctx, SyncQueueName, string(opts.SyncType), syncJobPayload{
		OperationID: op.ID,
		AccountID:   account.ID,
		Account:     *account,
	}, &queue.JobOptions{
		Priority: priorityFromTier(opts.Priority),
		Delay:    opts.Delay,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.operations, op.ID)
		m.mu.Unlock()
		return "", fmt.Errorf("failed to enqueue %s sync: %w", opts.SyncType, err)
	}

	m.events.Publish(EventSyncStarted, m.snapshot(op))
	m.logger.Info("Started %s sync %s for account %d", opts.SyncType, op.ID, account.ID)
	return op.ID, nil
}

// priorityFromTier maps the requested tier onto the numeric queue
// priority; lower values dispatch first.
func priorityFromTier(tier string) int {
	switch tier {
	case "high":
		return 1
	case "low":
		return 10
	default:
		return 5
	}
}

// StopAccountSync cancels an operation and removes its not-yet-started
// jobs from the queue.
func (m *SyncManager) StopAccountSync(ctx context.Context, operationID string) error {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	op.cancelled.Store(true)
	if !isTerminal(op.Status) {
		op.Status = SyncOpCancelled
		now := time.Now()
		op.CompletedAt = &now
	}
	snap := m.snapshot(op)
	m.mu.Unlock()

	removed, err := m.queues.RemoveJobsMatching(ctx, SyncQueueName, func(payload json.RawMessage) bool {
		var p syncJobPayload
		if json.Unmarshal(payload, &p) != nil {
			return false
		}
		return p.OperationID == operationID
	})
	if err != nil {
		m.logger.Warn("Failed to remove queued jobs for operation %s: %v", operationID, err)
	} else if removed > 0 {
		m.logger.Debug("Removed %d queued jobs for cancelled operation %s", removed, operationID)
	}

	m.events.Publish(EventSyncCancelled, snap)
	return nil
}

// GetSyncStatus returns a snapshot of one operation.
func (m *SyncManager) GetSyncStatus(operationID string) (*SyncOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operations[operationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}
	return m.snapshot(op), nil
}

// GetAccountSyncStatus returns snapshots of every tracked operation for
// one account, newest first not guaranteed.
func (m *SyncManager) GetAccountSyncStatus(accountID uint) []*SyncOperation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SyncOperation
	for _, op := range m.operations {
		if op.AccountID == accountID {
			out = append(out, m.snapshot(op))
		}
	}
	return out
}

// snapshot copies the mutable operation state for safe hand-out. Callers
// must hold at least a read lock.
func (m *SyncManager) snapshot(op *SyncOperation) *SyncOperation {
	cp := &SyncOperation{
		ID:        op.ID,
		AccountID: op.AccountID,
		Type:      op.Type,
		Status:    op.Status,
		Progress:  op.Progress,
		Stats:     op.Stats,
		StartedAt: op.StartedAt,
	}
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		cp.CompletedAt = &t
	}
	if op.Error != nil {
		e := *op.Error
		cp.Error = &e
	}
	return cp
}

func isTerminal(status SyncOperationStatus) bool {
	return status == SyncOpCompleted || status == SyncOpFailed || status == SyncOpCancelled
}

// processFullSync enumerates every folder of the account and mirrors its
// messages. Per-folder errors are counted and skipped; only errors outside
// the folder loop fail the operation.
func (m *SyncManager) processFullSync(ctx context.Context, job *queue.Job) error {
	return m.runEnumeratedSync(ctx, job, false)
}

// processIncrementalSync mirrors only the account's configured sync
// folders with incremental diffs.
func (m *SyncManager) processIncrementalSync(ctx context.Context, job *queue.Job) error {
	return m.runEnumeratedSync(ctx, job, true)
}

func (m *SyncManager) runEnumeratedSync(ctx context.Context, job *queue.Job, incremental bool) error {
	var payload syncJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid sync job payload: %w", err)
	}

	op := m.beginOperation(payload.OperationID)
	if op == nil {
		m.logger.Debug("Skipping job for absent or cancelled operation %s", payload.OperationID)
		return nil
	}
	account := &payload.Account

	client, err := m.registry.Resolve(ctx, account)
	if err != nil {
		return m.failOperation(op, account, "SYNC_FAILED", err)
	}
	defer client.Disconnect()

	folders, err := m.targetFolders(ctx, client, account, incremental)
	if err != nil {
		return m.failOperation(op, account, "SYNC_FAILED", err)
	}

	m.mu.Lock()
	op.Progress.Total = len(folders)
	m.mu.Unlock()

	var since *time.Time
	if incremental {
		since = account.LastSyncAt
	}

	for _, folder := range folders {
		if op.cancelled.Load() {
			m.finishCancelled(op)
			return nil
		}

		m.mu.Lock()
		op.Progress.CurrentFolder = folder.Name
		m.mu.Unlock()

		if err := m.syncFolder(ctx, client, op, account, folder, incremental, since); err != nil {
			m.logger.Warn("Folder %s failed for operation %s: %v", folder.Name, op.ID, err)
			m.mu.Lock()
			op.Stats.Errors++
			m.mu.Unlock()
		}

		m.mu.Lock()
		op.Progress.Processed++
		processed, total := op.Progress.Processed, op.Progress.Total
		snap := m.snapshot(op)
		m.mu.Unlock()

		if total > 0 {
			if err := m.queues.UpdateJobProgress(ctx, job, processed*100/total); err != nil {
				m.logger.Debug("Progress update failed for job %s: %v", job.ID, err)
			}
		}
		m.events.Publish(EventSyncProgress, snap)
	}

	m.persistSyncAnchor(client, account)
	m.completeOperation(op, account)
	return nil
}

// persistSyncAnchor stores the provider's incremental anchor on the
// account so the next session resumes the diff instead of re-anchoring
// at the current mailbox head.
func (m *SyncManager) persistSyncAnchor(client provider.Client, account *models.EmailAccount) {
	anchored, ok := client.(provider.SyncAnchored)
	if !ok {
		return
	}
	anchor := anchored.SyncAnchor()
	if anchor == "" {
		return
	}
	if err := m.accounts.UpdateCustomSetting(account.ID, provider.SyncAnchorKey, anchor); err != nil {
		m.logger.Warn("Failed to persist sync anchor for account %d: %v", account.ID, err)
	}
}

// targetFolders resolves which folders this operation covers.
func (m *SyncManager) targetFolders(ctx context.Context, client provider.Client, account *models.EmailAccount, incremental bool) ([]provider.Folder, error) {
	if !incremental {
		folders, err := client.GetFolders(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate folders: %w", err)
		}
		return folders, nil
	}

	names := account.SyncFolders
	if len(names) == 0 {
		names = []string{"INBOX"}
	}
	folders := make([]provider.Folder, 0, len(names))
	for _, name := range names {
		folders = append(folders, provider.Folder{ID: name, Name: name})
	}
	return folders, nil
}

// syncFolder applies one folder's diff to the mirror.
func (m *SyncManager) syncFolder(ctx context.Context, client provider.Client, op *SyncOperation, account *models.EmailAccount, folder provider.Folder, incremental bool, since *time.Time) error {
	result, err := client.SyncMessages(ctx, provider.SyncOptions{
		Incremental: incremental,
		FolderID:    folder.ID,
		Since:       since,
	})
	if err != nil {
		return err
	}
	m.applyDiff(op, account.ID, result)
	return nil
}

// applyDiff writes one sync diff into the mirror and the operation stats.
func (m *SyncManager) applyDiff(op *SyncOperation, accountID uint, result *provider.SyncResult) {
	for i := range result.NewMessages {
		if err := m.emails.Upsert(messageToEmail(accountID, &result.NewMessages[i])); err != nil {
			m.logger.Warn("Failed to store message %s: %v", result.NewMessages[i].ID, err)
			m.mu.Lock()
			op.Stats.Errors++
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		op.Stats.NewMessages++
		m.mu.Unlock()
	}
	for i := range result.UpdatedMessages {
		if err := m.emails.Upsert(messageToEmail(accountID, &result.UpdatedMessages[i])); err != nil {
			m.logger.Warn("Failed to update message %s: %v", result.UpdatedMessages[i].ID, err)
			m.mu.Lock()
			op.Stats.Errors++
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		op.Stats.UpdatedMessages++
		m.mu.Unlock()
	}
	for _, id := range result.DeletedMessageIDs {
		if err := m.emails.MarkDeleted(accountID, id); err != nil {
			m.logger.Warn("Failed to mark message %s deleted: %v", id, err)
			m.mu.Lock()
			op.Stats.Errors++
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		op.Stats.DeletedMessages++
		m.mu.Unlock()
	}
}

func messageToEmail(accountID uint, msg *provider.Message) *models.Email {
	return &models.Email{
		MessageID: msg.ID,
		AccountID: accountID,
		FolderID:  msg.FolderID,
		Subject:   msg.Subject,
		From:      msg.From,
		To:        msg.To,
		Date:      msg.Date,
		Body:      msg.Body,
		HTMLBody:  msg.HTMLBody,
		Flags:     msg.Flags,
		Size:      msg.Size,
	}
}

// processRealtimeSync performs the narrow single-message update a webhook
// notification asked for.
func (m *SyncManager) processRealtimeSync(ctx context.Context, job *queue.Job) error {
	var payload syncJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid realtime job payload: %w", err)
	}

	op := m.beginOperation(payload.OperationID)
	if op == nil {
		m.logger.Debug("Skipping realtime job for absent or cancelled operation %s", payload.OperationID)
		return nil
	}

	account, err := m.accounts.GetByID(payload.AccountID)
	if err != nil {
		return m.failOperation(op, nil, "SYNC_FAILED", err)
	}

	client, err := m.registry.Resolve(ctx, account)
	if err != nil {
		return m.failOperation(op, account, "SYNC_FAILED", err)
	}
	defer client.Disconnect()

	result, err := client.SyncMessages(ctx, provider.SyncOptions{MessageID: payload.MessageID})
	if err != nil {
		return m.failOperation(op, account, "SYNC_FAILED", err)
	}

	m.mu.Lock()
	op.Progress.Total = 1
	m.mu.Unlock()

	m.applyDiff(op, account.ID, result)

	m.mu.Lock()
	op.Progress.Processed = 1
	m.mu.Unlock()

	m.persistSyncAnchor(client, account)
	m.completeOperation(op, account)
	return nil
}

// beginOperation transitions an operation to running, or returns nil when
// the job should be ignored (operation evicted or already cancelled).
func (m *SyncManager) beginOperation(operationID string) *SyncOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[operationID]
	if !ok || op.cancelled.Load() || isTerminal(op.Status) {
		return nil
	}
	op.Status = SyncOpRunning
	return op
}

// finishCancelled stamps a cooperatively observed cancellation.
func (m *SyncManager) finishCancelled(op *SyncOperation) {
	m.mu.Lock()
	if !isTerminal(op.Status) {
		op.Status = SyncOpCancelled
		now := time.Now()
		op.CompletedAt = &now
	}
	snap := m.snapshot(op)
	m.mu.Unlock()
	m.events.Publish(EventSyncCancelled, snap)
	m.logger.Info("Operation %s cancelled", op.ID)
}

// completeOperation stamps success and persists the account sync state.
// A cancellation that landed while the last folder was in flight wins:
// terminal states are never overwritten.
func (m *SyncManager) completeOperation(op *SyncOperation, account *models.EmailAccount) {
	now := time.Now()
	m.mu.Lock()
	if op.cancelled.Load() || isTerminal(op.Status) {
		m.mu.Unlock()
		return
	}
	op.Status = SyncOpCompleted
	op.CompletedAt = &now
	op.Progress.CurrentFolder = ""
	snap := m.snapshot(op)
	m.mu.Unlock()

	if account != nil {
		if err := m.accounts.UpdateSyncState(account.ID, models.SyncStatusIdle, &now); err != nil {
			m.logger.Warn("Failed to persist sync state for account %d: %v", account.ID, err)
		}
	}
	m.events.Publish(EventSyncCompleted, snap)
	m.logger.Info("Operation %s completed: %d new, %d updated, %d deleted, %d errors",
		op.ID, snap.Stats.NewMessages, snap.Stats.UpdatedMessages, snap.Stats.DeletedMessages, snap.Stats.Errors)
}

// failOperation stamps a structured failure and re-raises the error so the
// queue's retry policy applies.
func (m *SyncManager) failOperation(op *SyncOperation, account *models.EmailAccount, code string, cause error) error {
	now := time.Now()
	m.mu.Lock()
	if op.cancelled.Load() || isTerminal(op.Status) {
		m.mu.Unlock()
		return nil
	}
	op.Status = SyncOpFailed
	op.CompletedAt = &now
	op.Error = &SyncError{Code: code, Message: cause.Error()}
	snap := m.snapshot(op)
	m.mu.Unlock()

	if account != nil {
		if err := m.accounts.UpdateSyncState(account.ID, models.SyncStatusError, nil); err != nil {
			m.logger.Warn("Failed to persist error state for account %d: %v", account.ID, err)
		}
	}
	m.events.Publish(EventSyncFailed, snap)
	return fmt.Errorf("%s: %w", code, cause)
}

// SetupRealtimeSync registers a provider webhook for the account. A
// provider without webhook support makes this a logged no-op.
func (m *SyncManager) SetupRealtimeSync(ctx context.Context, account *models.EmailAccount) error {
	client, err := m.registry.Resolve(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to connect provider: %w", err)
	}
	defer client.Disconnect()

	capable, ok := client.(provider.WebhookCapable)
	if !ok {
		m.logger.Info("Provider %s does not support webhooks, realtime sync unavailable for account %d",
			account.MailProvider.Type, account.ID)
		return nil
	}

	url := fmt.Sprintf("%s/api/webhooks/%s/%d", m.webhook.BaseURL, account.MailProvider.Type, account.ID)
	subscriptionID, err := capable.SetupWebhook(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to set up webhook: %w", err)
	}

	if err := m.webhooks.Save(&models.WebhookSubscription{
		AccountID:      account.ID,
		Provider:       account.MailProvider.Type,
		SubscriptionID: subscriptionID,
	}); err != nil {
		return fmt.Errorf("failed to record webhook subscription: %w", err)
	}
	if err := m.accounts.SetRealtimeEnabled(account.ID, true); err != nil {
		return fmt.Errorf("failed to enable realtime flag: %w", err)
	}

	m.logger.Info("Realtime sync enabled for account %d (subscription %s)", account.ID, subscriptionID)
	return nil
}

// RemoveRealtimeSync tears down the account's webhook registration.
func (m *SyncManager) RemoveRealtimeSync(ctx context.Context, accountID uint) error {
	account, err := m.accounts.GetByID(accountID)
	if err != nil {
		return err
	}

	sub, err := m.webhooks.GetByAccountID(accountID)
	if err != nil {
		return fmt.Errorf("failed to load webhook subscription: %w", err)
	}

	if sub != nil {
		client, err := m.registry.Resolve(ctx, account)
		if err != nil {
			return fmt.Errorf("failed to connect provider: %w", err)
		}
		defer client.Disconnect()

		if capable, ok := client.(provider.WebhookCapable); ok {
			if err := capable.RemoveWebhook(ctx, sub.SubscriptionID); err != nil {
				m.logger.Warn("Provider webhook removal failed for account %d: %v", accountID, err)
			}
		}
		if err := m.webhooks.DeleteByAccountID(accountID); err != nil {
			return fmt.Errorf("failed to delete webhook subscription: %w", err)
		}
	}

	if err := m.accounts.SetRealtimeEnabled(accountID, false); err != nil {
		return fmt.Errorf("failed to disable realtime flag: %w", err)
	}
	m.logger.Info("Realtime sync disabled for account %d", accountID)
	return nil
}

// HandleWebhookNotification dispatches one provider notification.
func (m *SyncManager) HandleWebhookNotification(ctx context.Context, n *WebhookNotification) error {
	switch n.Type {
	case "message.created", "message.updated":
		messageID, _ := n.Data["messageId"].(string)
		return m.enqueueRealtimeSync(ctx, n.AccountID, messageID, n.Type)

	case "message.deleted":
		messageID, _ := n.Data["messageId"].(string)
		if messageID == "" {
			m.logger.Warn("message.deleted notification %s without messageId", n.ID)
			return nil
		}
		// Cheap and idempotent, no queue hop
		if err := m.emails.MarkDeleted(n.AccountID, messageID); err != nil {
			return fmt.Errorf("failed to mark message deleted: %w", err)
		}
		return nil

	case "folder.created", "folder.updated":
		// Folder topology changes are reconciled by the next full sync
		m.logger.Info("Folder change notification for account %d recorded (%s)", n.AccountID, n.Type)
		return nil

	default:
		m.logger.Warn("Dropping webhook notification %s with unknown type %s", n.ID, n.Type)
		return nil
	}
}

// enqueueRealtimeSync creates a realtime operation for one message hint.
func (m *SyncManager) enqueueRealtimeSync(ctx context.Context, accountID uint, messageID, notificationType string) error {
	op := &SyncOperation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Type:      SyncTypeRealtime,
		Status:    SyncOpPending,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()

	_, err := m.queues.AddJob(ctx, SyncQueueName, SyncJobRealtime, syncJobPayload{
		OperationID: op.ID,
		AccountID:   accountID,
		MessageID:   messageID,
		Type:        notificationType,
	}, &queue.JobOptions{
		Priority: priorityFromTier("high"),
		Attempts: 2,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.operations, op.ID)
		m.mu.Unlock()
		return fmt.Errorf("failed to enqueue realtime sync: %w", err)
	}
	return nil
}

// SchedulePeriodicSync starts an incremental sync for every auto-sync
// account whose interval has elapsed. Invoked by the composition root's
// ticker.
func (m *SyncManager) SchedulePeriodicSync(ctx context.Context) error {
	accounts, err := m.accounts.GetActiveAutoSyncAccounts()
	if err != nil {
		return fmt.Errorf("failed to load auto-sync accounts: %w", err)
	}

	now := time.Now()
	started := 0
	for i := range accounts {
		account := &accounts[i]
		interval := time.Duration(account.SyncInterval) * time.Second
		if account.LastSyncAt != nil && now.Sub(*account.LastSyncAt) < interval {
			continue
		}
		if m.hasActiveOperation(account.ID) {
			continue
		}
		if _, err := m.StartAccountSync(ctx, account, StartSyncOptions{SyncType: SyncTypeIncremental}); err != nil {
			m.logger.Warn("Periodic sync failed to start for account %d: %v", account.ID, err)
			continue
		}
		started++
	}
	if started > 0 {
		m.logger.Info("Periodic pass started %d incremental syncs", started)
	}
	return nil
}

func (m *SyncManager) hasActiveOperation(accountID uint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, op := range m.operations {
		if op.AccountID == accountID && !isTerminal(op.Status) {
			return true
		}
	}
	return false
}

// CleanupCompletedOperations evicts terminal operations past the retention
// window. This is the only destructor path for SyncOperation records.
func (m *SyncManager) CleanupCompletedOperations() int {
	cutoff := time.Now().Add(-operationRetention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, op := range m.operations {
		if isTerminal(op.Status) && op.CompletedAt != nil && op.CompletedAt.Before(cutoff) {
			delete(m.operations, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("Evicted %d completed operations", removed)
	}
	return removed
}
