package provider

import (
	"context"
	"time"

	"mailflow/internal/models"
)

// Folder is one mailbox folder as enumerated by a provider.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Messages uint32 `json:"messages"`
}

// Message is a provider-side message snapshot handed to the sync layer.
type Message struct {
	ID       string    `json:"id"`
	FolderID string    `json:"folderId"`
	Subject  string    `json:"subject"`
	From     []string  `json:"from"`
	To       []string  `json:"to"`
	Date     time.Time `json:"date"`
	Body     string    `json:"body"`
	HTMLBody string    `json:"htmlBody"`
	Flags    []string  `json:"flags"`
	Size     int64     `json:"size"`
}

// SyncOptions narrows a SyncMessages call.
type SyncOptions struct {
	Incremental bool
	FolderID    string
	Since       *time.Time
	MessageID   string // realtime: fetch just this message
}

// SyncResult is the diff returned by one SyncMessages call.
type SyncResult struct {
	NewMessages       []Message
	UpdatedMessages   []Message
	DeletedMessageIDs []string
}

// Client is the capability interface every provider adapter implements.
type Client interface {
	Connect(ctx context.Context, account *models.EmailAccount) error
	IsConnected() bool
	GetFolders(ctx context.Context) ([]Folder, error)
	SyncMessages(ctx context.Context, opts SyncOptions) (*SyncResult, error)
	Disconnect() error
}

// WebhookCapable is implemented by providers that support push
// notifications. Callers assert for it; absence is not an error.
type WebhookCapable interface {
	SetupWebhook(ctx context.Context, url string) (string, error)
	RemoveWebhook(ctx context.Context, subscriptionID string) error
}

// SyncAnchorKey is the custom-settings key an incremental sync anchor is
// stored under on the account.
const SyncAnchorKey = "sync_anchor"

// SyncAnchored is implemented by providers whose incremental sync diffs
// from a stored anchor (the Gmail history id). The caller persists the
// anchor after a sync; Connect seeds from it on the next session.
type SyncAnchored interface {
	SyncAnchor() string
}
