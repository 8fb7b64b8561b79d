package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mailflow/internal/models"
	"mailflow/internal/utils"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailClient adapts the Gmail REST API to the provider capability
// interface. It supports push notifications via Users.Watch.
type GmailClient struct {
	account *models.EmailAccount
	service *gmail.Service
	logger  *utils.Logger

	// historyID anchors incremental history reads. Seeded from the
	// account's persisted anchor on Connect; zero means no anchor yet.
	historyID uint64
	// headID is the mailbox head observed at Connect, recorded as the
	// next anchor once a full listing has mirrored everything up to it
	headID uint64
}

// NewGmailClient is the registry factory for Gmail accounts.
func NewGmailClient(account *models.EmailAccount) (Client, error) {
	if account.Token == "" {
		return nil, fmt.Errorf("gmail account %s has no access token", account.EmailAddress)
	}
	return &GmailClient{
		account: account,
		logger:  utils.NewLogger("GmailClient"),
	}, nil
}

// Connect builds the Gmail service from the account's access token and
// verifies it with a profile read.
func (c *GmailClient) Connect(ctx context.Context, account *models.EmailAccount) error {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: account.Token,
		TokenType:   "Bearer",
	})

	srv, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return fmt.Errorf("failed to create Gmail service: %w", err)
	}

	profile, err := srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to verify Gmail access: %w", err)
	}

	c.service = srv
	c.headID = profile.HistoryId
	if anchor, err := strconv.ParseUint(account.CustomSettings[SyncAnchorKey], 10, 64); err == nil {
		c.historyID = anchor
	}
	c.logger.Info("Connected to Gmail for %s (head %d, anchor %d)",
		profile.EmailAddress, profile.HistoryId, c.historyID)
	return nil
}

// SyncAnchor exposes the history id the next incremental sync should
// start from. Empty until either a stored anchor was seeded or a full
// listing caught the mirror up to the connect-time head.
func (c *GmailClient) SyncAnchor() string {
	if c.historyID == 0 {
		return ""
	}
	return strconv.FormatUint(c.historyID, 10)
}

// IsConnected reports whether the Gmail service was set up.
func (c *GmailClient) IsConnected() bool {
	return c.service != nil
}

// GetFolders maps Gmail labels onto folders. User labels and the common
// system labels are exposed; internal category labels are skipped.
func (c *GmailClient) GetFolders(ctx context.Context) ([]Folder, error) {
	if c.service == nil {
		return nil, fmt.Errorf("not connected")
	}

	labels, err := c.service.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list Gmail labels: %w", err)
	}

	var folders []Folder
	for _, label := range labels.Labels {
		if strings.HasPrefix(label.Id, "CATEGORY_") {
			continue
		}
		folders = append(folders, Folder{ID: label.Id, Name: label.Name})
	}
	return folders, nil
}

// SyncMessages fetches the message diff for one label. Incremental syncs
// use the history API so deletions are reported; full syncs list all
// messages under the label.
func (c *GmailClient) SyncMessages(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if c.service == nil {
		return nil, fmt.Errorf("not connected")
	}

	if opts.MessageID != "" {
		return c.fetchSingle(ctx, opts.MessageID)
	}
	if opts.Incremental {
		return c.syncFromHistory(ctx, opts)
	}
	return c.syncFull(ctx, opts)
}

func (c *GmailClient) syncFull(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	call := c.service.Users.Messages.List("me").MaxResults(100)
	if opts.FolderID != "" {
		call = call.LabelIds(opts.FolderID)
	}
	if opts.Since != nil {
		call = call.Q(fmt.Sprintf("after:%d", opts.Since.Unix()))
	}

	result := &SyncResult{}
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list Gmail messages: %w", err)
		}
		for _, ref := range list.Messages {
			msg, err := c.fetchMessage(ctx, ref.Id, opts.FolderID)
			if err != nil {
				c.logger.Warn("Skipping Gmail message %s: %v", ref.Id, err)
				continue
			}
			result.NewMessages = append(result.NewMessages, *msg)
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}
	// The full listing mirrored everything up to the connect-time head,
	// so history reads can resume from there next session.
	if c.headID > c.historyID {
		c.historyID = c.headID
	}
	return result, nil
}

// syncFromHistory diffs against the last seen history id. Expired history
// anchors fall back to a full sync.
func (c *GmailClient) syncFromHistory(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if c.historyID == 0 {
		return c.syncFull(ctx, opts)
	}

	call := c.service.Users.History.List("me").StartHistoryId(c.historyID)
	if opts.FolderID != "" {
		call = call.LabelId(opts.FolderID)
	}

	result := &SyncResult{}
	seen := make(map[string]bool)
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		history, err := call.Context(ctx).Do()
		if err != nil {
			// A 404 means the anchor expired; Gmail only keeps ~a week
			c.logger.Warn("Gmail history read failed, falling back to full sync: %v", err)
			return c.syncFull(ctx, opts)
		}
		for _, h := range history.History {
			for _, added := range h.MessagesAdded {
				if seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				msg, err := c.fetchMessage(ctx, added.Message.Id, opts.FolderID)
				if err != nil {
					c.logger.Warn("Skipping Gmail message %s: %v", added.Message.Id, err)
					continue
				}
				result.NewMessages = append(result.NewMessages, *msg)
			}
			for _, deleted := range h.MessagesDeleted {
				result.DeletedMessageIDs = append(result.DeletedMessageIDs, deleted.Message.Id)
			}
			if h.Id > c.historyID {
				c.historyID = h.Id
			}
		}
		if history.HistoryId > c.historyID {
			c.historyID = history.HistoryId
		}
		pageToken = history.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return result, nil
}

func (c *GmailClient) fetchSingle(ctx context.Context, messageID string) (*SyncResult, error) {
	msg, err := c.fetchMessage(ctx, messageID, "")
	if err != nil {
		return nil, err
	}
	return &SyncResult{NewMessages: []Message{*msg}}, nil
}

// fetchMessage pulls one full message and converts it to the provider
// message snapshot.
func (c *GmailClient) fetchMessage(ctx context.Context, id, folderID string) (*Message, error) {
	gm, err := c.service.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	msg := &Message{
		ID:       gm.Id,
		FolderID: folderID,
		Flags:    gm.LabelIds,
		Size:     gm.SizeEstimate,
	}
	if gm.InternalDate > 0 {
		msg.Date = time.UnixMilli(gm.InternalDate)
	}
	if folderID == "" && len(gm.LabelIds) > 0 {
		msg.FolderID = gm.LabelIds[0]
	}

	if gm.Payload != nil {
		for _, header := range gm.Payload.Headers {
			switch header.Name {
			case "Subject":
				msg.Subject = header.Value
			case "From":
				msg.From = []string{header.Value}
			case "To":
				msg.To = strings.Split(header.Value, ",")
			case "Date":
				if msg.Date.IsZero() {
					if t, err := time.Parse(time.RFC1123Z, header.Value); err == nil {
						msg.Date = t
					}
				}
			}
		}
		msg.Body, msg.HTMLBody = extractGmailBody(gm.Payload)
	}
	return msg, nil
}

// extractGmailBody walks the MIME part tree collecting the text and HTML
// bodies.
func extractGmailBody(part *gmail.MessagePart) (text, html string) {
	if part.Body != nil && part.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err == nil {
			switch part.MimeType {
			case "text/plain":
				text = string(decoded)
			case "text/html":
				html = string(decoded)
			}
		}
	}
	for _, child := range part.Parts {
		t, h := extractGmailBody(child)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
	}
	return text, html
}

// SetupWebhook registers a Gmail push watch. The Pub/Sub topic comes from
// the account's custom settings; the callback URL is unused because Gmail
// delivers through Pub/Sub, not direct HTTP.
func (c *GmailClient) SetupWebhook(ctx context.Context, url string) (string, error) {
	if c.service == nil {
		return "", fmt.Errorf("not connected")
	}
	topic := c.account.CustomSettings["pubsub_topic"]
	if topic == "" {
		return "", fmt.Errorf("account %s has no pubsub_topic configured", c.account.EmailAddress)
	}

	watch, err := c.service.Users.Watch("me", &gmail.WatchRequest{
		TopicName:         topic,
		LabelIds:          []string{"INBOX"},
		LabelFilterAction: "include",
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to set up Gmail watch: %w", err)
	}

	c.historyID = watch.HistoryId
	c.logger.Info("Gmail watch active for %s until %s", c.account.EmailAddress,
		time.UnixMilli(watch.Expiration).Format(time.RFC3339))
	return strconv.FormatUint(watch.HistoryId, 10), nil
}

// RemoveWebhook stops the active Gmail watch.
func (c *GmailClient) RemoveWebhook(ctx context.Context, subscriptionID string) error {
	if c.service == nil {
		return fmt.Errorf("not connected")
	}
	if err := c.service.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop Gmail watch: %w", err)
	}
	return nil
}

// Disconnect releases the service handle. The REST client holds no
// persistent connection.
func (c *GmailClient) Disconnect() error {
	c.service = nil
	return nil
}
