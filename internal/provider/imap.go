package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"strings"

	"mailflow/internal/models"
	"mailflow/internal/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"golang.org/x/net/proxy"
)

// IMAPClient adapts a generic IMAP mailbox to the provider capability
// interface. It does not support push notifications.
type IMAPClient struct {
	account *models.EmailAccount
	conn    *client.Client
	logger  *utils.Logger
}

// NewIMAPClient is the registry factory for IMAP-backed providers.
func NewIMAPClient(account *models.EmailAccount) (Client, error) {
	if account.MailProvider.IMAPServer == "" {
		return nil, fmt.Errorf("account %s has no IMAP server configured", account.EmailAddress)
	}
	return &IMAPClient{
		account: account,
		logger:  utils.NewLogger("IMAPClient"),
	}, nil
}

// Connect dials the IMAP server (optionally through a SOCKS5/HTTP proxy)
// and authenticates.
func (c *IMAPClient) Connect(ctx context.Context, account *models.EmailAccount) error {
	serverAddr := fmt.Sprintf("%s:%d", account.MailProvider.IMAPServer, account.MailProvider.IMAPPort)
	c.logger.Info("Connecting to IMAP server %s for %s", serverAddr, account.EmailAddress)

	var conn *client.Client
	var err error

	if account.Proxy != "" {
		conn, err = c.dialViaProxy(account, serverAddr)
	} else if account.MailProvider.IMAPPort == 993 {
		conn, err = client.DialTLS(serverAddr, &tls.Config{ServerName: account.MailProvider.IMAPServer})
	} else {
		conn, err = client.Dial(serverAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to dial IMAP server: %w", err)
	}

	switch account.AuthType {
	case models.AuthTypePassword:
		if err := conn.Login(account.EmailAddress, account.Password); err != nil {
			conn.Logout()
			return fmt.Errorf("login failed: %w", err)
		}
	case models.AuthTypeToken, models.AuthTypeOAuth2:
		if err := conn.Authenticate(newXOAuth2Client(account.EmailAddress, account.Token)); err != nil {
			conn.Logout()
			return fmt.Errorf("XOAUTH2 authentication failed: %w", err)
		}
	default:
		conn.Logout()
		return fmt.Errorf("unsupported auth type: %s", account.AuthType)
	}

	c.conn = conn
	return nil
}

// dialViaProxy tunnels the IMAP connection through the account's proxy.
func (c *IMAPClient) dialViaProxy(account *models.EmailAccount, serverAddr string) (*client.Client, error) {
	proxyURL, err := url.Parse(account.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
	}

	c.logger.Debug("Connecting via %s proxy: %s", proxyURL.Scheme, account.Proxy)

	if account.MailProvider.IMAPPort != 993 {
		return client.DialWithDialer(dialer, serverAddr)
	}

	// For IMAPS the TLS handshake happens after the proxy tunnel is up
	proxyConn, err := dialer.Dial("tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial via proxy: %w", err)
	}
	tlsConn := tls.Client(proxyConn, &tls.Config{ServerName: account.MailProvider.IMAPServer})
	if err := tlsConn.Handshake(); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return client.New(tlsConn)
}

// IsConnected reports whether the IMAP session is alive.
func (c *IMAPClient) IsConnected() bool {
	return c.conn != nil && c.conn.State() != imap.LogoutState
}

// GetFolders enumerates all mailbox folders.
func (c *IMAPClient) GetFolders(ctx context.Context) ([]Folder, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.List("", "*", mailboxes)
	}()

	var folders []Folder
	for mb := range mailboxes {
		// Skip non-selectable containers
		noselect := false
		for _, attr := range mb.Attributes {
			if strings.EqualFold(attr, imap.NoSelectAttr) {
				noselect = true
				break
			}
		}
		if noselect {
			continue
		}
		folders = append(folders, Folder{ID: mb.Name, Name: mb.Name})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// SyncMessages fetches the message diff for one folder. IMAP cannot report
// deletions without persistent UID bookkeeping, so DeletedMessageIDs is
// always empty here.
func (c *IMAPClient) SyncMessages(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	folderName := opts.FolderID
	if folderName == "" {
		folderName = "INBOX"
	}

	mbox, err := c.conn.Select(folderName, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folderName, err)
	}
	if mbox.Messages == 0 {
		return &SyncResult{}, nil
	}

	criteria := imap.NewSearchCriteria()
	if opts.Incremental && opts.Since != nil {
		criteria.Since = *opts.Since
	}
	if opts.MessageID != "" {
		criteria.Header.Set("Message-Id", opts.MessageID)
	}

	seqNums, err := c.conn.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("search failed in folder %s: %w", folderName, err)
	}
	if len(seqNums) == 0 {
		return &SyncResult{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchRFC822Size, section.FetchItem()}

	messages := make(chan *imap.Message, 20)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.Fetch(seqSet, items, messages)
	}()

	result := &SyncResult{}
	for msg := range messages {
		converted, err := c.convertMessage(msg, folderName, section)
		if err != nil {
			c.logger.Warn("Skipping unparseable message in %s: %v", folderName, err)
			continue
		}
		result.NewMessages = append(result.NewMessages, *converted)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch failed in folder %s: %w", folderName, err)
	}
	return result, nil
}

// convertMessage maps one IMAP message onto the provider message snapshot.
func (c *IMAPClient) convertMessage(msg *imap.Message, folderName string, section *imap.BodySectionName) (*Message, error) {
	converted := &Message{
		FolderID: folderName,
		Flags:    msg.Flags,
		Size:     int64(msg.Size),
	}

	if msg.Envelope != nil {
		converted.ID = msg.Envelope.MessageId
		converted.Subject = msg.Envelope.Subject
		converted.Date = msg.Envelope.Date
		converted.From = formatAddresses(msg.Envelope.From)
		converted.To = formatAddresses(msg.Envelope.To)
	}
	if converted.ID == "" {
		return nil, fmt.Errorf("message without Message-Id")
	}

	body := msg.GetBody(section)
	if body == nil {
		return converted, nil
	}
	text, html, err := parseBodyParts(body)
	if err != nil {
		// Envelope data is still useful without a parsed body
		c.logger.Debug("Body parse failed for %s: %v", converted.ID, err)
		return converted, nil
	}
	converted.Body = text
	converted.HTMLBody = html
	return converted, nil
}

// parseBodyParts extracts the text and HTML bodies from a raw message.
func parseBodyParts(r io.Reader) (string, string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	var textBody, htmlBody bytes.Buffer
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return textBody.String(), htmlBody.String(), err
		}

		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			switch contentType {
			case "text/plain":
				io.Copy(&textBody, p.Body)
			case "text/html":
				io.Copy(&htmlBody, p.Body)
			}
		}
	}
	return textBody.String(), htmlBody.String(), nil
}

func formatAddresses(addrs []*imap.Address) []string {
	var out []string
	for _, a := range addrs {
		out = append(out, a.Address())
	}
	return out
}

// Disconnect logs out of the IMAP session.
func (c *IMAPClient) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	return err
}

// xoauth2Client implements the XOAUTH2 SASL mechanism for token-based IMAP
// authentication.
type xoauth2Client struct {
	email       string
	accessToken string
}

func newXOAuth2Client(email, accessToken string) sasl.Client {
	return &xoauth2Client{email: email, accessToken: accessToken}
}

// Start begins the SASL authentication
func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	mech = "XOAUTH2"
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.email, c.accessToken))
	return
}

// Next continues the SASL authentication; XOAUTH2 has no additional steps.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, nil
}
