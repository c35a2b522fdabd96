// Package imap fetches emails from IMAP mailboxes with pooled connections.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	accountdomain "mailsched-backend/internal/account/domain"
	emaildomain "mailsched-backend/internal/email/domain"
	"mailsched-backend/pkg/logger"
	"mailsched-backend/pkg/mailpool"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
)

const (
	inbox          = "INBOX"
	commandTimeout = 30 * time.Second
	previewLength  = 200
)

// ErrMissingServer is returned for accounts without an IMAP host
var ErrMissingServer = errors.New("imap server not configured")

// IMAPService fetches emails over IMAP
type IMAPService struct {
	pool *mailpool.Pool[*client.Client]
	log  zerolog.Logger
}

// NewService creates an IMAPService; a nil pool gets a single idle
// connection per account.
func NewService(pool *mailpool.Pool[*client.Client]) *IMAPService {
	if pool == nil {
		pool = NewPool(mailpool.Config{MaxIdle: 1})
	}
	return &IMAPService{pool: pool, log: logger.Component("imap")}
}

// NewPool creates a connection pool that logs out discarded clients
func NewPool(cfg mailpool.Config) *mailpool.Pool[*client.Client] {
	return mailpool.New(cfg, func(c *client.Client) error {
		return c.Logout()
	})
}

func (s *IMAPService) dial(ctx context.Context, account *accountdomain.MailAccount) (*client.Client, error) {
	if account.ImapHost == "" {
		return nil, ErrMissingServer
	}
	port := account.ImapPort
	if port == 0 {
		port = 993
		if !account.ImapTLS {
			port = 143
		}
	}
	addr := net.JoinHostPort(account.ImapHost, strconv.Itoa(port))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c *client.Client
	var err error
	if account.ImapTLS {
		c, err = client.DialTLS(addr, &tls.Config{ServerName: account.ImapHost})
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c.Timeout = commandTimeout

	username := account.ImapUsername
	if username == "" {
		username = account.Email
	}
	if err := c.Login(username, account.ImapPassword); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	return c, nil
}

// FetchEmailsInRange returns up to maxCount INBOX emails received within
// [since, before), oldest first. When more match, the newest are kept.
func (s *IMAPService) FetchEmailsInRange(ctx context.Context, account *accountdomain.MailAccount, since, before time.Time, maxCount int) ([]*emaildomain.Email, error) {
	lease, err := s.pool.Get(ctx, account.ID, func(ctx context.Context) (*client.Client, error) {
		return s.dial(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	emails, err := s.fetchRange(ctx, lease.Value, since, before, maxCount)
	if err != nil && lease.Reused() {
		// The idle connection may have been dropped by the server
		s.log.Debug().Err(err).Str("account_id", account.ID).Msg("pooled connection failed, redialing")
		lease.Release(err)
		lease, err = s.pool.Get(ctx, account.ID, func(ctx context.Context) (*client.Client, error) {
			return s.dial(ctx, account)
		})
		if err != nil {
			return nil, err
		}
		emails, err = s.fetchRange(ctx, lease.Value, since, before, maxCount)
	}
	lease.Release(err)
	return emails, err
}

func (s *IMAPService) fetchRange(ctx context.Context, c *client.Client, since, before time.Time, maxCount int) ([]*emaildomain.Email, error) {
	if _, err := c.Select(inbox, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", inbox, err)
	}

	// IMAP dates have day precision, results are filtered below
	criteria := imap.NewSearchCriteria()
	criteria.Since = since.AddDate(0, 0, -1)
	criteria.Before = before.AddDate(0, 0, 1)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search failed: %w", err)
	}
	if len(uids) == 0 {
		return []*emaildomain.Email{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	emails := make([]*emaildomain.Email, 0, len(uids))
	for msg := range messages {
		if msg.InternalDate.Before(since) || !msg.InternalDate.Before(before) {
			continue
		}
		email, err := convertMessage(msg, section)
		if err != nil {
			s.log.Warn().Err(err).Uint32("uid", msg.Uid).Msg("failed to parse message")
			continue
		}
		emails = append(emails, email)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch failed: %w", err)
	}

	sort.Slice(emails, func(i, j int) bool {
		return emails[i].ReceivedAt.Before(emails[j].ReceivedAt)
	})
	if maxCount > 0 && len(emails) > maxCount {
		emails = emails[len(emails)-maxCount:]
	}
	return emails, nil
}

// Close logs out pooled connections
func (s *IMAPService) Close() error {
	return s.pool.Close()
}

func convertMessage(msg *imap.Message, section *imap.BodySectionName) (*emaildomain.Email, error) {
	email := &emaildomain.Email{
		ID:         strconv.FormatUint(uint64(msg.Uid), 10),
		ReceivedAt: msg.InternalDate.UTC(),
		MailboxID:  inbox,
		To:         []string{},
	}
	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			email.IsRead = true
		case imap.FlaggedFlag:
			email.IsStarred = true
		}
	}
	if env := msg.Envelope; env != nil {
		email.Subject = env.Subject
		if len(env.From) > 0 {
			email.From = strings.ToLower(env.From[0].Address())
			email.FromName = env.From[0].PersonalName
			if email.FromName == "" {
				email.FromName = email.From
			}
		}
		for _, to := range env.To {
			email.To = append(email.To, to.Address())
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return email, nil
	}
	body, isHTML, err := readBody(r)
	if err != nil {
		return nil, err
	}
	email.Body = body
	email.IsHTML = isHTML
	email.Preview = preview(body, isHTML)
	return email, nil
}

// readBody returns the HTML part when present, the plain text part otherwise
func readBody(r io.Reader) (string, bool, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", false, fmt.Errorf("failed to read message: %w", err)
	}

	var htmlBody, plainBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return "", false, err
		}
		switch contentType {
		case "text/html":
			htmlBody = string(b)
		case "text/plain", "":
			plainBody = string(b)
		}
	}

	if htmlBody != "" {
		return htmlBody, true, nil
	}
	return plainBody, false, nil
}

func preview(body string, isHTML bool) string {
	text := body
	if isHTML {
		var b strings.Builder
		inTag := false
		for _, r := range text {
			switch {
			case r == '<':
				inTag = true
				b.WriteRune(' ')
			case r == '>':
				inTag = false
			case !inTag:
				b.WriteRune(r)
			}
		}
		text = b.String()
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > previewLength {
		text = text[:previewLength] + "..."
	}
	return text
}
