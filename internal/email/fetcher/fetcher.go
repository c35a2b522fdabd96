// Package fetcher loads the emails of a mail account for a time window,
// routing to Gmail or IMAP by the account's provider.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	accountdomain "mailsched-backend/internal/account/domain"
	accountrepo "mailsched-backend/internal/account/repository"
	emaildomain "mailsched-backend/internal/email/domain"
	"mailsched-backend/pkg/gmail"
	"mailsched-backend/pkg/logger"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var (
	ErrAccountNotFound     = errors.New("mail account not found")
	ErrUnsupportedProvider = errors.New("unsupported mail provider")
)

// GmailSource fetches from Gmail
type GmailSource interface {
	FetchEmailsInRange(ctx context.Context, account *accountdomain.MailAccount, since, before time.Time, maxCount int, onTokenRefresh gmail.TokenUpdateFunc) ([]*emaildomain.Email, error)
}

// IMAPSource fetches from an IMAP server
type IMAPSource interface {
	FetchEmailsInRange(ctx context.Context, account *accountdomain.MailAccount, since, before time.Time, maxCount int) ([]*emaildomain.Email, error)
}

// Fetcher implements the runner's Fetcher
type Fetcher struct {
	accounts accountrepo.AccountRepository
	gmail    GmailSource
	imap     IMAPSource
	log      zerolog.Logger
}

// NewFetcher creates a Fetcher; a nil source disables that provider
func NewFetcher(accounts accountrepo.AccountRepository, gmail GmailSource, imap IMAPSource) *Fetcher {
	return &Fetcher{
		accounts: accounts,
		gmail:    gmail,
		imap:     imap,
		log:      logger.Component("fetcher"),
	}
}

// FetchEmailsInRange returns the account's emails received within [since, before)
func (f *Fetcher) FetchEmailsInRange(ctx context.Context, accountID string, since, before time.Time, maxCount int) ([]*emaildomain.Email, error) {
	account, err := f.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	var emails []*emaildomain.Email
	switch {
	case account.Provider == accountdomain.ProviderGmail && f.gmail != nil:
		emails, err = f.gmail.FetchEmailsInRange(ctx, account, since, before, maxCount, f.saveToken(account.ID))
	case account.Provider == accountdomain.ProviderIMAP && f.imap != nil:
		emails, err = f.imap.FetchEmailsInRange(ctx, account, since, before, maxCount)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, account.Provider)
	}
	if err != nil {
		return nil, err
	}

	for _, e := range emails {
		e.AccountID = account.ID
	}
	f.log.Debug().
		Str("account_id", account.ID).
		Str("provider", string(account.Provider)).
		Int("count", len(emails)).
		Msg("emails fetched")
	return emails, nil
}

func (f *Fetcher) saveToken(accountID string) gmail.TokenUpdateFunc {
	return func(token *oauth2.Token) error {
		// Refreshes can happen after the run's context is done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return f.accounts.UpdateTokens(ctx, accountID, token.AccessToken, token.RefreshToken, token.Expiry)
	}
}
